// Package program provides the lifecycle management of the
// containerbuilder binaries: a process consists of routines (HTTP
// servers, background garbage collection, builds started from the
// command line) that are shut down in dependency order.
package program

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/olcf/containerbuilder/pkg/util"
)

// Routine that can be executed as part of a program.
//
// Routines may launch additional routines, either as siblings or as
// dependencies of the current routine and its siblings. Siblings are
// canceled at the same time, while dependencies are only canceled once
// all siblings have completed. This permits, for example, closing the
// database after the HTTP server that uses it has shut down.
type Routine func(ctx context.Context, siblingsGroup, dependenciesGroup Group) error

// Group of routines, which can be used to launch additional routines.
type Group interface {
	Go(routine Routine)
}

// groupsRoot contains bookkeeping that is shared by all groups of a
// single invocation of run().
type groupsRoot struct {
	siblingsGroupsCount sync.WaitGroup
	errorLogger         util.ErrorLogger
}

type siblingsGroup struct {
	root                *groupsRoot
	siblingsActive      atomic.Uint32
	siblingsContext     context.Context
	dependenciesContext context.Context
	dependenciesCancel  context.CancelFunc
}

// newSiblingsGroup creates a siblingsGroup that contains exactly one
// routine. The caller must call runRoutine() to start it.
func newSiblingsGroup(siblingsContext context.Context, root *groupsRoot) *siblingsGroup {
	dependenciesContext, dependenciesCancel := context.WithCancel(context.WithoutCancel(siblingsContext))
	sg := &siblingsGroup{
		root:                root,
		siblingsContext:     siblingsContext,
		dependenciesContext: dependenciesContext,
		dependenciesCancel:  dependenciesCancel,
	}
	sg.siblingsActive.Store(1)
	root.siblingsGroupsCount.Add(1)
	return sg
}

func (sg *siblingsGroup) runRoutine(routine Routine) {
	if err := routine(sg.siblingsContext, sg, dependenciesGroup{siblingsGroup: sg}); err != nil {
		sg.root.errorLogger.Log(err)
	}
	if sg.siblingsActive.Add(^uint32(0)) == 0 {
		// Last sibling to terminate.
		sg.dependenciesCancel()
		sg.root.siblingsGroupsCount.Done()
	}
}

func (sg *siblingsGroup) Go(routine Routine) {
	if sg.siblingsActive.Add(1) < 2 {
		panic("Attempted to create a goroutine in a group that is already completed")
	}
	go sg.runRoutine(routine)
}

type dependenciesGroup struct {
	siblingsGroup *siblingsGroup
}

func (dg dependenciesGroup) Go(routine Routine) {
	sg := dg.siblingsGroup
	if sg.siblingsActive.Load() == 0 {
		panic("Attempted to create a goroutine in a group that is already completed")
	}
	childSG := newSiblingsGroup(sg.dependenciesContext, sg.root)
	go childSG.runRoutine(routine)
}

// run a routine and all routines it spawns until completion. Errors
// are reported through the error logger, which is responsible for
// canceling ctx if needed.
func run(ctx context.Context, errorLogger util.ErrorLogger, routine Routine) {
	root := &groupsRoot{errorLogger: errorLogger}
	newSiblingsGroup(ctx, root).runRoutine(routine)
	root.siblingsGroupsCount.Wait()
}
