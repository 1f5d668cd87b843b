//go:build linux

package program

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// relaunchIfPID1 relaunches the executable as a child process if the
// build server runs as PID 1 inside a container, and reaps all
// processes reparented to it. The commands of Run steps may leave
// orphaned processes behind, which would otherwise become zombies.
//
// More details: https://github.com/golang/go/pull/61261
func relaunchIfPID1(currentPID int) {
	if currentPID == 1 {
		executable, err := os.Executable()
		if err != nil {
			log.Fatal("Failed to obtain path of current executable: ", err)
		}

		signal.Ignore(terminationSignals...)
		childPID, _, err := syscall.StartProcess(executable, os.Args, &syscall.ProcAttr{
			Env:   os.Environ(),
			Files: []uintptr{0, 1, 2},
		})
		if err != nil {
			log.Fatal("Failed to relaunch current process: ", err)
		}

		for {
			var status syscall.WaitStatus
			waitedPID, err := syscall.Wait4(-1, &status, 0, nil)
			for err == syscall.EINTR {
				waitedPID, err = syscall.Wait4(-1, &status, 0, nil)
			}
			if err != nil {
				log.Fatal("Failed to wait for process termination: ", err)
			}

			if waitedPID == childPID {
				if status.Signaled() {
					terminateWithSignal(currentPID, status.Signal())
				}
				os.Exit(status.ExitStatus())
			}
		}
	}
}
