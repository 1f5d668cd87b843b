package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/olcf/containerbuilder/pkg/configuration"
	"github.com/olcf/containerbuilder/pkg/global"
	"github.com/olcf/containerbuilder/pkg/program"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/spf13/cobra"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// commandContext holds the state shared by all subcommands.
type commandContext struct {
	configurationPath string
	stateDirectory    string
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}
	rootCmd := &cobra.Command{
		Use:   "container_builder",
		Short: "Layered container image builder",
		Long: `container_builder builds container images from build specifications.
Every step of a build produces a content addressed layer. Steps whose
inputs have not changed are not executed again, but reuse the layer
produced by an earlier build.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cc.configurationPath, "config", "c", "", "Jsonnet configuration file. If not provided, all state is stored in the state directory")
	rootCmd.PersistentFlags().StringVar(&cc.stateDirectory, "state-dir", defaultStateDirectory(), "Directory holding the content store and the build database")

	rootCmd.AddCommand(
		newBuildCommand(cc),
		newExportCommand(cc),
		newInspectCommand(cc),
		newImagesCommand(cc),
		newRemoveImageCommand(cc),
		newGarbageCollectCommand(cc),
		newRemoteBuildCommand(cc),
		newRemoteStatusCommand(cc))
	return rootCmd
}

func defaultStateDirectory() string {
	if directory := os.Getenv("CONTAINER_BUILDER_HOME"); directory != "" {
		return directory
	}
	cacheDirectory, err := os.UserCacheDir()
	if err != nil {
		cacheDirectory = os.TempDir()
	}
	return filepath.Join(cacheDirectory, "container_builder")
}

func (cc *commandContext) getConfiguration() (*configuration.ApplicationConfiguration, error) {
	if cc.configurationPath == "" {
		return configuration.NewLocalConfiguration(cc.stateDirectory), nil
	}
	return configuration.GetApplicationConfiguration(cc.configurationPath)
}

// run a function with the global configuration options applied.
func (cc *commandContext) run(cmd *cobra.Command, f func(ctx context.Context, applicationConfiguration *configuration.ApplicationConfiguration, tracerProvider trace.TracerProvider) error) error {
	applicationConfiguration, err := cc.getConfiguration()
	if err != nil {
		return err
	}
	return program.RunLocal(cmd.Context(), func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		_, tracerProvider, err := global.ApplyConfiguration(applicationConfiguration.Global, dependenciesGroup)
		if err != nil {
			return util.StatusWrap(err, "Failed to apply global configuration options")
		}
		return f(ctx, applicationConfiguration, tracerProvider)
	})
}

// runWithComponents runs a function against a build service that is
// constructed in-process.
func (cc *commandContext) runWithComponents(cmd *cobra.Command, f func(ctx context.Context, components *configuration.Components) error) error {
	return cc.run(cmd, func(ctx context.Context, applicationConfiguration *configuration.ApplicationConfiguration, tracerProvider trace.TracerProvider) error {
		components, err := configuration.NewComponentsFromConfiguration(ctx, applicationConfiguration, tracerProvider)
		if err != nil {
			return err
		}
		if err := f(ctx, components); err != nil {
			components.Close()
			return err
		}
		return components.Close()
	})
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

// createOutput opens a file for writing, where "-" denotes standard
// output.
func createOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{Writer: cmd.OutOrStdout()}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to create output file %#v", path)
	}
	return f, nil
}

// getExitCode returns the exit code of the process for an error. Build
// step failures and corruption of the stores are distinguished from
// other errors, so that scripts can act upon them.
func getExitCode(err error) int {
	switch status.Code(err) {
	case codes.OK:
		return 0
	case codes.Aborted:
		return 2
	case codes.DataLoss:
		return 3
	default:
		return 1
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}
