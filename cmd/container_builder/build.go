package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/buildspec"
	"github.com/olcf/containerbuilder/pkg/configuration"
	"github.com/spf13/cobra"
)

// buildOptions are the flags shared by the build and remote-build
// commands.
type buildOptions struct {
	reference         string
	noCache           bool
	contextDirectory  string
	quiet             bool
	uploadConcurrency int
}

func (o *buildOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.reference, "tag", "t", "", "Reference under which the image is stored in the catalog")
	cmd.Flags().BoolVar(&o.noCache, "no-cache", false, "Execute all steps, even if their results are cached")
	cmd.Flags().StringVar(&o.contextDirectory, "context", "", "Build context directory (default: the directory containing the build specification)")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "Suppress the output of commands")
	cmd.Flags().IntVar(&o.uploadConcurrency, "upload-concurrency", 8, "Maximum number of files of the build context that are uploaded in parallel")
}

// newRequest loads a build specification and creates a build request
// for it. Copy steps are not resolved yet.
func (o *buildOptions) newRequest(specPath string) (*buildserver.BuildRequest, string, error) {
	s, err := buildspec.Load(specPath)
	if err != nil {
		return nil, "", err
	}
	contextDirectory := o.contextDirectory
	if contextDirectory == "" {
		contextDirectory = filepath.Dir(specPath)
	}
	return &buildserver.BuildRequest{
		Spec:      *s,
		NoCache:   o.noCache,
		Reference: o.reference,
	}, contextDirectory, nil
}

func (o *buildOptions) getOutput(cmd *cobra.Command) io.Writer {
	if o.quiet {
		return io.Discard
	}
	return cmd.ErrOrStderr()
}

// printBuildResult writes a summary of the steps of a build to
// standard error, followed by the image ID on standard output.
func printBuildResult(cmd *cobra.Command, result *buildserver.BuildResult) {
	for i, step := range result.Steps {
		state := "executed"
		if step.Cached {
			state = "cached"
		} else if step.Attempts > 1 {
			state = fmt.Sprintf("executed in %d attempts", step.Attempts)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Step %d/%d %s: %s (%.1fs) -> %s\n", i+1, len(result.Steps), step.Kind, state, step.DurationSeconds, step.Layer)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Stored image as %s\n", result.Reference)
	fmt.Fprintln(cmd.OutOrStdout(), result.ImageID)
}

func newBuildCommand(cc *commandContext) *cobra.Command {
	var options buildOptions
	cmd := &cobra.Command{
		Use:   "build <spec-file>",
		Short: "Build an image from a build specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request, contextDirectory, err := options.newRequest(args[0])
			if err != nil {
				return err
			}
			return cc.runWithComponents(cmd, func(ctx context.Context, components *configuration.Components) error {
				if err := buildspec.NewContextResolver(
					components.ContentStore,
					components.DigestFunction,
					contextDirectory,
					options.uploadConcurrency,
				).Resolve(ctx, &request.Spec); err != nil {
					return err
				}
				result, err := components.Service.Build(ctx, request, options.getOutput(cmd))
				if err != nil {
					return err
				}
				printBuildResult(cmd, result)
				return nil
			})
		},
	}
	options.addFlags(cmd)
	return cmd
}
