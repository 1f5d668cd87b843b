package main

import (
	"context"
	"encoding/json"

	"github.com/olcf/containerbuilder/pkg/buildspec"
	"github.com/olcf/containerbuilder/pkg/client"
	"github.com/olcf/containerbuilder/pkg/configuration"
	"github.com/olcf/containerbuilder/pkg/digest"
	cb_http "github.com/olcf/containerbuilder/pkg/http"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/spf13/cobra"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
)

// runWithClient runs a function against a client of the build server
// specified in the configuration file.
func (cc *commandContext) runWithClient(cmd *cobra.Command, f func(ctx context.Context, c *client.Client, function digest.Function) error) error {
	return cc.run(cmd, func(ctx context.Context, applicationConfiguration *configuration.ApplicationConfiguration, tracerProvider trace.TracerProvider) error {
		remote, err := applicationConfiguration.GetRemoteConfiguration()
		if err != nil {
			return err
		}
		function, err := digest.NewFunction(remote.DigestFunction)
		if err != nil {
			return err
		}
		roundTripper, err := cb_http.NewRoundTripperFromConfiguration(remote.HTTPClient)
		if err != nil {
			return util.StatusWrap(err, "Failed to create build server HTTP client")
		}
		return f(ctx, client.NewClient(remote.URL, cb_http.NewMetricsRoundTripper(roundTripper, "BuildServer"), function), function)
	})
}

func newRemoteBuildCommand(cc *commandContext) *cobra.Command {
	var options buildOptions
	var format, output string
	cmd := &cobra.Command{
		Use:   "remote-build <spec-file>",
		Short: "Build an image on a build server",
		Long: `Upload the build context to the build server configured in the
configuration file, and build an image on it. The output of commands is
streamed back while the build runs. With --output, the resulting image
is downloaded afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsedFormat image.Format
			if output != "" {
				var err error
				if parsedFormat, err = image.ParseFormat(format); err != nil {
					return err
				}
			}
			request, contextDirectory, err := options.newRequest(args[0])
			if err != nil {
				return err
			}
			return cc.runWithClient(cmd, func(ctx context.Context, c *client.Client, function digest.Function) error {
				if err := buildspec.NewContextResolver(c, function, contextDirectory, options.uploadConcurrency).Resolve(ctx, &request.Spec); err != nil {
					return err
				}
				result, err := c.Build(ctx, request, options.getOutput(cmd))
				if err != nil {
					return err
				}
				printBuildResult(cmd, result)

				if output == "" {
					return nil
				}
				w, err := createOutput(cmd, output)
				if err != nil {
					return err
				}
				if err := c.Export(ctx, result.ImageID, parsedFormat, options.reference, w); err != nil {
					w.Close()
					return err
				}
				if err := w.Close(); err != nil {
					return util.StatusWrapWithCode(err, codes.Internal, "Failed to close output file")
				}
				return nil
			})
		},
	}
	options.addFlags(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", string(image.FormatDockerArchive), "Format in which the image is downloaded: docker-archive, oci-layout or rootfs")
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to which the image is downloaded")
	return cmd
}

func newRemoteStatusCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remote-status",
		Short: "Display the builds that are running and queued on a build server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.runWithClient(cmd, func(ctx context.Context, c *client.Client, function digest.Function) error {
				s, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(s)
			})
		},
	}
}
