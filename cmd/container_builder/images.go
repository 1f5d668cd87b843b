package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/configuration"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/spf13/cobra"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newExportCommand(cc *commandContext) *cobra.Command {
	var format, output, reference, directory string
	cmd := &cobra.Command{
		Use:   "export <image>",
		Short: "Export an image by ID or reference",
		Long: `Export an image as a Docker archive, as an OCI image layout or as a
flattened root file system. The archive is written to standard output,
unless --output is provided. With --directory, OCI image layouts and
root file systems are written to a directory instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedFormat, err := image.ParseFormat(format)
			if err != nil {
				return err
			}
			return cc.runWithComponents(cmd, func(ctx context.Context, components *configuration.Components) error {
				img, err := components.Service.GetImage(ctx, args[0])
				if err != nil {
					return err
				}
				if directory != "" {
					switch parsedFormat {
					case image.FormatOCILayout:
						return components.Service.WriteOCILayout(ctx, img, reference, directory)
					case image.FormatRootFS:
						return components.Service.Materialize(ctx, img, directory)
					default:
						return status.Errorf(codes.InvalidArgument, "Format %#v cannot be written to a directory", format)
					}
				}

				w, err := createOutput(cmd, output)
				if err != nil {
					return err
				}
				if err := components.Service.Export(ctx, img, parsedFormat, reference, w); err != nil {
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
	cmd.Flags().StringVarP(&format, "format", "f", string(image.FormatDockerArchive), "Export format: docker-archive, oci-layout or rootfs")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "File to which the archive is written")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference stored in the exported archive (default: derived from the image ID)")
	cmd.Flags().StringVar(&directory, "directory", "", "Directory to which the image is written")
	return cmd
}

func newInspectCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Display the configuration and layers of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.runWithComponents(cmd, func(ctx context.Context, components *configuration.Components) error {
				img, err := components.Service.GetImage(ctx, args[0])
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(buildserver.NewImageInfo(img))
			})
		},
	}
}

func newImagesCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List the images in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.runWithComponents(cmd, func(ctx context.Context, components *configuration.Components) error {
				entries, err := components.Service.ListImages(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "REFERENCE\tIMAGE ID\tCREATED")
				for _, entry := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Reference, entry.ImageID, entry.Created.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func newRemoveImageCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rmi <reference>...",
		Short: "Remove references from the image catalog",
		Long: `Remove references from the image catalog. The blobs of the images are
deleted by the next garbage collection run, unless they are still
referenced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.runWithComponents(cmd, func(ctx context.Context, components *configuration.Components) error {
				for _, reference := range args {
					if err := components.Service.DeleteImage(ctx, reference); err != nil {
						return util.StatusWrapf(err, "Failed to remove %#v", reference)
					}
					fmt.Fprintln(cmd.OutOrStdout(), reference)
				}
				return nil
			})
		},
	}
}

func newGarbageCollectCommand(cc *commandContext) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs that are not referenced by any layer or image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.runWithComponents(cmd, func(ctx context.Context, components *configuration.Components) error {
				result, err := components.Service.Collect(ctx, dryRun)
				if err != nil {
					return err
				}
				verb := "deleted"
				if dryRun {
					verb = "would delete"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retained %d blobs, %s %d blobs\n", result.Retained, verb, result.Deleted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report which blobs would be deleted")
	return cmd
}
