package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/configuration"
	"github.com/olcf/containerbuilder/pkg/global"
	cb_http "github.com/olcf/containerbuilder/pkg/http"
	"github.com/olcf/containerbuilder/pkg/program"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if len(os.Args) != 2 {
			return status.Error(codes.InvalidArgument, "Usage: container_builder_server container_builder_server.jsonnet")
		}
		applicationConfiguration, err := configuration.GetApplicationConfiguration(os.Args[1])
		if err != nil {
			return err
		}
		diagnosticsServer, tracerProvider, err := global.ApplyConfiguration(applicationConfiguration.Global, dependenciesGroup)
		if err != nil {
			return util.StatusWrap(err, "Failed to apply global configuration options")
		}
		if len(applicationConfiguration.HTTPServers) == 0 {
			return status.Error(codes.InvalidArgument, "No HTTP servers configured")
		}

		components, err := configuration.NewComponentsFromConfiguration(ctx, applicationConfiguration, tracerProvider)
		if err != nil {
			return err
		}
		// Only close the database after the HTTP servers have
		// stopped using it.
		dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			<-ctx.Done()
			return components.Close()
		})

		router := mux.NewRouter().UseEncodedPath()
		buildserver.NewHTTPHandler(
			components.Service,
			components.ContentStore,
			components.DigestFunction,
			applicationConfiguration.MaximumBlobSizeBytes,
		).RegisterRoutes(router)
		diagnosticsServer.RegisterHandlers(router)
		cb_http.NewServersFromConfigurationAndServe(applicationConfiguration.HTTPServers, router, siblingsGroup)
		diagnosticsServer.Serve(siblingsGroup)

		if interval := applicationConfiguration.GarbageCollectionInterval.Duration; interval > 0 {
			siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				return collectGarbagePeriodically(ctx, components.Service, interval)
			})
		}

		diagnosticsServer.SetReady()
		return nil
	})
}

func collectGarbagePeriodically(ctx context.Context, service *buildserver.Service, interval time.Duration) error {
	errorLogger := util.NewPrefixedErrorLogger(util.DefaultErrorLogger, "Periodic garbage collection")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil
		}
		result, err := service.Collect(ctx, false)
		if err != nil {
			if util.IsCancellation(err) {
				return nil
			}
			// The next run may succeed.
			errorLogger.Log(err)
			continue
		}
		log.Printf("Collected garbage: retained %d blobs, deleted %d blobs", result.Retained, result.Deleted)
	}
}
