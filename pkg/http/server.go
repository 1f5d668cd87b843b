package http

import (
	"context"
	"net/http"
	"time"

	"github.com/olcf/containerbuilder/pkg/http/server"
	"github.com/olcf/containerbuilder/pkg/program"
	"github.com/olcf/containerbuilder/pkg/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewServersFromConfigurationAndServe spawns HTTP servers as part of a
// program.Group, based on a configuration message. The web servers are
// automatically terminated if the context associated with the group is
// canceled.
func NewServersFromConfigurationAndServe(configurations []*ServerConfiguration, handler http.Handler, group program.Group) {
	group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		for i, configuration := range configurations {
			authenticator, err := server.NewAuthenticatorFromConfiguration(configuration.AuthenticationPolicy)
			if err != nil {
				return util.StatusWrapf(err, "Invalid authentication policy of HTTP server %d", i)
			}
			authenticatedHandler := otelhttp.NewHandler(server.NewAuthenticatingHandler(handler, authenticator), "containerbuilder")
			for _, listenAddress := range configuration.ListenAddresses {
				s := http.Server{
					Addr:              listenAddress,
					Handler:           authenticatedHandler,
					ReadHeaderTimeout: time.Minute,
				}
				group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
					<-ctx.Done()
					return s.Close()
				})
				group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
					if err := s.ListenAndServe(); err != http.ErrServerClosed {
						return util.StatusWrapf(err, "Failed to launch HTTP server %#v", s.Addr)
					}
					return nil
				})
			}
		}
		return nil
	})
}
