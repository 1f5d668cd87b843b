// Package http contains the plumbing shared by the HTTP servers and
// clients of containerbuilder: launching servers from configuration,
// constructing round trippers and converting errors.
package http

import (
	"github.com/olcf/containerbuilder/pkg/http/server"
)

// ServerConfiguration of a HTTP server.
type ServerConfiguration struct {
	ListenAddresses      []string                     `json:"listenAddresses"`
	AuthenticationPolicy *server.AuthenticationPolicy `json:"authenticationPolicy"`
}

// ClientConfiguration of a HTTP client.
type ClientConfiguration struct {
	// Additional headers to add to all outgoing requests, such as
	// "Authorization".
	AddHeaders   map[string][]string `json:"addHeaders,omitempty"`
	ProxyURL     string              `json:"proxyUrl,omitempty"`
	DisableHTTP2 bool                `json:"disableHttp2,omitempty"`
}
