package http

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/olcf/containerbuilder/pkg/http/server"
	"github.com/olcf/containerbuilder/pkg/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewRoundTripperFromConfiguration makes a new HTTP RoundTripper on
// parameters provided in a configuration file.
func NewRoundTripperFromConfiguration(configuration *ClientConfiguration) (http.RoundTripper, error) {
	defaultTransport := http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: configuration == nil || !configuration.DisableHTTP2,
	}
	roundTripper := otelhttp.NewTransport(&defaultTransport)
	if configuration == nil {
		return roundTripper, nil
	}
	if configuration.ProxyURL != "" {
		parsedProxyURL, err := url.Parse(configuration.ProxyURL)
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to parse proxy URL")
		}
		defaultTransport.Proxy = http.ProxyURL(parsedProxyURL)
	}
	if len(configuration.AddHeaders) > 0 {
		return NewHeaderAddingRoundTripper(roundTripper, configuration.AddHeaders), nil
	}
	return roundTripper, nil
}

// NewErrorFromResponse converts the response of a failed request to a
// gRPC status error. Responses written by server.WriteError retain
// their original code and message.
func NewErrorFromResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to read error response")
	}
	var errorResponse server.ErrorResponse
	if json.Unmarshal(body, &errorResponse) == nil && errorResponse.Code != codes.OK {
		return status.Error(errorResponse.Code, errorResponse.Message)
	}
	return status.Errorf(codeFromStatusCode(resp.StatusCode), "Server responded with %s: %s", resp.Status, body)
}

func codeFromStatusCode(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}
