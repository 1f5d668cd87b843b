package http

import (
	"net/http"
)

type headerAddingRoundTripper struct {
	base    http.RoundTripper
	headers map[string][]string
}

// NewHeaderAddingRoundTripper is a decorator for RoundTripper that adds
// additional HTTP header values to all outgoing requests.
func NewHeaderAddingRoundTripper(base http.RoundTripper, headers map[string][]string) http.RoundTripper {
	return &headerAddingRoundTripper{
		base:    base,
		headers: headers,
	}
}

func (rt *headerAddingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := *req
	newReq.Header = req.Header.Clone()
	for header, values := range rt.headers {
		for _, value := range values {
			newReq.Header.Add(header, value)
		}
	}
	return rt.base.RoundTrip(&newReq)
}
