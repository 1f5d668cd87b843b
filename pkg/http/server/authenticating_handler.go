package server

import (
	"net/http"
)

type authenticatingHandler struct {
	handler       http.Handler
	authenticator Authenticator
}

// NewAuthenticatingHandler wraps a http.Handler in such a way that all
// requests are processed by an Authenticator. Upon success, the request
// is forwarded to the http.Handler. Upon failure, an error message is
// returned to the client.
func NewAuthenticatingHandler(handler http.Handler, authenticator Authenticator) http.Handler {
	return &authenticatingHandler{
		handler:       handler,
		authenticator: authenticator,
	}
}

func (h *authenticatingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authenticator.Authenticate(r); err != nil {
		WriteError(w, err)
		return
	}
	h.handler.ServeHTTP(w, r)
}
