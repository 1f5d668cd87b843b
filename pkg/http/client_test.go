package http_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	cb_http "github.com/olcf/containerbuilder/pkg/http"
	http_server "github.com/olcf/containerbuilder/pkg/http/server"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewErrorFromResponse(t *testing.T) {
	t.Run("WrittenByServer", func(t *testing.T) {
		w := httptest.NewRecorder()
		http_server.WriteError(w, status.Error(codes.DataLoss, "Ancestors of layer are broken"))
		require.Equal(t, http.StatusInternalServerError, w.Code)

		err := cb_http.NewErrorFromResponse(w.Result())
		testutil.RequireEqualStatus(t, status.Error(codes.DataLoss, "Ancestors of layer are broken"), err)
	})

	t.Run("PlainText", func(t *testing.T) {
		w := httptest.NewRecorder()
		http.Error(w, "upstream unavailable", http.StatusBadGateway)

		err := cb_http.NewErrorFromResponse(w.Result())
		testutil.RequireEqualStatus(t, status.Error(codes.Unavailable, "Server responded with 502 Bad Gateway: upstream unavailable\n"), err)
	})

	t.Run("NonStatusError", func(t *testing.T) {
		w := httptest.NewRecorder()
		http_server.WriteError(w, errors.New("disk on fire"))
		require.Equal(t, http.StatusInternalServerError, w.Code)

		err := cb_http.NewErrorFromResponse(w.Result())
		testutil.RequireEqualStatus(t, status.Error(codes.Unknown, "disk on fire"), err)
	})
}

func TestHeaderAddingRoundTripper(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, []string{"a", "b"}, r.Header.Values("X-Tags"))
	}))
	defer s.Close()

	roundTripper, err := cb_http.NewRoundTripperFromConfiguration(&cb_http.ClientConfiguration{
		AddHeaders: map[string][]string{
			"Authorization": {"Bearer secret"},
			"X-Tags":        {"a", "b"},
		},
	})
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: roundTripper}).Get(s.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoundTripperInvalidProxy(t *testing.T) {
	_, err := cb_http.NewRoundTripperFromConfiguration(&cb_http.ClientConfiguration{ProxyURL: "://"})
	testutil.RequireStatusCode(t, codes.InvalidArgument, err)
}
