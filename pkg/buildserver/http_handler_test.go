package buildserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	http_server "github.com/olcf/containerbuilder/pkg/http/server"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
)

func newTestServer(t *testing.T) (*httptest.Server, cas.ContentStore) {
	return newTestServerWithGracePeriod(t, 0)
}

func newTestServerWithGracePeriod(t *testing.T, gracePeriod time.Duration) (*httptest.Server, cas.ContentStore) {
	service, contentStore := newTestServiceWithGracePeriod(t, gracePeriod)
	router := mux.NewRouter().UseEncodedPath()
	buildserver.NewHTTPHandler(service, contentStore, digest.SHA256, 1024).RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, contentStore
}

func doRequest(t *testing.T, method, u, body string) *http.Response {
	req, err := http.NewRequest(method, u, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func requireErrorResponse(t *testing.T, resp *http.Response, statusCode int, code codes.Code) {
	t.Helper()
	require.Equal(t, statusCode, resp.StatusCode)
	var errorResponse http_server.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errorResponse))
	require.Equal(t, code, errorResponse.Code)
}

func TestHTTPHandlerBlobs(t *testing.T) {
	server, contentStore := newTestServer(t)
	present, err := contentStore.Put(context.Background(), []byte("present"))
	require.NoError(t, err)
	absent := digest.SHA256.Compute([]byte("absent"))

	t.Run("FindMissing", func(t *testing.T) {
		body, err := json.Marshal(&buildserver.FindMissingRequest{
			Digests: []digest.Digest{present, absent},
		})
		require.NoError(t, err)
		resp := doRequest(t, http.MethodPost, server.URL+"/api/v1/blobs/findMissing", string(body))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var response buildserver.FindMissingResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
		require.Equal(t, []digest.Digest{absent}, response.Missing)
	})

	t.Run("FindMissingUnknownField", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, server.URL+"/api/v1/blobs/findMissing", `{"blobs": []}`)
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})

	t.Run("Put", func(t *testing.T) {
		resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/blobs/"+url.PathEscape(absent.String()), "absent")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		ok, err := contentStore.Has(context.Background(), absent)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("PutDigestMismatch", func(t *testing.T) {
		d := digest.SHA256.Compute([]byte("expected"))
		resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/blobs/"+url.PathEscape(d.String()), "actual")
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
		ok, err := contentStore.Has(context.Background(), d)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("PutUnsupportedFunction", func(t *testing.T) {
		d := digest.SHA512.Compute([]byte("data"))
		resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/blobs/"+url.PathEscape(d.String()), "data")
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})

	t.Run("PutTooLarge", func(t *testing.T) {
		data := strings.Repeat("x", 2048)
		d := digest.SHA256.Compute([]byte(data))
		resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/blobs/"+url.PathEscape(d.String()), data)
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})

	t.Run("PutInvalidDigest", func(t *testing.T) {
		resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/blobs/hello", "hello")
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})
}

func readBuildEvents(t *testing.T, resp *http.Response) []buildserver.BuildEvent {
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	var events []buildserver.BuildEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var event buildserver.BuildEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	return events
}

// splitBuildEvents returns the command output carried by a stream of
// build events, and the final event.
func splitBuildEvents(t *testing.T, events []buildserver.BuildEvent) (string, buildserver.BuildEvent) {
	require.NotEmpty(t, events)
	var output strings.Builder
	for _, event := range events[:len(events)-1] {
		require.Nil(t, event.Result)
		require.Nil(t, event.Error)
		output.WriteString(event.Output)
	}
	return output.String(), events[len(events)-1]
}

func TestHTTPHandlerBuild(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("Success", func(t *testing.T) {
		body, err := json.Marshal(newGreetingRequest())
		require.NoError(t, err)
		output, last := splitBuildEvents(t, readBuildEvents(t, doRequest(t, http.MethodPost, server.URL+"/api/v1/builds", string(body))))
		require.Equal(t, "Hello\n", output)
		result := last.Result
		require.NotNil(t, result)
		require.Len(t, result.Steps, 2)

		resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/images/"+url.PathEscape(result.Reference), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info buildserver.ImageInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		require.Equal(t, result.ImageID, info.ID)
		require.Equal(t, []string{"cat", "/greeting"}, info.Config.Cmd)
		require.Equal(t, result.Leaf, info.Layers[len(info.Layers)-1])
	})

	t.Run("StepFailure", func(t *testing.T) {
		output, last := splitBuildEvents(t, readBuildEvents(t, doRequest(t, http.MethodPost, server.URL+"/api/v1/builds",
			`{"spec": {"steps": [{"run": "echo Failing; exit 1"}]}}`)))
		require.Equal(t, "Failing\n", output)
		require.Nil(t, last.Result)
		require.NotNil(t, last.Error)
		require.Equal(t, codes.Aborted, last.Error.Code)
		require.NotNil(t, last.FailedStep)
		require.Equal(t, 0, *last.FailedStep)
	})

	t.Run("InvalidSpec", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, server.URL+"/api/v1/builds", `{"spec": {"steps": []}}`)
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})
}

func TestHTTPHandlerImages(t *testing.T) {
	server, _ := newTestServer(t)
	body, err := json.Marshal(newGreetingRequest())
	require.NoError(t, err)
	_, last := splitBuildEvents(t, readBuildEvents(t, doRequest(t, http.MethodPost, server.URL+"/api/v1/builds", string(body))))
	result := last.Result
	require.NotNil(t, result)

	t.Run("List", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/images", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []buildserver.CatalogEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		require.Len(t, entries, 1)
		require.Equal(t, result.Reference, entries[0].Reference)
		require.Equal(t, result.ImageID, entries[0].ImageID)
	})

	t.Run("ExportUnknownFormat", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/images/"+url.PathEscape(result.ImageID)+"/export?format=zip", "")
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})

	t.Run("Export", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/images/"+url.PathEscape(result.ImageID)+"/export?format=docker-archive", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/x-tar", resp.Header.Get("Content-Type"))
		var archive bytes.Buffer
		_, err := archive.ReadFrom(resp.Body)
		require.NoError(t, err)
		require.Contains(t, archive.String(), "manifest.json")
	})

	t.Run("ExportUnknownImage", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/images/nonexistent/export", "")
		requireErrorResponse(t, resp, http.StatusNotFound, codes.NotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, server.URL+"/api/v1/images/"+url.PathEscape(result.Reference), "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		resp = doRequest(t, http.MethodGet, server.URL+"/api/v1/images/"+url.PathEscape(result.Reference), "")
		requireErrorResponse(t, resp, http.StatusNotFound, codes.NotFound)
	})

	t.Run("CollectGarbage", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, server.URL+"/api/v1/gc?dryRun=true", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var collected struct {
			Retained int `json:"retained"`
			Deleted  int `json:"deleted"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&collected))
		require.Equal(t, 1, collected.Deleted)

		resp = doRequest(t, http.MethodPost, server.URL+"/api/v1/gc?dryRun=maybe", "")
		requireErrorResponse(t, resp, http.StatusBadRequest, codes.InvalidArgument)
	})
}

func TestHTTPHandlerCollectGarbageRetainsUploads(t *testing.T) {
	ctx := context.Background()
	server, contentStore := newTestServerWithGracePeriod(t, time.Hour)
	confirmed, err := contentStore.Put(ctx, []byte("confirmed"))
	require.NoError(t, err)
	garbage, err := contentStore.Put(ctx, []byte("garbage"))
	require.NoError(t, err)
	uploaded := digest.SHA256.Compute([]byte("uploaded"))

	// A client preparing a build checks which inputs are missing,
	// and uploads those.
	body, err := json.Marshal(&buildserver.FindMissingRequest{
		Digests: []digest.Digest{confirmed, uploaded},
	})
	require.NoError(t, err)
	resp := doRequest(t, http.MethodPost, server.URL+"/api/v1/blobs/findMissing", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doRequest(t, http.MethodPut, server.URL+"/api/v1/blobs/"+url.PathEscape(uploaded.String()), "uploaded")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, server.URL+"/api/v1/gc", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var collected struct {
		Retained int `json:"retained"`
		Deleted  int `json:"deleted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&collected))
	require.Equal(t, 2, collected.Retained)
	require.Equal(t, 1, collected.Deleted)

	for d, expected := range map[digest.Digest]bool{
		confirmed: true,
		uploaded:  true,
		garbage:   false,
	} {
		ok, err := contentStore.Has(ctx, d)
		require.NoError(t, err)
		require.Equal(t, expected, ok, "Blob %s", d)
	}
}

func TestHTTPHandlerStatus(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"maximumActive": 2, "active": [], "pending": []}`, readAll(t, resp))
}

func readAll(t *testing.T, resp *http.Response) string {
	var b bytes.Buffer
	_, err := b.ReadFrom(resp.Body)
	require.NoError(t, err)
	return b.String()
}
