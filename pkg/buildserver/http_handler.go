package buildserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	http_server "github.com/olcf/containerbuilder/pkg/http/server"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HTTPHandler exposes a Service and the Content Store it uses over
// HTTP.
type HTTPHandler struct {
	service              *Service
	contentStore         cas.ContentStore
	function             digest.Function
	maximumBlobSizeBytes int64
}

// NewHTTPHandler creates a HTTPHandler. Uploads of blobs larger than
// maximumBlobSizeBytes are rejected.
func NewHTTPHandler(service *Service, contentStore cas.ContentStore, function digest.Function, maximumBlobSizeBytes int64) *HTTPHandler {
	return &HTTPHandler{
		service:              service,
		contentStore:         contentStore,
		function:             function,
		maximumBlobSizeBytes: maximumBlobSizeBytes,
	}
}

// RegisterRoutes registers the endpoints of the API. The router must
// be configured to match against encoded paths, so that references
// containing slashes can be passed as a single path component.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/blobs/findMissing", http_server.NewMetricsHandler(http.HandlerFunc(h.findMissing), "FindMissing")).Methods(http.MethodPost)
	api.Handle("/blobs/{digest}", http_server.NewMetricsHandler(http.HandlerFunc(h.putBlob), "PutBlob")).Methods(http.MethodPut)
	api.Handle("/builds", http_server.NewMetricsHandler(http.HandlerFunc(h.build), "Build")).Methods(http.MethodPost)
	api.Handle("/images", http_server.NewMetricsHandler(http.HandlerFunc(h.listImages), "ListImages")).Methods(http.MethodGet)
	api.Handle("/images/{id}/export", http_server.NewMetricsHandler(http.HandlerFunc(h.exportImage), "ExportImage")).Methods(http.MethodGet)
	api.Handle("/images/{id}", http_server.NewMetricsHandler(http.HandlerFunc(h.getImage), "GetImage")).Methods(http.MethodGet)
	api.Handle("/images/{id}", http_server.NewMetricsHandler(http.HandlerFunc(h.deleteImage), "DeleteImage")).Methods(http.MethodDelete)
	api.Handle("/status", http_server.NewMetricsHandler(http.HandlerFunc(h.getStatus), "GetStatus")).Methods(http.MethodGet)
	api.Handle("/gc", http_server.NewMetricsHandler(http.HandlerFunc(h.collect), "CollectGarbage")).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "Failed to decode request body: %s", err)
	}
	return nil
}

func getPathVariable(r *http.Request, name string) (string, error) {
	value, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil {
		return "", util.StatusWrapfWithCode(err, codes.InvalidArgument, "Invalid path variable %#v", name)
	}
	return value, nil
}

func (h *HTTPHandler) findMissing(w http.ResponseWriter, r *http.Request) {
	var request FindMissingRequest
	if err := decodeJSON(r, &request); err != nil {
		http_server.WriteError(w, err)
		return
	}
	digests := digest.NewSetBuilder()
	for _, d := range request.Digests {
		digests.Add(d)
	}
	present := digests.Build()
	missing, err := h.contentStore.FindMissing(r.Context(), present)
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	h.service.RecordUploads(present)
	response := FindMissingResponse{Missing: missing.Items()}
	if response.Missing == nil {
		response.Missing = []digest.Digest{}
	}
	writeJSON(w, &response)
}

func (h *HTTPHandler) putBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	value, err := getPathVariable(r, "digest")
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	expected, err := digest.NewDigestFromString(value)
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	if expected.GetFunction() != h.function {
		http_server.WriteError(w, status.Errorf(codes.InvalidArgument, "Digest function %#v is not supported by this server, which uses %#v", expected.GetFunction().GetName(), h.function.GetName()))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maximumBlobSizeBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http_server.WriteError(w, status.Errorf(codes.InvalidArgument, "Blob exceeds the maximum size of %d bytes", h.maximumBlobSizeBytes))
			return
		}
		http_server.WriteError(w, util.StatusWrapWithCode(err, codes.Unavailable, "Failed to read blob"))
		return
	}
	if actual := h.function.Compute(data); actual != expected {
		http_server.WriteError(w, status.Errorf(codes.InvalidArgument, "Blob has digest %s, while %s was expected", actual, expected))
		return
	}
	if _, err := h.contentStore.Put(ctx, data); err != nil {
		http_server.WriteError(w, err)
		return
	}
	h.service.RecordUploads(expected.ToSingletonSet())
	w.WriteHeader(http.StatusNoContent)
}

// buildEventWriter writes build events as newline delimited JSON,
// flushing after every event so that command output reaches the client
// while the build is running.
type buildEventWriter struct {
	lock    sync.Mutex
	encoder *json.Encoder
	flusher http.Flusher
}

func newBuildEventWriter(w http.ResponseWriter) *buildEventWriter {
	ew := &buildEventWriter{encoder: json.NewEncoder(w)}
	if flusher, ok := w.(http.Flusher); ok {
		ew.flusher = flusher
	}
	return ew
}

func (ew *buildEventWriter) writeEvent(event *BuildEvent) error {
	ew.lock.Lock()
	defer ew.lock.Unlock()
	if err := ew.encoder.Encode(event); err != nil {
		return err
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
	return nil
}

func (ew *buildEventWriter) Write(p []byte) (int, error) {
	if err := ew.writeEvent(&BuildEvent{Output: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (h *HTTPHandler) build(w http.ResponseWriter, r *http.Request) {
	var request BuildRequest
	if err := decodeJSON(r, &request); err != nil {
		http_server.WriteError(w, err)
		return
	}
	if err := request.Spec.Validate(); err != nil {
		http_server.WriteError(w, util.StatusWrap(err, "Invalid build specification"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	ew := newBuildEventWriter(w)
	result, err := h.service.Build(r.Context(), &request, ew)
	if err != nil {
		s := status.Convert(err)
		event := BuildEvent{
			Error: &http_server.ErrorResponse{
				Code:    s.Code(),
				Message: s.Message(),
			},
		}
		if failedStep, ok := GetFailedStep(err); ok {
			event.FailedStep = &failedStep
		}
		ew.writeEvent(&event)
		return
	}
	ew.writeEvent(&BuildEvent{Result: result})
}

func (h *HTTPHandler) listImages(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListImages(r.Context())
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	response := make([]CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		response = append(response, CatalogEntry{
			Reference: entry.Reference,
			ImageID:   entry.ImageID.String(),
			Created:   entry.Created,
		})
	}
	writeJSON(w, response)
}

func (h *HTTPHandler) getImageFromRequest(r *http.Request) (*image.Image, error) {
	id, err := getPathVariable(r, "id")
	if err != nil {
		return nil, err
	}
	return h.service.GetImage(r.Context(), id)
}

func (h *HTTPHandler) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.getImageFromRequest(r)
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	writeJSON(w, NewImageInfo(img))
}

func (h *HTTPHandler) deleteImage(w http.ResponseWriter, r *http.Request) {
	reference, err := getPathVariable(r, "id")
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	if err := h.service.DeleteImage(r.Context(), reference); err != nil {
		http_server.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// trackingWriter records whether any data has been written to the
// response, after which errors can no longer be reported as a regular
// error response.
type trackingWriter struct {
	w       io.Writer
	written bool
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	tw.written = true
	return tw.w.Write(p)
}

func (h *HTTPHandler) exportImage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format, err := image.ParseFormat(query.Get("format"))
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	img, err := h.getImageFromRequest(r)
	if err != nil {
		http_server.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-tar")
	tw := &trackingWriter{w: w}
	if err := h.service.Export(r.Context(), img, format, query.Get("reference"), tw); err != nil {
		if !tw.written {
			http_server.WriteError(w, err)
			return
		}
		// The status code has already been sent. Abort the
		// response, so that the client does not mistake the
		// truncated archive for a complete one.
		panic(http.ErrAbortHandler)
	}
}

func (h *HTTPHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	s := h.service.GetQueueStatus()
	writeJSON(w, &s)
}

func (h *HTTPHandler) collect(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if value := r.URL.Query().Get("dryRun"); value != "" {
		var err error
		if dryRun, err = strconv.ParseBool(value); err != nil {
			http_server.WriteError(w, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid value for dryRun"))
			return
		}
	}
	result, err := h.service.Collect(r.Context(), dryRun)
	if err != nil {
		http_server.WriteError(w, err)
		return
	}
	writeJSON(w, result)
}
