// Package client contains a client for the HTTP API of the build
// server. It can upload the contents of a build context, submit builds
// and retrieve the resulting images.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/gc"
	cb_http "github.com/olcf/containerbuilder/pkg/http"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/queue"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client of the build server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	function   digest.Function
}

// NewClient creates a Client that sends requests to a build server
// listening at baseURL. Blobs are identified using the provided digest
// function, which must match the one used by the server.
func NewClient(baseURL string, roundTripper http.RoundTripper, function digest.Function) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Transport: roundTripper},
		function:   function,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to create request")
	}
	return req, nil
}

// do sends a request, returning the response if it has a 2xx status
// code. The caller must close the body of the response.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := util.StatusFromContext(req.Context()); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, util.StatusWrapWithCode(err, codes.Unavailable, "Failed to contact build server")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, cb_http.NewErrorFromResponse(resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, request, response any) error {
	var body io.Reader
	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal request")
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if request != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to decode response")
	}
	return nil
}

// FindMissing returns the subset of digests that are not present in
// the Content Store of the build server.
func (c *Client) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	request := buildserver.FindMissingRequest{Digests: digests.Items()}
	if request.Digests == nil {
		request.Digests = []digest.Digest{}
	}
	var response buildserver.FindMissingResponse
	if err := c.doJSON(ctx, http.MethodPost, "/blobs/findMissing", nil, &request, &response); err != nil {
		return digest.EmptySet, err
	}
	missing := digest.NewSetBuilder()
	for _, d := range response.Missing {
		missing.Add(d)
	}
	return missing.Build(), nil
}

// Put uploads a blob to the Content Store of the build server.
func (c *Client) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d := c.function.Compute(data)
	req, err := c.newRequest(ctx, http.MethodPut, "/blobs/"+url.PathEscape(d.String()), nil, bytes.NewReader(data))
	if err != nil {
		return digest.BadDigest, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return digest.BadDigest, util.StatusWrapf(err, "Failed to upload blob %s", d)
	}
	resp.Body.Close()
	return d, nil
}

// Build submits a build. Output of commands run as part of the build
// is written to output while the build is running.
func (c *Client) Build(ctx context.Context, request *buildserver.BuildRequest, output io.Writer) (*buildserver.BuildResult, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal build request")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/builds", nil, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var event buildserver.BuildEvent
		if err := decoder.Decode(&event); err != nil {
			if ctxErr := util.StatusFromContext(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			if err == io.EOF {
				return nil, status.Error(codes.Unavailable, "Build server closed the connection before the build completed")
			}
			return nil, util.StatusWrapWithCode(err, codes.Unavailable, "Failed to decode build event")
		}
		switch {
		case event.Error != nil:
			err := status.Error(event.Error.Code, event.Error.Message)
			if event.FailedStep != nil {
				return nil, &RemoteStepFailedError{StepIndex: *event.FailedStep, Cause: err}
			}
			return nil, err
		case event.Result != nil:
			return event.Result, nil
		case event.Output != "" && output != nil:
			if _, err := io.WriteString(output, event.Output); err != nil {
				return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to write build output")
			}
		}
	}
}

// GetImage returns information on an image, identified by image ID or
// catalog reference.
func (c *Client) GetImage(ctx context.Context, idOrReference string) (*buildserver.ImageInfo, error) {
	var info buildserver.ImageInfo
	if err := c.doJSON(ctx, http.MethodGet, "/images/"+url.PathEscape(idOrReference), nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListImages returns the entries of the image catalog of the build
// server.
func (c *Client) ListImages(ctx context.Context) ([]buildserver.CatalogEntry, error) {
	var entries []buildserver.CatalogEntry
	if err := c.doJSON(ctx, http.MethodGet, "/images", nil, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteImage removes a reference from the image catalog of the build
// server.
func (c *Client) DeleteImage(ctx context.Context, reference string) error {
	return c.doJSON(ctx, http.MethodDelete, "/images/"+url.PathEscape(reference), nil, nil, nil)
}

// Export downloads an image in a given format, writing it to w.
func (c *Client) Export(ctx context.Context, idOrReference string, format image.Format, reference string, w io.Writer) error {
	query := url.Values{"format": []string{string(format)}}
	if reference != "" {
		query.Set("reference", reference)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/images/"+url.PathEscape(idOrReference)+"/export", query, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctxErr := util.StatusFromContext(ctx); ctxErr != nil {
			return ctxErr
		}
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to download image")
	}
	return nil
}

// GetStatus returns the status of the build queue of the build server.
func (c *Client) GetStatus(ctx context.Context) (*queue.Status, error) {
	var s queue.Status
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Collect triggers garbage collection on the build server.
func (c *Client) Collect(ctx context.Context, dryRun bool) (*gc.Result, error) {
	var result gc.Result
	query := url.Values{"dryRun": []string{strconv.FormatBool(dryRun)}}
	if err := c.doJSON(ctx, http.MethodPost, "/gc", query, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
