package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/ziploy/internal/chunk"
	"github.com/BadgerOps/ziploy/internal/safety"
)

const (
	updatePath   = "/wp-json/ziploy/v1/update"
	finalizePath = "/wp-json/ziploy/v1/ziploy"

	// maxResponseBody bounds how much of an acknowledgment is kept.
	maxResponseBody = 1 << 20
)

// UpdateEndpoint returns the chunk ingestion URL for origin.
func UpdateEndpoint(origin string) string {
	return strings.TrimRight(origin, "/") + updatePath
}

// FinalizeEndpoint returns the finalize URL for origin.
func FinalizeEndpoint(origin string) string {
	return strings.TrimRight(origin, "/") + finalizePath
}

// Options configures the HTTP client.
type Options struct {
	InsecureTLS bool
	Timeout     time.Duration
}

// Result is the outcome of delivering one chunk. HTTP deliveries fill
// StatusCode and Body, SSH placements fill ExitCode.
type Result struct {
	Seq        int
	StatusCode int
	Body       []byte
	ExitCode   int
	Duration   time.Duration
}

// Client uploads chunks to the ingestion endpoint, one request per chunk.
// It never retries.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates an upload client.
func NewClient(logger *slog.Logger, opts Options) *Client {
	return &Client{
		httpClient: safety.NewHTTPClient(opts.Timeout, opts.InsecureTLS),
		logger:     logger,
		userAgent:  "ziploy/1.0",
	}
}

// UploadChunk posts c to endpoint as a multipart form carrying the
// deployment id, the 1-based sequence number and the total count.
// A non-2xx status is returned as *HTTPError wrapped in *Error.
func (c *Client) UploadChunk(ctx context.Context, endpoint, deployID string, ch chunk.Chunk) (*Result, error) {
	startTime := time.Now()

	f, err := os.Open(ch.Path)
	if err != nil {
		return nil, &Error{Op: "read", Chunk: ch.Seq, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	fields := map[string]string{
		"id":      deployID,
		"current": strconv.Itoa(ch.Seq),
		"total":   strconv.Itoa(ch.Total),
	}
	if ch.Last() {
		fields["last"] = "true"
	}

	payload, contentType, err := encodeForm(fields, "ziploy", ch.Name, f)
	if err != nil {
		return nil, &Error{Op: "encode", Chunk: ch.Seq, Err: err}
	}

	res, err := c.post(ctx, endpoint, contentType, payload)
	if err != nil {
		return nil, &Error{Op: "upload", Chunk: ch.Seq, Err: err}
	}
	res.Seq = ch.Seq
	res.Duration = time.Since(startTime)

	c.logger.Debug("chunk uploaded", "seq", ch.Seq, "total", ch.Total, "status", res.StatusCode, "duration", res.Duration)
	return res, nil
}

// FinalizeRequest is sent once every chunk has been accepted.
type FinalizeRequest struct {
	ID          string
	Method      string
	Package     string
	Destination string
}

// Finalize notifies the remote plugin that the deployment can be applied.
func (c *Client) Finalize(ctx context.Context, endpoint string, req FinalizeRequest) (*Result, error) {
	fields := map[string]string{
		"id":     req.ID,
		"method": req.Method,
	}
	if req.Package != "" {
		fields["package"] = req.Package
	}
	if req.Destination != "" {
		fields["destination"] = req.Destination
	}

	payload, contentType, err := encodeForm(fields, "", "", nil)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	res, err := c.post(ctx, endpoint, contentType, payload)
	if err != nil {
		return nil, &Error{Op: "finalize", Err: err}
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, payload *bytes.Buffer) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, maxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(data),
		}
	}

	return &Result{StatusCode: resp.StatusCode, Body: data}, nil
}

// encodeForm builds a multipart body from fields and an optional file part.
func encodeForm(fields map[string]string, fileField, fileName string, file io.Reader) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	// Stable field order keeps request bodies reproducible.
	for _, k := range []string{"id", "current", "total", "last", "method", "package", "destination"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	if file != nil {
		part, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, file); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

// HTTPError represents a non-2xx response from the remote endpoint.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}
