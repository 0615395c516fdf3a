package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ringlb/internal/provision"
)

const (
	// DefaultTimeout bounds a single forwarded request.
	DefaultTimeout = 5 * time.Second
	// maxBodyBytes caps how much of a replica response is buffered.
	maxBodyBytes = 10 << 20
	// RequestIDHeader carries the correlation id to replicas.
	RequestIDHeader = "Request-Id"
)

var (
	// ErrReplicaUnreachable is returned when the replica cannot be reached.
	ErrReplicaUnreachable = errors.New("replica unreachable")
	// ErrEndpointNotFound is returned when the replica does not serve the path.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrResponseTooLarge is returned when a replica's body exceeds the buffer cap.
	ErrResponseTooLarge = errors.New("replica response too large")
)

// Request is a request forwarded to a replica.
type Request struct {
	Path      string
	RequestID string
}

// Response is a replica's reply, passed back to the client verbatim.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// HTTPGateway forwards requests to replicas over HTTP.
type HTTPGateway struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPGateway creates a gateway with the given per-request timeout.
func NewHTTPGateway(timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPGateway{
		client:  &http.Client{Timeout: timeout},
		maxBody: maxBodyBytes,
	}
}

// Send issues GET <path> against replica h.
func (g *HTTPGateway) Send(ctx context.Context, h provision.Handle, req *Request) (*Response, error) {
	url := "http://" + h.Addr + "/" + strings.TrimPrefix(req.Path, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", h.Hostname, err)
	}
	if req.RequestID != "" {
		httpReq.Header.Set(RequestIDHeader, req.RequestID)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrReplicaUnreachable, h.Hostname, err)
	}
	defer httpResp.Body.Close()

	// One byte past the cap tells a full body apart from a truncated one.
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, g.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", ErrReplicaUnreachable, h.Hostname, err)
	}
	if int64(len(body)) > g.maxBody {
		return nil, fmt.Errorf("%w: %s sent more than %d bytes for %s", ErrResponseTooLarge, h.Hostname, g.maxBody, req.Path)
	}

	resp := &Response{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        body,
	}
	if httpResp.StatusCode == http.StatusNotFound {
		return resp, fmt.Errorf("%w: %s on %s", ErrEndpointNotFound, req.Path, h.Hostname)
	}
	return resp, nil
}
