package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heysalad/laura-camera-client/pkg/model"
	log "github.com/sirupsen/logrus"
)

// MaxResponseSize bounds API response reads. Control API replies are small
// JSON documents; anything larger is a misbehaving server.
const MaxResponseSize int64 = 4 << 20

type Request struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Requester sends one request and returns the response. Implementations bound
// every call by their own timeout.
type Requester interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// HTTPClient is the HTTPS adapter. Every request carries the apikey and bearer
// headers the storage and control APIs expect.
type HTTPClient struct {
	client  *http.Client
	key     string
	timeout time.Duration
}

func NewHTTPClient(key string, timeout time.Duration, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{client: client, key: key, timeout: timeout}
}

func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("apikey", c.key)
	httpReq.Header.Set("Authorization", "Bearer "+c.key)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	log.Debugf("Sending HTTP request %s %s", req.Method, req.URL)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, req, err)
	}
	defer resp.Body.Close()
	log.Debug("Http response status code ", resp.Status)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, classify(ctx, req, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: req.Method, URL: req.URL, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func classify(ctx context.Context, req Request, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, model.ErrTimeout)
	}
	return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
}

// DoJSON sends in as a JSON body (when not nil) and decodes the response into
// out (when not nil).
func DoJSON(ctx context.Context, r Requester, method, url string, in, out interface{}) (*Response, error) {
	req := Request{Method: method, URL: url}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		req.Body = body
		req.ContentType = "application/json"
	}
	resp, err := r.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("malformed response from %s: %w", url, err)
		}
	}
	return resp, nil
}
