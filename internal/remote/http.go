package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"boardsync/internal/board"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory.
	maxResponseBytes = 8 * 1024 * 1024
)

// HTTPStore talks to a REST document store:
//
//	GET  /boards/{id}               -> document JSON
//	PUT  /boards/{id}               -> {"updated_at": "..."} on success
//	GET  /boards/{id}/last-modified -> {"updated_at": "..."}
type HTTPStore struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPStore creates a store client for the given base URL. If
// httpClient is nil, a client with a 30-second timeout is used.
func NewHTTPStore(baseURL string, httpClient *http.Client) *HTTPStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &HTTPStore{httpClient: httpClient, baseURL: baseURL}
}

// Get fetches the current document.
func (h *HTTPStore) Get(ctx context.Context, id string) (*board.Board, error) {
	body, err := h.do(ctx, http.MethodGet, "/boards/"+id, nil)
	if err != nil {
		return nil, err
	}

	var b board.Board
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decoding board %s: %w", id, err)
	}

	return &b, nil
}

// Put overwrites the document and returns the server-observed write time.
func (h *HTTPStore) Put(ctx context.Context, id string, b *board.Board) (time.Time, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return time.Time{}, fmt.Errorf("encoding board %s: %w", id, err)
	}

	body, err := h.do(ctx, http.MethodPut, "/boards/"+id, payload)
	if err != nil {
		return time.Time{}, err
	}

	return writeTime(body, b.UpdatedAt), nil
}

// GetLastModified returns the document's current modification time.
func (h *HTTPStore) GetLastModified(ctx context.Context, id string) (time.Time, error) {
	body, err := h.do(ctx, http.MethodGet, "/boards/"+id+"/last-modified", nil)
	if err != nil {
		return time.Time{}, err
	}

	ts := gjson.GetBytes(body, "updated_at").Str
	if ts == "" {
		return time.Time{}, fmt.Errorf("last-modified response for %s missing updated_at", id)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last-modified for %s: %w", id, err)
	}

	return t, nil
}

// writeTime extracts the server-observed write time from a put response,
// falling back to the snapshot's own UpdatedAt when the server omits it.
func writeTime(body []byte, fallback time.Time) time.Time {
	if ts := gjson.GetBytes(body, "updated_at").Str; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}

	return fallback
}

// do runs one request and classifies the response status. Quota and
// rate-limit statuses come back wrapped in QuotaError so the drain loop
// can apply its backoff delay.
func (h *HTTPStore) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response for %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusInsufficientStorage,
		quotaStatus(body):
		return nil, &QuotaError{Err: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}

	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, errorDetail(body))
	}

	return body, nil
}

// quotaStatus probes an error payload for quota-style codes without
// committing to a full schema for the server's error envelope.
func quotaStatus(body []byte) bool {
	code := gjson.GetBytes(body, "error.status").Str
	if code == "" {
		code = gjson.GetBytes(body, "code").Str
	}

	return code == "RESOURCE_EXHAUSTED" || code == "QUOTA_EXCEEDED"
}

// errorDetail pulls a short human-readable message out of an error
// payload, or returns a placeholder when there is none.
func errorDetail(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").Str; msg != "" {
		return msg
	}

	if msg := gjson.GetBytes(body, "message").Str; msg != "" {
		return msg
	}

	if len(body) == 0 {
		return "no response body"
	}

	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	return string(body)
}
