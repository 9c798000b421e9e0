package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Compile-time interface assertions.
var _ JobClient = (*Client)(nil)
var _ SessionClient = (*Client)(nil)

const (
	// defaultTimeout bounds one REST call. Enqueue uploads nothing (the
	// service fetches inputs by URL) and a poll downloads at most one
	// artifact, so 30 s is generous.
	defaultTimeout = 30 * time.Second

	enqueueEndpoint    = "/generate"
	statusEndpoint     = "/status/"
	initStreamEndpoint = "/init-stream"
	endStreamEndpoint  = "/end-stream"

	// errBodyLimit caps how much of an upstream error body is carried
	// into the returned error.
	errBodyLimit = 512
)

// ClientOption is a functional option for configuring a [Client].
type ClientOption func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client. Primarily used in
// tests to inject instrumented transports.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements [JobClient] and [SessionClient] against the video
// service's REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client targeting the video service at baseURL
// (e.g. "http://video-svc:8003"). Both arguments must be non-empty.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("video: baseURL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("video: apiKey must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ── Batch jobs ──────────────────────────────────────────────────────────────────

// enqueueRequest is the JSON body sent to POST /generate.
type enqueueRequest struct {
	ImageURL string `json:"image_url"`
	AudioURL string `json:"audio_url"`
	Quality  string `json:"quality"`
}

// enqueueResponse is the JSON answer to a successful enqueue.
type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

// Enqueue implements [JobClient].
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	body, err := json.Marshal(enqueueRequest{
		ImageURL: req.ImageURL,
		AudioURL: req.AudioURL,
		Quality:  req.Quality,
	})
	if err != nil {
		return "", fmt.Errorf("video: marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, enqueueEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("video: read enqueue response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("video: POST %s returned status %d: %s",
			enqueueEndpoint, resp.StatusCode, truncateBody(data))
	}

	var out enqueueResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("video: decode enqueue response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("video: enqueue response carried no task_id")
	}
	return out.TaskID, nil
}

// statusResponse is the JSON shape of a not-yet-ready poll answer.
type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Status implements [JobClient]. The answer is content-negotiated: a
// video/mp4 response carries the finished artifact in its body, anything
// JSON reports progress or failure. A 404 means the task is not yet visible
// to the status endpoint and is treated as still processing, as is a
// zero-byte mp4 body (artifact mid-write).
func (c *Client) Status(ctx context.Context, taskID string) (*StatusResult, error) {
	if taskID == "" {
		return nil, errors.New("video: taskID must not be empty")
	}

	resp, err := c.do(ctx, http.MethodGet, statusEndpoint+taskID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("video: read status response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &StatusResult{State: StateProcessing}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("video: GET %s%s returned status %d: %s",
			statusEndpoint, taskID, resp.StatusCode, truncateBody(data))
	}

	if mediaType(resp.Header.Get("Content-Type")) == "video/mp4" {
		if len(data) == 0 {
			return &StatusResult{State: StateProcessing}, nil
		}
		return &StatusResult{State: StateReady, Video: data}, nil
	}

	var st statusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("video: decode status response: %w", err)
	}
	if st.Status == "failed" {
		return &StatusResult{State: StateFailed, Detail: st.Error}, nil
	}
	return &StatusResult{State: StateProcessing}, nil
}

// ── Live sessions ───────────────────────────────────────────────────────────────

// sessionMessage is the JSON body of init-stream and end-stream calls.
type sessionMessage struct {
	SessionID string `json:"session_id"`
	ImageURL  string `json:"image_url,omitempty"`
}

// InitStream implements [SessionClient].
func (c *Client) InitStream(ctx context.Context, sessionID, imageURL string) error {
	return c.postSession(ctx, initStreamEndpoint, sessionMessage{
		SessionID: sessionID,
		ImageURL:  imageURL,
	})
}

// EndStream implements [SessionClient].
func (c *Client) EndStream(ctx context.Context, sessionID string) error {
	return c.postSession(ctx, endStreamEndpoint, sessionMessage{SessionID: sessionID})
}

func (c *Client) postSession(ctx context.Context, endpoint string, msg sessionMessage) error {
	if msg.SessionID == "" {
		return errors.New("video: sessionID must not be empty")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("video: marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("video: POST %s returned status %d: %s",
			endpoint, resp.StatusCode, truncateBody(data))
	}
	return nil
}

// ── Helpers ─────────────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("video: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("video: %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// mediaType strips parameters like "; charset=binary" off a Content-Type.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > errBodyLimit {
		return s[:errBodyLimit] + "…"
	}
	return s
}
