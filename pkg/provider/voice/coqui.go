package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Compile-time interface assertion.
var _ Synthesizer = (*Client)(nil)

const (
	defaultLanguage = "en"

	// defaultTimeout bounds one REST synthesis call. Long scripts are
	// chunked upstream, so a single call never carries more than a few
	// sentences.
	defaultTimeout = 60 * time.Second

	synthesizeEndpoint = "/tts_to_audio/"

	// errBodyLimit caps how much of an upstream error body is carried
	// into the returned error.
	errBodyLimit = 512
)

// ClientOption is a functional option for configuring a [Client].
type ClientOption func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLanguage sets the fallback language used when a request carries none.
// Defaults to "en".
func WithLanguage(lang string) ClientOption {
	return func(c *Client) { c.language = lang }
}

// WithHTTPClient replaces the underlying HTTP client. Primarily used in
// tests to inject instrumented transports.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements [Synthesizer] against a Coqui XTTS v2 API server
// (POST /tts_to_audio/ with a JSON body, WAV bytes back). It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

// NewClient creates a Client targeting the XTTS server at baseURL
// (e.g. "http://voice-svc:8002"). baseURL must be non-empty.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("voice: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// synthesizeRequest is the JSON body sent to POST /tts_to_audio/.
type synthesizeRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements [Synthesizer]. Non-2xx responses surface the
// upstream body (truncated) so callers can attribute the failure.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	lang := req.Language
	if lang == "" {
		lang = c.language
	}
	body, err := json.Marshal(synthesizeRequest{
		Text:       req.Text,
		SpeakerWav: req.SpeakerWAV,
		Language:   lang,
	})
	if err != nil {
		return nil, fmt.Errorf("voice: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+synthesizeEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voice: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("voice: POST %s: %w", synthesizeEndpoint, err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voice: read WAV response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("voice: POST %s returned status %d: %s",
			synthesizeEndpoint, resp.StatusCode, truncateBody(wav))
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("voice: POST %s returned an empty body", synthesizeEndpoint)
	}
	return wav, nil
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > errBodyLimit {
		return s[:errBodyLimit] + "…"
	}
	return s
}
