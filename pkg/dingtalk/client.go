// Package dingtalk implements the REST surface of the DingTalk Open Platform
// used by the bridge: access-token issuance with caching, AI card
// create/stream/finalize, and plain robot message sends.
package dingtalk

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the DingTalk Open Platform API endpoint.
const DefaultBaseURL = "https://api.dingtalk.com"

// DefaultTimeout bounds every outbound platform call.
const DefaultTimeout = 30 * time.Second

// Credential identifies one bot application on the platform.
type Credential struct {
	ClientID     string
	ClientSecret string
	RobotCode    string
}

// APIError is a failed platform call. It carries the HTTP status so the
// retry layer can classify transient failures.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dingtalk api: status %d code %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dingtalk api: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient: expired auth (401),
// rate limiting (429), or an upstream 5xx.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 401 || e.StatusCode == 429 || e.StatusCode >= 500
}

// Client talks to the DingTalk Open Platform. It is safe for concurrent use
// and is shared by all bot instances; the token cache inside it is the only
// state shared across bots.
type Client struct {
	http   *resty.Client
	base   string
	tokens *tokenCache
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the platform endpoint (tests point this at a local
// httptest server).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.base = url }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient creates a platform client with an explicit call timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:   resty.New().SetTimeout(DefaultTimeout),
		base:   DefaultBaseURL,
		tokens: newTokenCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// post issues an authenticated POST and decodes the response into out.
func (c *Client) post(r *resty.Request, path string) error {
	apiErr := &APIError{}
	resp, err := r.SetError(apiErr).Post(c.base + path)
	return c.checkResponse(resp, err, apiErr)
}

// put issues an authenticated PUT and decodes the response into out.
func (c *Client) put(r *resty.Request, path string) error {
	apiErr := &APIError{}
	resp, err := r.SetError(apiErr).Put(c.base + path)
	return c.checkResponse(resp, err, apiErr)
}

func (c *Client) checkResponse(resp *resty.Response, err error, apiErr *APIError) error {
	if err != nil {
		return fmt.Errorf("dingtalk request: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	return nil
}
