package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to a linker's HTTP command API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted in addition to nothing else
	Insecure bool   // skip TLS verification
}

// APIError is returned for non-success responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message) }

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:90",
		Timeout: 10 * time.Second,
	}
}

// New creates a linker API client. A broken CA file is logged and ignored
// so the request fails on verification instead.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
			// authorize answers with a redirect the caller wants to see
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// IsReachable checks if the linker answers HTTP requests.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/get", nil, nil)
	if err != nil {
		c.logger.Debug("linker unreachable", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Link binds a link and returns its ID.
func (c *Client) Link(ctx context.Context, req LinkRequest) (string, error) {
	q := url.Values{}
	if req.ID != "" {
		q.Set("id", req.ID)
	}
	form := url.Values{}
	setIf(form, "app_id", req.AppID)
	setIf(form, "default_app_key", req.DefaultAppKey)
	setIf(form, "default_app_secret", req.DefaultAppSecret)

	var out struct {
		Linker string `json:"linker"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/link", q, form, &out); err != nil {
		return "", err
	}
	return out.Linker, nil
}

// Session returns the session bound to linkID.
func (c *Client) Session(ctx context.Context, linkID string) (Session, error) {
	var out struct {
		Result Session `json:"result"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/get", url.Values{"linkID": {linkID}}, nil, &out)
	return out.Result, err
}

// AuthorizeURL requests a token for the app and returns the consent page
// the linker redirects to.
func (c *Client) AuthorizeURL(ctx context.Context, req AuthorizeRequest) (string, error) {
	q := url.Values{}
	setIf(q, "linkID", req.LinkID)
	setIf(q, "callback", req.Callback)
	setIf(q, "storage_id", req.StorageID)
	setIf(q, "app_id", req.AppID)
	form := url.Values{}
	setIf(form, "app_key", req.AppKey)
	setIf(form, "app_secret", req.AppSecret)

	resp, err := c.do(ctx, http.MethodPost, "/authorize", q, form)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusFound {
		return "", c.errorFrom(resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("authorize redirect without location")
	}
	return loc, nil
}

func setIf(v url.Values, k, val string) {
	if val != "" {
		v.Set(k, val)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query, form url.Values, out any) error {
	resp, err := c.do(ctx, method, path, query, form)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	// unsupported paths answer 200 with an error body
	var e ErrorResponse
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", e.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: e.Error}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 opt-in
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
