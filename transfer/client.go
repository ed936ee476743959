package transfer

import (
	"bytes"
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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the Transfer API client configuration.
type Config struct {
	BaseURL    string        // API base (default: DefaultBaseURL)
	Timeout    time.Duration // Request timeout (default: 30s)
	HTTPClient *http.Client  // Custom HTTP client (optional)
	Format     Format        // Response format (default: JSON)
	Auth       Authenticator // Identity strategy (optional)

	// CACertPEM replaces the system roots used to verify the server.
	CACertPEM []byte
	// InsecureSkipVerify disables server verification (dev-only).
	InsecureSkipVerify bool

	UserAgent string
	Logger    *slog.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
		Format:  JSON,
	}
}

// Result is a successful response.
type Result struct {
	StatusCode    int
	StatusMessage string
	// RequestID is the X-Request-ID sent with the request.
	RequestID string
	Document  Document
}

// Client is the Transfer API client. It is safe for concurrent use.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	format     Format
	auth       Authenticator
	logger     *slog.Logger
}

// NewClient creates a new Transfer API client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Format == nil {
		config.Format = JSON
	}
	if config.UserAgent == "" {
		config.UserAgent = "transfer-activation-go/" + Version
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	base, err := url.Parse(strings.TrimSpace(config.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", config.BaseURL)
	}

	httpClient, err := buildHTTPClient(config)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:     config,
		baseURL:    strings.TrimRight(base.String(), "/"),
		httpClient: httpClient,
		format:     config.Format,
		auth:       config.Auth,
		logger:     logger,
	}, nil
}

func buildHTTPClient(config Config) (*http.Client, error) {
	tlsConfigurer, needsTLS := config.Auth.(TLSConfigurer)
	needsTLS = needsTLS || len(config.CACertPEM) > 0 || config.InsecureSkipVerify

	if config.HTTPClient != nil && !needsTLS {
		return config.HTTPClient, nil
	}

	var transport *http.Transport
	if config.HTTPClient != nil {
		base, ok := config.HTTPClient.Transport.(*http.Transport)
		if config.HTTPClient.Transport == nil {
			base, ok = http.DefaultTransport.(*http.Transport), true
		}
		if !ok {
			return nil, errors.New("custom HTTPClient transport cannot carry TLS settings; configure TLS on it directly")
		}
		transport = base.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	tlsCfg := transport.TLSClientConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	tlsCfg = tlsCfg.Clone()
	if tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
	if len(config.CACertPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(config.CACertPEM) {
			return nil, errors.New("failed to parse CA certificate PEM")
		}
		tlsCfg.RootCAs = pool
	}
	if config.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	if tlsConfigurer != nil {
		if err := tlsConfigurer.ConfigureTLS(tlsCfg); err != nil {
			return nil, err
		}
	}
	transport.TLSClientConfig = tlsCfg

	if config.HTTPClient != nil {
		hc := *config.HTTPClient
		hc.Transport = transport
		return &hc, nil
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}, nil
}

// EndpointPath returns the resource path of a named endpoint.
func EndpointPath(name string) string {
	return "/endpoint/" + url.PathEscape(name)
}

// BaseURL returns the API base the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Format returns the response format in use.
func (c *Client) Format() Format { return c.format }

// Get issues a GET against path, which is relative to the base URL.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Result, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST with doc encoded as JSON. A nil doc sends no body.
func (c *Client) Post(ctx context.Context, path string, doc Document) (*Result, error) {
	return c.do(ctx, http.MethodPost, path, nil, doc)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, doc Document) (*Result, error) {
	var body io.Reader
	if doc != nil {
		bodyBytes, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", c.format.MediaType())
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-Request-ID", requestID)
	if doc != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		if err := c.auth.Authenticate(req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(method, "error").Inc()
		c.logger.Debug("transfer api request failed", "method", method, "path", path, "request_id", requestID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}
	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug("transfer api request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, TranslateError(c.format, resp.StatusCode, statusMessage(resp), resp.Header.Get("X-Transfer-API-Error"), respBody)
	}

	result := &Result{
		StatusCode:    resp.StatusCode,
		StatusMessage: statusMessage(resp),
		RequestID:     requestID,
		Document:      Document{},
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return result, nil
	}
	decoded, err := c.format.ParseBody(respBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrProtocol, method, path, err)
	}
	result.Document = decoded
	return result, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
