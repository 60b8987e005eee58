package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

const (
	// defaultGatewayTimeout bounds a single gateway round trip. Terminal
	// initialization can take several seconds on a cold start.
	defaultGatewayTimeout = 30 * time.Second

	// maxErrorBodySize caps how much of an error response body is read.
	maxErrorBodySize = 64 * 1024
)

// APIError represents a non-success HTTP response from the gateway.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.Status, e.Body)
}

// GatewayClient talks to the terminal gateway shim, a small HTTP sidecar
// that owns the native SDK session. One gateway fronts exactly one terminal
// installation, so this client inherits the single-session constraint.
type GatewayClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewGatewayClient creates a gateway client with the default timeout.
func NewGatewayClient(baseURL, authToken string, logger *logrus.Logger) *GatewayClient {
	return NewGatewayClientWithTimeout(baseURL, authToken, logger, defaultGatewayTimeout)
}

// NewGatewayClientWithTimeout creates a gateway client with a custom
// per-request timeout.
func NewGatewayClientWithTimeout(baseURL, authToken string, logger *logrus.Logger, timeout time.Duration) *GatewayClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &GatewayClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// WithHTTPClient replaces the underlying HTTP client and returns the same
// GatewayClient for chaining. Useful for tests and custom transports.
func (g *GatewayClient) WithHTTPClient(client *http.Client) *GatewayClient {
	if client != nil {
		g.httpClient = client
	}
	return g
}

// terminalError is the gateway's rendering of the terminal's last_error.
type terminalError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// doRequest performs an HTTP request against the gateway and decodes the
// JSON response into out when out is non-nil.
func (g *GatewayClient) doRequest(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	endpoint := g.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mt5-bridge/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.WithError(cerr).Warn("failed to close gateway response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: "failed to read response body"}
		}
		var termErr terminalError
		if json.Unmarshal(raw, &termErr) == nil && termErr.Message != "" {
			return &Error{Code: termErr.Code, Message: termErr.Message}
		}
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Initialize asks the gateway to bring up the terminal session.
func (g *GatewayClient) Initialize(ctx context.Context) error {
	if err := g.doRequest(ctx, http.MethodPost, "/initialize", nil, nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return nil
}

type loginRequest struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// Login authorizes the terminal session for the given account. Credential
// rejections are reported as ErrAuthFailed.
func (g *GatewayClient) Login(ctx context.Context, login int64, password, server string) error {
	payload := loginRequest{Login: login, Password: password, Server: server}
	err := g.doRequest(ctx, http.MethodPost, "/login", nil, payload, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	var termErr *Error
	if errors.As(err, &termErr) && termErr.Code == terminalAuthFailedCode {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return err
}

// terminalAuthFailedCode is the terminal's last_error code for rejected
// credentials.
const terminalAuthFailedCode = -6

// Shutdown releases the gateway's terminal session.
func (g *GatewayClient) Shutdown(ctx context.Context) error {
	return g.doRequest(ctx, http.MethodPost, "/shutdown", nil, nil, nil)
}

// AccountInfo returns the logged-in account summary.
func (g *GatewayClient) AccountInfo(ctx context.Context) (models.AccountInfo, error) {
	var info models.AccountInfo
	if err := g.doRequest(ctx, http.MethodGet, "/account", nil, nil, &info); err != nil {
		return models.AccountInfo{}, err
	}
	return info, nil
}

type positionsResponse struct {
	Positions []models.Position `json:"positions"`
}

// Positions returns the currently open positions.
func (g *GatewayClient) Positions(ctx context.Context) ([]models.Position, error) {
	var resp positionsResponse
	if err := g.doRequest(ctx, http.MethodGet, "/positions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func timeRangeQuery(from, to time.Time) url.Values {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	return q
}

type dealsResponse struct {
	Deals []models.Deal `json:"deals"`
}

// HistoryDeals returns executed deals within [from, to].
func (g *GatewayClient) HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	var resp dealsResponse
	if err := g.doRequest(ctx, http.MethodGet, "/history/deals", timeRangeQuery(from, to), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deals, nil
}

type ordersResponse struct {
	Orders []models.Order `json:"orders"`
}

// HistoryOrders returns historical orders within [from, to].
func (g *GatewayClient) HistoryOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	var resp ordersResponse
	if err := g.doRequest(ctx, http.MethodGet, "/history/orders", timeRangeQuery(from, to), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}
