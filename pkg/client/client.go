// Package client implements the Aha! REST client behind the data connector.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ahafs/ahafs/internal/metrics"
	"github.com/ahafs/ahafs/pkg/logger"
	"github.com/ahafs/ahafs/pkg/models"
	"github.com/ahafs/ahafs/pkg/protocol"
	"github.com/ahafs/ahafs/pkg/retry"
)

const (
	// DefaultPerPage is the page size requested from list endpoints.
	DefaultPerPage = 200

	// maxPages caps pagination against a server that never stops.
	maxPages = 1000

	userAgent = "ahafs"
)

// Field lists requested from each endpoint.
const (
	productFields = "name,reference_prefix,created_at,updated_at"
	releaseFields = "name,reference_num,created_at,updated_at"
	recordFields  = "name,reference_num,description,created_at,updated_at"
)

// Client lists Aha! products, releases, epics and features.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	perPage     int
	log         *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	// BaseURL overrides the URL derived from Domain.
	BaseURL     string
	Domain      string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	PerPage     int
	Logger      *zap.Logger
}

var _ models.ResourceClient = (*Client)(nil)

// BaseURLForDomain returns the account URL for an Aha! subdomain. A value
// that already contains a dot is used as the host.
func BaseURLForDomain(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	if strings.Contains(domain, ".") {
		return "https://" + domain
	}
	return "https://" + domain + ".aha.io"
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("client")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURLForDomain(cfg.Domain)
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		perPage:     cfg.PerPage,
		log:         cfg.Logger,
		authToken:   cfg.AuthToken,
	}
}

// BaseURL returns the account URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the API token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// ListTopLevel returns every product of the account.
func (c *Client) ListTopLevel(ctx context.Context) ([]models.RemoteObject, error) {
	return listAll[protocol.Product](ctx, c, "products", "/api/v1/products", productFields, models.Ref{Kind: models.KindConnector})
}

// ListChildren returns the children of kind under parent.
func (c *Client) ListChildren(ctx context.Context, parent models.Ref, kind models.Kind) ([]models.RemoteObject, error) {
	id := url.PathEscape(parent.ID)
	switch {
	case parent.Kind == models.KindProduct && kind == models.KindRelease:
		return listAll[protocol.Release](ctx, c, "releases", "/api/v1/products/"+id+"/releases", releaseFields, parent)
	case parent.Kind == models.KindRelease && kind == models.KindFeature:
		return listAll[protocol.Feature](ctx, c, "features", "/api/v1/releases/"+id+"/features", recordFields, parent)
	case parent.Kind == models.KindRelease && kind == models.KindEpic:
		return listAll[protocol.Epic](ctx, c, "epics", "/api/v1/releases/"+id+"/epics", recordFields, parent)
	case parent.Kind == models.KindEpic && kind == models.KindFeature:
		return listAll[protocol.Feature](ctx, c, "features", "/api/v1/epics/"+id+"/features", recordFields, parent)
	}
	return nil, fmt.Errorf("no endpoint lists %s children of a %s", kind, parent.Kind)
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context) (*protocol.Me, error) {
	var me protocol.Me
	err := retry.Do(ctx, c.retryConfig, func() error {
		body, err := c.get(ctx, "/api/v1/me", "me", nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &me); err != nil {
			return fmt.Errorf("%w: decode me: %v", protocol.ErrMalformed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &me, nil
}

// listAll fetches every page of a list endpoint, validates each record and
// converts it to a RemoteObject. key is the JSON field holding the items.
func listAll[T protocol.Record](ctx context.Context, c *Client, key, endpoint, fields string, parent models.Ref) ([]models.RemoteObject, error) {
	var objs []models.RemoteObject

	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", strconv.Itoa(c.perPage))
		query.Set("fields", fields)

		var items []T
		pagination, err := retry.DoWithResult(ctx, c.retryConfig, func() (protocol.Pagination, error) {
			items = nil
			body, err := c.get(ctx, endpoint, key, query)
			if err != nil {
				return protocol.Pagination{}, err
			}
			return decodePage(body, key, &items)
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", endpoint, err)
		}

		for _, item := range items {
			if err := item.Validate(); err != nil {
				return nil, fmt.Errorf("list %s: %w", endpoint, err)
			}
			objs = append(objs, item.Object(parent))
		}

		if page >= pagination.TotalPages {
			c.log.Debug("listed",
				zap.String("endpoint", endpoint),
				zap.Int("pages", page),
				zap.Int("records", len(objs)))
			return objs, nil
		}
	}
	return nil, fmt.Errorf("list %s: more than %d pages", endpoint, maxPages)
}

// decodePage unpacks {"<key>": [...], "pagination": {...}}.
func decodePage(body []byte, key string, into any) (protocol.Pagination, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return protocol.Pagination{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	raw, ok := envelope[key]
	if !ok {
		return protocol.Pagination{}, fmt.Errorf("%w: response has no %q field", protocol.ErrMalformed, key)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return protocol.Pagination{}, fmt.Errorf("%w: decode %s: %v", protocol.ErrMalformed, key, err)
	}

	var pagination protocol.Pagination
	if p, ok := envelope["pagination"]; ok {
		if err := json.Unmarshal(p, &pagination); err != nil {
			return protocol.Pagination{}, fmt.Errorf("%w: decode pagination: %v", protocol.ErrMalformed, err)
		}
	}
	return pagination, nil
}

// get performs one GET and returns the (decompressed) body. Transport
// errors, 429 and 5xx responses are retryable.
func (c *Client) get(ctx context.Context, endpoint, label string, query url.Values) ([]byte, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)
	c.applyAuth(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(label, 0, time.Since(start))
		return nil, retry.Retryable(err)
	}
	defer resp.Body.Close()
	metrics.RecordRemoteRequest(label, resp.StatusCode, time.Since(start))

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", protocol.ErrMalformed, err)
		}
		defer gr.Close()
		reader = gr
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.log.Warn("retryable response", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
			return nil, retry.Retryable(err)
		}
		return nil, err
	}
	return body, nil
}

// StatusError is a non-200 response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func statusError(status int, body []byte) error {
	var er protocol.ErrorResponse
	msg := ""
	if json.Unmarshal(body, &er) == nil {
		msg = er.Error
		if msg == "" {
			msg = er.Message
		}
	}
	return &StatusError{Status: status, Message: msg}
}
