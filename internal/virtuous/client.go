// Package virtuous provides a client for the Virtuous CRM contact API.
package virtuous

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/JohanCodinha/crmsync/internal/config"
	"github.com/JohanCodinha/crmsync/internal/logger"
)

// Contact is one item of a contacts-by-tag page. Only the fields the cache
// mirrors are decoded; everything else in the payload is ignored.
type Contact struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	ContactType string            `json:"contactType"`
	CreatedDate string            `json:"createdDate"`
	Tags        []json.RawMessage `json:"tags"`
}

// ContactPage is one page of a paged collection plus the collection total
// as reported by the server at the time of the request.
type ContactPage struct {
	Items []Contact `json:"list"`
	Total int       `json:"total"`
}

// CollectionEntry is one instance of a contact custom collection.
type CollectionEntry struct {
	Date string `json:"date"`
}

// Client is a Virtuous CRM API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter // nil when unthrottled
}

// New creates a client from the remote configuration.
// An empty API key is accepted here; every call then fails with ErrNotConfigured.
func New(cfg config.RemoteConfig) *Client {
	var httpClient *http.Client
	if cfg.APIKey != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// FetchPage fetches one page of the contacts carrying tagID.
func (c *Client) FetchPage(ctx context.Context, tagID, skip, take int) (*ContactPage, error) {
	endpoint := fmt.Sprintf("/Contact/ByTag/%d", tagID)
	query := url.Values{}
	query.Set("skip", strconv.Itoa(skip))
	query.Set("take", strconv.Itoa(take))

	var page ContactPage
	if err := c.get(ctx, endpoint, query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchCollection fetches every instance of the named custom collection for a contact.
func (c *Client) FetchCollection(ctx context.Context, contactID int64, collectionName string) ([]CollectionEntry, error) {
	endpoint := fmt.Sprintf("/Contact/%d/CustomCollections/%s", contactID, url.PathEscape(collectionName))

	var entries []CollectionEntry
	if err := c.get(ctx, endpoint, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &UpstreamError{Method: http.MethodGet, Endpoint: endpoint, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Method: http.MethodGet, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	logger.Debug("virtuous: GET %s -> %d (request %s)", endpoint, resp.StatusCode, requestID)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &UpstreamError{
			Method:     http.MethodGet,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{
			Method:     http.MethodGet,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	return nil
}
