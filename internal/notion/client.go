package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/capsync/internal/apierr"
)

// Client is a thin HTTP client for the Notion API.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	limiter *rate.Limiter
}

// NewClient creates a Notion client. rps bounds outgoing request rate with a
// token bucket; zero disables throttling.
func NewClient(token string, rps float64) *Client {
	c := &Client{
		Token:   token,
		BaseURL: DefaultBaseURL,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return c
}

// WithBaseURL returns a copy of the client pointed at a different base URL
// (for tests).
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.BaseURL = baseURL
	return &cp
}

// doRequest performs an authenticated request with rate limiting and retry on
// retryable failures. Non-2xx responses come back as classified apierr values.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", APIVersion)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = apierr.New(apierr.Retryable, op, err)
			if err := sleepBackoff(ctx, attempt, ""); err != nil {
				return nil, err
			}
			continue
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = apierr.New(apierr.Retryable, op, err)
			if err := sleepBackoff(ctx, attempt, ""); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		aerr := apierr.FromStatus(op, resp.StatusCode, string(respBody))
		if aerr.Category != apierr.Retryable {
			return nil, aerr
		}
		lastErr = aerr
		if err := sleepBackoff(ctx, attempt, resp.Header.Get("Retry-After")); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("gave up after %d attempts: %w", MaxRetries+1, lastErr)
}

func sleepBackoff(ctx context.Context, attempt int, retryAfter string) error {
	delay := RetryDelay * time.Duration(1<<attempt)
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			delay = time.Duration(seconds) * time.Second
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// queryDatabase walks a paginated database query, streaming pages to fn.
func (c *Client) queryDatabase(ctx context.Context, databaseID string, filter map[string]any, fn func(*wirePage) error) error {
	cursor := ""
	for {
		body := map[string]any{"page_size": MaxPageSize}
		if filter != nil {
			body["filter"] = filter
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		respBody, err := c.doRequest(ctx, "notion.QueryDatabase", http.MethodPost, "/v1/databases/"+databaseID+"/query", body)
		if err != nil {
			return err
		}
		var page queryResponse
		if err := json.Unmarshal(respBody, &page); err != nil {
			return fmt.Errorf("parse query response: %w", err)
		}
		for i := range page.Results {
			if err := fn(&page.Results[i]); err != nil {
				return err
			}
		}
		if !page.HasMore || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) createPage(ctx context.Context, databaseID string, props Properties, children []Block) (*wirePage, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	if len(children) > 0 {
		wire := make([]map[string]any, 0, len(children))
		for _, b := range children {
			wire = append(wire, b.wireJSON())
		}
		body["children"] = wire
	}

	respBody, err := c.doRequest(ctx, "notion.CreatePage", http.MethodPost, "/v1/pages", body)
	if err != nil {
		return nil, err
	}
	var page wirePage
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}
	return &page, nil
}

func (c *Client) updatePage(ctx context.Context, pageID string, body map[string]any) (*wirePage, error) {
	respBody, err := c.doRequest(ctx, "notion.UpdatePage", http.MethodPatch, "/v1/pages/"+pageID, body)
	if err != nil {
		return nil, err
	}
	var page wirePage
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("parse update response: %w", err)
	}
	return &page, nil
}

func (c *Client) getPage(ctx context.Context, pageID string) (*wirePage, error) {
	respBody, err := c.doRequest(ctx, "notion.GetPage", http.MethodGet, "/v1/pages/"+pageID, nil)
	if err != nil {
		return nil, err
	}
	var page wirePage
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("parse page response: %w", err)
	}
	return &page, nil
}

// listBlockChildren returns the ids of a page's direct child blocks.
func (c *Client) listBlockChildren(ctx context.Context, pageID string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		path := "/v1/blocks/" + pageID + "/children?page_size=" + strconv.Itoa(MaxPageSize)
		if cursor != "" {
			path += "&start_cursor=" + cursor
		}
		respBody, err := c.doRequest(ctx, "notion.ListBlocks", http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := json.Unmarshal(respBody, &page); err != nil {
			return nil, fmt.Errorf("parse block listing: %w", err)
		}
		for _, b := range page.Results {
			ids = append(ids, b.ID)
		}
		if !page.HasMore || page.NextCursor == "" {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) deleteBlock(ctx context.Context, blockID string) error {
	_, err := c.doRequest(ctx, "notion.DeleteBlock", http.MethodDelete, "/v1/blocks/"+blockID, nil)
	return err
}

func (c *Client) appendBlocks(ctx context.Context, pageID string, blocks []Block) error {
	wire := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		wire = append(wire, b.wireJSON())
	}
	_, err := c.doRequest(ctx, "notion.AppendBlocks", http.MethodPatch, "/v1/blocks/"+pageID+"/children",
		map[string]any{"children": wire})
	return err
}
