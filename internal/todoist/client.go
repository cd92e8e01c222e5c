package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/capsync/internal/apierr"
)

// Client is a thin HTTP client for the Todoist REST API.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	limiter *rate.Limiter
}

// NewClient creates a Todoist client. rps bounds outgoing request rate with a
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

func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}
	return u
}

// doRequest performs an authenticated request with rate limiting and retry on
// retryable failures. Non-2xx responses come back as classified apierr values.
func (c *Client) doRequest(ctx context.Context, op, method, urlStr string, body interface{}) ([]byte, error) {
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
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")

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

// sleepBackoff waits RetryDelay * 2^attempt, honoring Retry-After if the
// server sent one.
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

func (c *Client) getTask(ctx context.Context, id string) (*wireTask, error) {
	respBody, err := c.doRequest(ctx, "todoist.GetTask", http.MethodGet, c.buildURL("/rest/v2/tasks/"+id, nil), nil)
	if err != nil {
		return nil, err
	}
	var task wireTask
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("parse task response: %w", err)
	}
	return &task, nil
}

func (c *Client) getProject(ctx context.Context, id string) (*wireProject, error) {
	respBody, err := c.doRequest(ctx, "todoist.GetProject", http.MethodGet, c.buildURL("/rest/v2/projects/"+id, nil), nil)
	if err != nil {
		return nil, err
	}
	var project wireProject
	if err := json.Unmarshal(respBody, &project); err != nil {
		return nil, fmt.Errorf("parse project response: %w", err)
	}
	return &project, nil
}

func (c *Client) getTaskComments(ctx context.Context, taskID string) ([]wireComment, error) {
	urlStr := c.buildURL("/rest/v2/comments", map[string]string{"task_id": taskID})
	respBody, err := c.doRequest(ctx, "todoist.GetComments", http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	var comments []wireComment
	if err := json.Unmarshal(respBody, &comments); err != nil {
		return nil, fmt.Errorf("parse comments response: %w", err)
	}
	return comments, nil
}

// listTasksByLabel walks one cursor-paginated listing. completed selects the
// completed-items listing instead of the active one.
func (c *Client) listTasksByLabel(ctx context.Context, label string, completed bool, fn func(*wireTask) error) error {
	path := "/rest/v2/tasks"
	op := "todoist.ListTasks"
	if completed {
		path = "/rest/v2/tasks/completed"
		op = "todoist.ListCompletedTasks"
	}

	cursor := ""
	for page := 0; ; page++ {
		if page >= MaxPages {
			return fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
		params := map[string]string{
			"label": label,
			"limit": strconv.Itoa(MaxPageSize),
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		respBody, err := c.doRequest(ctx, op, http.MethodGet, c.buildURL(path, params), nil)
		if err != nil {
			return err
		}

		// The active-tasks endpoint historically returned a bare array;
		// newer listings wrap results with a cursor. Accept both.
		var wrapped taskPage
		if err := json.Unmarshal(respBody, &wrapped); err != nil {
			var bare []wireTask
			if err2 := json.Unmarshal(respBody, &bare); err2 != nil {
				return fmt.Errorf("parse task listing: %w", err)
			}
			wrapped = taskPage{Results: bare}
		}

		for i := range wrapped.Results {
			if completed {
				wrapped.Results[i].IsCompleted = true
			}
			if err := fn(&wrapped.Results[i]); err != nil {
				return err
			}
		}

		if wrapped.NextCursor == "" {
			return nil
		}
		cursor = wrapped.NextCursor
	}
}

func (c *Client) updateTask(ctx context.Context, id string, updates map[string]interface{}) (*wireTask, error) {
	respBody, err := c.doRequest(ctx, "todoist.UpdateTask", http.MethodPost, c.buildURL("/rest/v2/tasks/"+id, nil), updates)
	if err != nil {
		return nil, err
	}
	var task wireTask
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("parse update response: %w", err)
	}
	return &task, nil
}

func (c *Client) updateProject(ctx context.Context, id string, updates map[string]interface{}) error {
	_, err := c.doRequest(ctx, "todoist.UpdateProject", http.MethodPost, c.buildURL("/rest/v2/projects/"+id, nil), updates)
	return err
}

func (c *Client) setProjectArchived(ctx context.Context, id string, archived bool) error {
	verb := "archive"
	if !archived {
		verb = "unarchive"
	}
	_, err := c.doRequest(ctx, "todoist.SetProjectArchived", http.MethodPost,
		c.buildURL("/rest/v2/projects/"+id+"/"+verb, nil), nil)
	return err
}

func (c *Client) addComment(ctx context.Context, body map[string]interface{}) error {
	_, err := c.doRequest(ctx, "todoist.AddComment", http.MethodPost, c.buildURL("/rest/v2/comments", nil), body)
	return err
}
