// Package scopeclient is a scopetree.Gateway backed by the scope HTTP API.
package scopeclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

const (
	DefaultBatchSize = 100
	DefaultPageSize  = 20
	DefaultTimeout   = 30 * time.Second

	// maxParallelBatches bounds concurrent requests for one hydration.
	maxParallelBatches = 4
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://cohort.example/api/v1".
	BaseURL   string
	Token     string
	BatchSize int
	PageSize  int
	HTTP      *http.Client
}

// Client talks to the /scopes endpoints. It is safe for concurrent use.
type Client struct {
	base      string
	token     string
	batchSize int
	pageSize  int
	http      *http.Client
	children  singleflight.Group
}

var _ scopetree.Gateway = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid scope API url %q", cfg.BaseURL)
	}
	c := &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		batchSize: cfg.BatchSize,
		pageSize:  cfg.PageSize,
		http:      cfg.HTTP,
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	return c, nil
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("scope API returned %d", e.Code)
	}
	return fmt.Sprintf("scope API returned %d: %s", e.Code, e.Message)
}

// FetchNodesByIDs posts the ids in batches of BatchSize, at most
// maxParallelBatches at a time. The result keeps the order of the batches.
func (c *Client) FetchNodesByIDs(ctx context.Context, ids []string) ([]scopetree.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += c.batchSize {
		chunks = append(chunks, ids[start:min(start+c.batchSize, len(ids))])
	}

	results := make([][]scopetree.Node, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelBatches)
	for i, chunk := range chunks {
		g.Go(func() error {
			var nodes []scopetree.Node
			if err := c.do(gctx, http.MethodPost, "/scopes/_batch", nil, map[string][]string{"ids": chunk}, &nodes); err != nil {
				return err
			}
			results[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []scopetree.Node
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// FetchChildren lists the children of parentID, or the roots when it is
// empty. Concurrent calls for the same parent share one request. The shared
// request outlives any single caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (c *Client) FetchChildren(ctx context.Context, parentID string) ([]scopetree.Node, error) {
	path := "/scopes/roots"
	if parentID != "" {
		path = "/scopes/" + url.PathEscape(parentID) + "/children"
	}
	shared := context.WithoutCancel(ctx)
	ch := c.children.DoChan(path, func() (interface{}, error) {
		var nodes []scopetree.Node
		err := c.do(shared, http.MethodGet, path, nil, nil, &nodes)
		return nodes, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]scopetree.Node), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w", http.MethodGet, path, scopetree.ErrCancelled)
	}
}

// Search queries one page. A request abandoned through ctx is reported as
// a cancelled result, not an error.
func (c *Client) Search(ctx context.Context, query string, page int) (*scopetree.SearchResult, error) {
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.pageSize))

	var res scopetree.SearchResult
	err := c.do(ctx, http.MethodGet, "/scopes/_search", q, nil, &res)
	if errors.Is(err, scopetree.ErrCancelled) {
		return &scopetree.SearchResult{Results: []scopetree.Node{}, Cancelled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Results == nil {
		res.Results = []scopetree.Node{}
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, scopetree.ErrCancelled)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, scopetree.ErrCancelled)
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage extracts echo's {"message": "..."} body, falling back to the
// raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
