package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kernelci/kci-pipeline/pkg/log"
	"github.com/kernelci/kci-pipeline/pkg/types"
)

// ErrTimeout is returned by ReceiveEvent when the poll window elapses
// with no event delivered; it is not a receive failure.
var ErrTimeout = errors.New("apiclient: receive timed out")

// HTTPClient is the REST implementation of API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a client against baseURL, authenticating every
// request with a bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("apiclient: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func filterQuery(filter Filter, limit, offset int) string {
	var b strings.Builder
	for k, v := range filter {
		if v == nil {
			fmt.Fprintf(&b, "&%s=null", k)
			continue
		}
		fmt.Fprintf(&b, "&%s=%v", k, v)
	}
	fmt.Fprintf(&b, "&limit=%d&offset=%d", limit, offset)
	return b.String()
}

// FindNodes paginates node.find until an empty page is returned, per
// the central API's pagination contract.
func (c *HTTPClient) FindNodes(ctx context.Context, filter Filter) ([]*types.Node, error) {
	var all []*types.Node
	offset := 0
	for {
		var page []*types.Node
		q := filterQuery(filter, PageSize, offset)
		if err := c.do(ctx, http.MethodGet, "/node?"+strings.TrimPrefix(q, "&"), nil, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		offset += len(page)
	}
}

func (c *HTTPClient) CountNodes(ctx context.Context, filter Filter) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	q := filterQuery(filter, 0, 0)
	if err := c.do(ctx, http.MethodGet, "/node/count?"+strings.TrimPrefix(q, "&"), nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *HTTPClient) GetNode(ctx context.Context, id string) (*types.Node, error) {
	var n types.Node
	if err := c.do(ctx, http.MethodGet, "/node/"+id, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) AddNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	var out types.Node
	if err := c.do(ctx, http.MethodPost, "/node", node, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	var out types.Node
	if err := c.do(ctx, http.MethodPut, "/node/"+node.ID, node, &out); err != nil {
		log.WithComponent("apiclient").Error().
			Str("node_id", node.ID).Err(err).Msg("node update failed")
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendEvent(ctx context.Context, channel string, node *types.Node) error {
	payload := map[string]any{"data": node}
	return c.do(ctx, http.MethodPost, "/send_event/"+channel, payload, nil)
}

func (c *HTTPClient) Subscribe(ctx context.Context, channel string, filter Filter) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/subscribe/"+channel, filter, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) Unsubscribe(ctx context.Context, subID string) error {
	return c.do(ctx, http.MethodDelete, "/subscribe/"+subID, nil, nil)
}

func (c *HTTPClient) ReceiveEvent(ctx context.Context, subID string) (*types.Node, error) {
	var out struct {
		Data *types.Node `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/listen/"+subID, nil, &out)
	if err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, ErrTimeout
	}
	return out.Data, nil
}

func (c *HTTPClient) AddTelemetry(ctx context.Context, events []types.TelemetryEvent) error {
	return c.do(ctx, http.MethodPost, "/telemetry", events, nil)
}

func (c *HTTPClient) Whoami(ctx context.Context) (string, error) {
	var out struct {
		Username string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/whoami", nil, &out); err != nil {
		return "", err
	}
	return out.Username, nil
}

var _ API = (*HTTPClient)(nil)
