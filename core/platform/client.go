package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	authEndpoint      = "/auth/token"
	nodesEndpoint     = "/openapi/v1/cluster_nodes/list"
	maxNodesPageSize  = 1000
	errorPreviewLimit = 300
)

// Platform error codes
const (
	CodeAuth       = 100001
	CodeParam      = 100002
	CodePermission = 100003
	CodeNotFound   = 100004
)

// APIError is a non-zero code returned by the platform
type APIError struct {
	Code    int
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Node is one cluster node as reported by the platform
type Node struct {
	NodeID                string            `json:"node_id"`
	GPUCount              int               `json:"gpu_count"`
	LogicComputeGroupID   string            `json:"logic_compute_group_id"`
	LogicComputeGroupName string            `json:"logic_compute_group_name"`
	GPUInfo               NodeGPUInfo       `json:"gpu_info"`
	ResourcePool          string            `json:"resource_pool"`
	Status                string            `json:"status"`
	TaskList              []json.RawMessage `json:"task_list"`
}

// NodeGPUInfo describes the accelerators of a node
type NodeGPUInfo struct {
	GPUTypeDisplay string `json:"gpu_type_display"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the remote platform API
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewClient creates a platform client; a static token skips the login round trip
func NewClient(baseURL, username, password, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		token:      token,
		httpClient: httpClient,
	}
}

// Authenticate exchanges username and password for an access token
func (c *Client) Authenticate(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return errors.New("platform credentials are not configured")
	}
	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	payload := map[string]string{"username": c.username, "password": c.password}
	if err := c.do(ctx, authEndpoint, payload, &data, false); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if data.AccessToken == "" {
		return errors.New("authentication failed: empty access token")
	}

	c.mu.Lock()
	c.token = data.AccessToken
	c.mu.Unlock()
	logrus.Debugf("Authenticated with platform, token expires in %ds", data.ExpiresIn)
	return nil
}

// ListClusterNodes returns one page of nodes and the reported total
func (c *Client) ListClusterNodes(ctx context.Context, pageNum, pageSize int) ([]Node, int, error) {
	if pageNum < 1 {
		return nil, 0, errors.New("page number must be at least 1")
	}
	if pageSize < 1 || pageSize > maxNodesPageSize {
		return nil, 0, fmt.Errorf("page size must be between 1 and %d", maxNodesPageSize)
	}

	var data struct {
		Nodes []Node `json:"nodes"`
		Total int    `json:"total"`
	}
	payload := map[string]int{"page_num": pageNum, "page_size": pageSize}
	if err := c.do(ctx, nodesEndpoint, payload, &data, true); err != nil {
		return nil, 0, fmt.Errorf("failed to list cluster nodes: %w", err)
	}
	return data.Nodes, data.Total, nil
}

// ListAllNodes pages through every cluster node
func (c *Client) ListAllNodes(ctx context.Context) ([]Node, error) {
	var all []Node
	for page := 1; ; page++ {
		nodes, total, err := c.ListClusterNodes(ctx, page, maxNodesPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, nodes...)
		if len(nodes) < maxNodesPageSize || (total > 0 && len(all) >= total) {
			return all, nil
		}
	}
}

func (c *Client) do(ctx context.Context, endpoint string, payload, out interface{}, authed bool) error {
	err := c.post(ctx, endpoint, payload, out, authed)
	var apiErr *APIError
	if authed && errors.As(err, &apiErr) && (apiErr.Code == CodeAuth || apiErr.Status == http.StatusUnauthorized) && c.username != "" {
		// token expired: log in again and retry once
		if aerr := c.Authenticate(ctx); aerr != nil {
			return aerr
		}
		return c.post(ctx, endpoint, payload, out, authed)
	}
	return err
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out interface{}, authed bool) error {
	if authed {
		c.mu.Lock()
		missing := c.token == ""
		c.mu.Unlock()
		if missing {
			if err := c.Authenticate(ctx); err != nil {
				return err
			}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authed {
		c.mu.Lock()
		req.Header.Set("Authorization", "Bearer "+c.token)
		c.mu.Unlock()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Code: -1, Message: preview(raw), Status: resp.StatusCode}
		}
		return fmt.Errorf("invalid JSON response from platform: %s", preview(raw))
	}
	if resp.StatusCode >= 400 || env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Code: env.Code, Message: msg, Status: resp.StatusCode}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func preview(b []byte) string {
	s := string(b)
	if len(s) > errorPreviewLimit {
		return s[:errorPreviewLimit] + "..."
	}
	return s
}
