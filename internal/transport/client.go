// Package transport is the HTTP client side of the cluster wire protocol. One
// Client serves the gossip engine, the runner and the CLI; every call names
// the address of the node it talks to.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/orchestrator"
	"github.com/ChuLiYu/cronswarm/internal/runner"
	"github.com/ChuLiYu/cronswarm/internal/swim"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

const maxResponseBytes = 4 << 20

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned %d", e.Code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Message)
}

// Client talks JSON over HTTP to other cronswarm nodes.
type Client struct {
	hc *http.Client
}

// NewClient creates a client. Calls are bounded by their contexts; timeout
// is a backstop for callers that pass none.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{hc: &http.Client{Timeout: timeout}}
}

// ============================================================================
// Gossip
// ============================================================================

func (c *Client) Ping(ctx context.Context, address string, req swim.PingRequest) (swim.PingResponse, error) {
	var resp swim.PingResponse
	err := c.do(ctx, http.MethodPost, address, "/swim/v1/ping", req, &resp)
	return resp, err
}

func (c *Client) IndirectProbe(ctx context.Context, address string, req swim.ProbeRequest) (swim.ProbeResponse, error) {
	var resp swim.ProbeResponse
	err := c.do(ctx, http.MethodPost, address, "/swim/v1/probe", req, &resp)
	return resp, err
}

// ListNodes fetches the membership view of the node at address.
func (c *Client) ListNodes(ctx context.Context, address string, f membership.Filter) ([]types.Node, error) {
	q := url.Values{}
	if f.Tag != "" {
		q.Set("tag", string(f.Tag))
	}
	if f.AliveOnly {
		q.Set("alive_only", strconv.FormatBool(true))
	}
	path := "/swim/v1/nodes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var nodes []types.Node
	err := c.do(ctx, http.MethodGet, address, path, nil, &nodes)
	return nodes, err
}

// Self fetches the local node of the process at address.
func (c *Client) Self(ctx context.Context, address string) (types.Node, error) {
	var n types.Node
	err := c.do(ctx, http.MethodGet, address, "/swim/v1/self", nil, &n)
	return n, err
}

// ============================================================================
// Orchestrator
// ============================================================================

func (c *Client) RequestJobAssignments(ctx context.Context, address string, req orchestrator.AssignmentRequest) ([]types.JobDescription, error) {
	var resp orchestrator.AssignmentResponse
	if err := c.do(ctx, http.MethodPost, address, "/orchestrator/v1/assignments", req, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) RejectJobAssignment(ctx context.Context, address, jobID string) error {
	path := "/orchestrator/v1/assignments/" + url.PathEscape(jobID) + "/reject"
	return c.do(ctx, http.MethodPost, address, path, nil, nil)
}

func (c *Client) SubmitJobResults(ctx context.Context, address string, results []types.JobResult) (int, error) {
	var resp orchestrator.SubmitResponse
	err := c.do(ctx, http.MethodPost, address, "/orchestrator/v1/results/batch", orchestrator.ResultBatch{Results: results}, &resp)
	return resp.Stored, err
}

// ============================================================================
// Runner
// ============================================================================

// RunnerStats fetches the stats of the runner at address.
func (c *Client) RunnerStats(ctx context.Context, address string) (runner.Stats, error) {
	var stats runner.Stats
	err := c.do(ctx, http.MethodGet, address, "/runner/v1/stats", nil, &stats)
	return stats, err
}

// ============================================================================
// helpers
// ============================================================================

func endpoint(address, path string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/") + path
	}
	return "http://" + address + path
}

func (c *Client) do(ctx context.Context, method, address, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint(address, path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: gjson.GetBytes(raw, "error").String()}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
