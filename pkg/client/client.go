// Package client is the Go client for the orchestration RPC surface. It
// speaks the JSON envelope at POST /v1/rpc and maps error replies back to
// errs kinds, so callers can branch with errs.Is the same way server code
// does.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/logs"
	"github.com/cuemby/foundry/pkg/rpc"
	"github.com/cuemby/foundry/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to one orchestration endpoint. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, e.g. for custom TLS or
// test transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the given base URL, e.g. "http://localhost:9636".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	ID   string `json:"id"`
	Body any    `json:"body"`
}

type replyEnvelope struct {
	Body  json.RawMessage `json:"body"`
	Error *struct {
		Code          errs.Kind `json:"code"`
		Message       string    `json:"message"`
		CorrelationID string    `json:"correlation_id"`
	} `json:"error"`
}

// call posts one envelope and decodes the body reply into out. Error
// replies come back as *errs.Error carrying the server's kind.
func (c *Client) call(ctx context.Context, op string, req, out any) error {
	raw, err := json.Marshal(envelope{ID: op, Body: req})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/rpc", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errs.Wrap(err, errs.KindUpstreamUnavailable, "%s request failed", op)
	}
	defer resp.Body.Close()

	var reply replyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("failed to decode %s reply (status %d): %w", op, resp.StatusCode, err)
	}
	if reply.Error != nil {
		e := reply.Error
		if e.CorrelationID != "" {
			return errs.New(e.Code, "%s (correlation_id %s)", e.Message, e.CorrelationID)
		}
		return errs.New(e.Code, "%s", e.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", op, err)
	}
	return nil
}

// JobGroupSpec requests a rebuild of origin/name and its dependents.
func (c *Client) JobGroupSpec(ctx context.Context, origin, name string, target types.Target, requester string) (*rpc.JobGroupSpecResponse, error) {
	var resp rpc.JobGroupSpecResponse
	err := c.call(ctx, "JobGroupSpec", rpc.JobGroupSpecRequest{
		Origin:    origin,
		Package:   name,
		Target:    string(target),
		Requester: requester,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobGroupGet fetches a group, with its entries when includeProjects is set.
func (c *Client) JobGroupGet(ctx context.Context, groupID int64, includeProjects bool) (*rpc.JobGroupGetResponse, error) {
	var resp rpc.JobGroupGetResponse
	err := c.call(ctx, "JobGroupGet", rpc.JobGroupGetRequest{
		GroupID:         groupID,
		IncludeProjects: includeProjects,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobGroupOriginGet lists an origin's most recent groups.
func (c *Client) JobGroupOriginGet(ctx context.Context, origin string, limit int) ([]*types.Group, error) {
	var resp struct {
		Groups []*types.Group `json:"groups"`
	}
	err := c.call(ctx, "JobGroupOriginGet", rpc.JobGroupOriginGetRequest{
		Origin: origin,
		Limit:  limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// JobGroupCancel asks the scheduler to cancel a group. Cancellation of
// running jobs is asynchronous; poll JobGroupGet for the terminal state.
func (c *Client) JobGroupCancel(ctx context.Context, groupID int64, requester string) error {
	return c.call(ctx, "JobGroupCancel", rpc.JobGroupCancelRequest{
		GroupID:   groupID,
		Requester: requester,
	}, nil)
}

// JobGet fetches one job.
func (c *Client) JobGet(ctx context.Context, jobID int64) (*types.Job, error) {
	var resp struct {
		Job *types.Job `json:"job"`
	}
	if err := c.call(ctx, "JobGet", rpc.JobGetRequest{JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// JobLogGet pages through a job's log from line offset start. color keeps
// ANSI escape sequences in the output.
func (c *Client) JobLogGet(ctx context.Context, jobID, start int64, color bool) (*logs.Fetched, error) {
	var resp logs.Fetched
	err := c.call(ctx, "JobLogGet", rpc.JobLogGetRequest{
		JobID: jobID,
		Start: start,
		Color: color,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReverseDependencies lists the fully-qualified idents that depend on
// origin/name, directly or transitively.
func (c *Client) ReverseDependencies(ctx context.Context, origin, name string, target types.Target) ([]string, error) {
	var resp struct {
		Rdeps []string `json:"rdeps"`
	}
	err := c.call(ctx, "JobGraphPackageReverseDependenciesGet", rpc.RdepsRequest{
		Origin: origin,
		Name:   name,
		Target: string(target),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Rdeps, nil
}

// ReverseDependenciesGrouped returns the reverse dependencies arranged in
// build waves.
func (c *Client) ReverseDependenciesGrouped(ctx context.Context, origin, name string, target types.Target) ([]rpc.RdepsGroup, error) {
	var resp struct {
		Groups []rpc.RdepsGroup `json:"groups"`
	}
	err := c.call(ctx, "JobGraphPackageReverseDependenciesGroupedGet", rpc.RdepsRequest{
		Origin: origin,
		Name:   name,
		Target: string(target),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// PackagePreCreate validates an upload against the dependency graph without
// committing it. A KindCircularDependency error means the record would
// close a runtime cycle.
func (c *Client) PackagePreCreate(ctx context.Context, upload rpc.PackageUpload) error {
	return c.call(ctx, "JobGraphPackagePreCreate", upload, nil)
}

// PackageCreate persists an upload and folds it into the live graph.
func (c *Client) PackageCreate(ctx context.Context, upload rpc.PackageUpload) error {
	return c.call(ctx, "JobGraphPackageCreate", upload, nil)
}
