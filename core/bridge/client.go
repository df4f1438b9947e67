package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kerrors "kestrel/core/errors"
	"kestrel/core/kernel"
	"kestrel/core/lifecycle"
	"kestrel/core/scheduler"

	"github.com/nats-io/nats.go"
)

// Client issues control requests to a host's bridge server.
type Client struct {
	nc        *nats.Conn
	subject   string
	timeout   time.Duration
	principal *PrincipalInfo
}

// NewClient returns a client for the host listening under prefix.
func NewClient(nc *nats.Conn, prefix string, timeout time.Duration) *Client {
	if prefix == "" {
		prefix = "kestrel"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: nc, subject: controlSubject(prefix), timeout: timeout}
}

// WithPrincipal returns a copy of the client that identifies as p.
func (c *Client) WithPrincipal(p PrincipalInfo) *Client {
	cp := *c
	cp.principal = &p
	return &cp
}

// Do sends req and returns the decoded response.
func (c *Client) Do(ctx context.Context, req ControlRequest) (*ControlResponse, error) {
	if req.Principal == nil {
		req.Principal = c.principal
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, kerrors.Timeout("no answer on %s within %s: %v", c.subject, c.timeout, err)
		}
		return nil, kerrors.Wrap(err, "control request on "+c.subject)
	}
	var resp ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, kerrors.Wrap(err, "decode control response")
	}
	return &resp, nil
}

// Call runs command and decodes the result into out when out is non-nil. A
// remote failure is returned as *ErrorDetail.
func (c *Client) Call(ctx context.Context, command, component string, out interface{}) error {
	resp, err := c.Do(ctx, ControlRequest{Command: command, Component: component})
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error == nil {
			return &ErrorDetail{Code: CodeInternal, Message: "request failed without detail"}
		}
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *Client) Status(ctx context.Context) (kernel.Status, error) {
	var st kernel.Status
	err := c.Call(ctx, CommandStatus, "", &st)
	return st, err
}

func (c *Client) Components(ctx context.Context) ([]lifecycle.Info, error) {
	var infos []lifecycle.Info
	err := c.Call(ctx, CommandComponents, "", &infos)
	return infos, err
}

func (c *Client) Processes(ctx context.Context) ([]scheduler.ProcessInfo, error) {
	var procs []scheduler.ProcessInfo
	err := c.Call(ctx, CommandProcesses, "", &procs)
	return procs, err
}

func (c *Client) Pause(ctx context.Context) error    { return c.Call(ctx, CommandPause, "", nil) }
func (c *Client) Resume(ctx context.Context) error   { return c.Call(ctx, CommandResume, "", nil) }
func (c *Client) Shutdown(ctx context.Context) error { return c.Call(ctx, CommandShutdown, "", nil) }

func (c *Client) Enable(ctx context.Context, name string) error {
	return c.Call(ctx, CommandEnable, name, nil)
}

func (c *Client) Disable(ctx context.Context, name string) error {
	return c.Call(ctx, CommandDisable, name, nil)
}
