package uds

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/msageha/warden/internal/enforce"
)

// ErrDaemonNotRunning is wrapped by requests that cannot reach a daemon.
var ErrDaemonNotRunning = errors.New("daemon is not running")

// Client issues control commands to a daemon. Each command opens its own
// connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout bounds dialing plus the whole request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w at %s (%v). Is the daemon running? Start it with: warden daemon",
			ErrDaemonNotRunning, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("%s: send request: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("%s: read response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends command and decodes a successful response into out. A failed
// response is returned as an *ErrorDetail.
func (c *Client) Call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Ping returns the pid of the daemon.
func (c *Client) Ping() (int, error) {
	var r PingResult
	if err := c.Call(CmdPing, nil, &r); err != nil {
		return 0, err
	}
	return r.PID, nil
}

// Status decodes the daemon report into out.
func (c *Client) Status(out any) error {
	return c.Call(CmdStatus, nil, out)
}

// Check queues a full check of object id.
func (c *Client) Check(id string) error {
	return c.Call(CmdCheck, CheckParams{ID: id}, nil)
}

// CheckWait runs a full check of object id and returns its report. The
// client timeout must cover the whole walk.
func (c *Client) CheckWait(id string) (enforce.Report, error) {
	var rep enforce.Report
	err := c.Call(CmdCheck, CheckParams{ID: id, Wait: true}, &rep)
	return rep, err
}

// FastCheck re-applies the policy of object id to path and returns the
// path the daemon checked. An empty path checks the object root.
func (c *Client) FastCheck(id, path string) (string, error) {
	var r FastCheckResult
	if err := c.Call(CmdFastCheck, FastCheckParams{ID: id, Path: path}, &r); err != nil {
		return "", err
	}
	return r.Path, nil
}

func (c *Client) Watch(id string, on bool) error {
	return c.Call(CmdWatch, WatchParams{ID: id, On: on}, nil)
}

// Reload reloads the policy of object id.
func (c *Client) Reload(id string) (ReloadResult, error) {
	var r ReloadResult
	err := c.Call(CmdReload, ObjectParams{ID: id}, &r)
	return r, err
}

// Shutdown asks the daemon to stop. It returns once the request is
// accepted, not when the daemon has exited.
func (c *Client) Shutdown() error {
	return c.Call(CmdShutdown, nil, nil)
}
