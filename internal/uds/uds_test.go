package uds

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/warden/internal/enforce"
)

// shortTempSockPath keeps socket paths under the 104 byte sun_path limit
// some platforms impose.
func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "w-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")
	server := NewServer(sockPath, nil)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_LargePayload(t *testing.T) {
	sockPath := shortTempSockPath(t, "l.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	large := strings.Repeat("x", 1<<20)
	got := make(chan int, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			got <- -1
			return
		}
		var params map[string]string
		_ = json.Unmarshal(req.Params, &params)
		got <- len(params["content"])
		_ = WriteFrame(conn, SuccessResponse(nil))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("large", map[string]string{"content": large})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))
	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1<<20, <-got)
}

func TestReadFrame_TooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = a.Write([]byte{0xff, 0xff, 0xff, 0xff}) }()

	var v any
	err := ReadFrame(b, &v)
	assert.ErrorContains(t, err, "frame too large")
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("nonexistent", nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_HandlerExecution(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdFastCheck, func(req *Request) *Response {
		var p FastCheckParams
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(p)
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	var out FastCheckParams
	require.NoError(t, client.Call(CmdFastCheck, FastCheckParams{ID: "shared", Path: "/srv/shared/a"}, &out))
	assert.Equal(t, FastCheckParams{ID: "shared", Path: "/srv/shared/a"}, out)

	err := client.Call(CmdFastCheck, nil, nil)
	assert.ErrorContains(t, err, "missing params")
}

func TestServer_HandlerPanic(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdStatus, func(*Request) *Response { panic("boom") })
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(map[string]string{"status": "ok"}) })
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.SendCommand(CmdStatus, nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)

	var out map[string]string
	require.NoError(t, client.Call(CmdPing, nil, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(CmdPing, nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)

	_, err := client.Ping()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
	assert.Contains(t, err.Error(), "Start it with: warden daemon")
}

func TestClient_Commands(t *testing.T) {
	server, client, _ := setupTestServer(t)
	var got []Request
	var mu sync.Mutex
	record := func(req *Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, *req)
	}
	server.Handle(CmdPing, func(req *Request) *Response {
		record(req)
		return SuccessResponse(PingResult{Status: "ok", PID: 42})
	})
	server.Handle(CmdCheck, func(req *Request) *Response {
		record(req)
		var p CheckParams
		assert.NoError(t, req.DecodeParams(&p))
		if !p.Wait {
			return SuccessResponse(CheckResult{Status: "scheduled"})
		}
		return SuccessResponse(enforce.Report{ID: p.ID, Checked: 3, Changed: 1})
	})
	server.Handle(CmdFastCheck, func(req *Request) *Response {
		record(req)
		var p FastCheckParams
		assert.NoError(t, req.DecodeParams(&p))
		return SuccessResponse(FastCheckResult{Status: "checked", Path: p.Path})
	})
	server.Handle(CmdWatch, func(req *Request) *Response {
		record(req)
		return ErrorResponse(ErrCodeNotFound, "no such object")
	})
	server.Handle(CmdReload, func(req *Request) *Response {
		record(req)
		return SuccessResponse(ReloadResult{ID: "shared", Rules: "group", Source: "/etc/warden/policies/group.yaml"})
	})
	server.Handle(CmdShutdown, func(req *Request) *Response {
		record(req)
		return SuccessResponse(ShutdownResult{Status: "shutdown_accepted"})
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	pid, err := client.Ping()
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	require.NoError(t, client.Check("shared"))
	rep, err := client.CheckWait("shared")
	require.NoError(t, err)
	assert.Equal(t, "shared", rep.ID)
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, 1, rep.Changed)

	path, err := client.FastCheck("shared", "/srv/shared/a")
	require.NoError(t, err)
	assert.Equal(t, "/srv/shared/a", path)

	err = client.Watch("nope", true)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeNotFound, detail.Code)

	rl, err := client.Reload("shared")
	require.NoError(t, err)
	assert.Equal(t, "group", rl.Rules)

	require.NoError(t, client.Shutdown())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 7)
	assert.JSONEq(t, `{"id":"shared"}`, string(got[1].Params))
	assert.JSONEq(t, `{"id":"shared","wait":true}`, string(got[2].Params))
	assert.JSONEq(t, `{"id":"nope","on":true}`, string(got[4].Params))
	assert.Empty(t, got[6].Params)
}

func TestServer_SocketInUse(t *testing.T) {
	server, client, sockPath := setupTestServer(t)
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(PingResult{Status: "ok"}) })
	require.NoError(t, server.Start())
	defer server.Stop()

	other := NewServer(sockPath, nil)
	err := other.Start()
	assert.ErrorIs(t, err, ErrSocketInUse)

	_, err = client.Ping()
	assert.NoError(t, err, "running server keeps its socket")
}

func TestServer_RejectsUnauthorizedPeer(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are read on linux only")
	}
	server, client, _ := setupTestServer(t)
	var seen int
	server.authorize = func(uid int) bool {
		seen = uid
		return false
	}
	called := false
	server.Handle(CmdShutdown, func(*Request) *Response {
		called = true
		return SuccessResponse(nil)
	})
	require.NoError(t, server.Start())

	err := client.Shutdown()
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodePermission, detail.Code)

	require.NoError(t, server.Stop())
	assert.False(t, called)
	assert.Equal(t, os.Geteuid(), seen)
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle(CmdPing, func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	idle, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer idle.Close()

	time.Sleep(500 * time.Millisecond)
	_ = idle.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = idle.Read(make([]byte, 1))
	assert.Error(t, err, "idle connection is closed by the server")

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_SocketLifecycle(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	require.NoError(t, os.WriteFile(sockPath, nil, 0o644))
	require.NoError(t, server.Start(), "stale socket files are replaced")

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestResponses(t *testing.T) {
	resp := ErrorResponse(ErrCodeNotFound, "no such object")
	assert.False(t, resp.Success)
	assert.EqualError(t, resp.Decode(nil), "NOT_FOUND: no such object")

	resp = SuccessResponse(map[string]int{"count": 42})
	var data map[string]int
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, 42, data["count"])

	assert.Nil(t, SuccessResponse(nil).Data)
}
