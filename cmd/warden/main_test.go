package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/warden/internal/enforce"
	"github.com/msageha/warden/internal/uds"
)

// fakeDaemon serves the control socket in a short temp state dir and
// records the requests it receives.
type fakeDaemon struct {
	dir string

	mu       sync.Mutex
	requests []*uds.Request
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "w-cli-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	f := &fakeDaemon{dir: dir}
	srv := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), nil)
	record := func(h uds.HandlerFunc) uds.HandlerFunc {
		return func(req *uds.Request) *uds.Response {
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()
			return h(req)
		}
	}
	srv.Handle(uds.CmdCheck, record(func(req *uds.Request) *uds.Response {
		var p uds.CheckParams
		_ = req.DecodeParams(&p)
		if !p.Wait {
			return uds.SuccessResponse(map[string]string{"status": "scheduled"})
		}
		return uds.SuccessResponse(enforce.Report{ID: p.ID, Checked: 12, Changed: 3, Duration: 40 * time.Millisecond})
	}))
	srv.Handle(uds.CmdFastCheck, record(func(req *uds.Request) *uds.Response {
		var p uds.FastCheckParams
		_ = req.DecodeParams(&p)
		if p.Path == "" {
			p.Path = "/srv/shared"
		}
		return uds.SuccessResponse(map[string]string{"status": "checked", "path": p.Path})
	}))
	srv.Handle(uds.CmdWatch, record(func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(nil)
	}))
	srv.Handle(uds.CmdReload, record(func(req *uds.Request) *uds.Response {
		var p uds.ObjectParams
		_ = req.DecodeParams(&p)
		if p.ID != "shared" {
			return uds.ErrorResponse(uds.ErrCodeNotFound, "object "+p.ID+" not found")
		}
		return uds.SuccessResponse(map[string]string{"id": p.ID, "rules": "group", "source": "/etc/warden/group.yaml"})
	}))
	srv.Handle(uds.CmdShutdown, record(func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return f
}

func (f *fakeDaemon) last(t *testing.T) *uds.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stateDirFlag = ""
	_ = checkCmd.Flags().Set("wait", "false")
	_ = statusCmd.Flags().Set("json", "false")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestResolveStateDir_Precedence(t *testing.T) {
	flagDir := t.TempDir()
	envDir := t.TempDir()
	t.Setenv("WARDEN_DIR", envDir)

	got, err := resolveStateDir(flagDir, false)
	require.NoError(t, err)
	assert.Equal(t, flagDir, got)

	got, err = resolveStateDir("", false)
	require.NoError(t, err)
	assert.Equal(t, envDir, got)
}

func TestResolveStateDir_SearchesAncestors(t *testing.T) {
	t.Setenv("WARDEN_DIR", "")
	root := t.TempDir()
	state := filepath.Join(root, stateDirName)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(state, 0o755))
	require.NoError(t, os.MkdirAll(nested, 0o755))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	got, err := resolveStateDir("", false)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(state)
	require.NoError(t, err)
	gotReal, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotReal)
}

func TestResolveStateDir_Missing(t *testing.T) {
	t.Setenv("WARDEN_DIR", "")
	missing := filepath.Join(t.TempDir(), "state")

	_, err := resolveStateDir(missing, false)
	assert.Error(t, err)

	got, err := resolveStateDir(missing, true)
	require.NoError(t, err)
	assert.DirExists(t, got)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = resolveStateDir(file, true)
	assert.ErrorContains(t, err, "not a directory")
}

func TestParseOnOff(t *testing.T) {
	on, err := parseOnOff("on")
	require.NoError(t, err)
	assert.True(t, on)

	on, err = parseOnOff("off")
	require.NoError(t, err)
	assert.False(t, on)

	_, err = parseOnOff("yes")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "warden "+version+"\n", out)
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	out, err := execute(t, "init", dir)
	require.NoError(t, err)
	assert.Equal(t, "initialized "+dir+"\n", out)
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "policies", "group.yaml"))

	_, err = execute(t, "init", dir)
	assert.ErrorContains(t, err, "already exists")
}

func TestCheckCommand(t *testing.T) {
	f := startFakeDaemon(t)

	out, err := execute(t, "--dir", f.dir, "check", "shared")
	require.NoError(t, err)
	assert.Contains(t, out, "full check of shared scheduled")

	out, err = execute(t, "--dir", f.dir, "check", "shared", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "shared: checked 12, changed 3, errors 0, skipped 0")

	var p uds.CheckParams
	require.NoError(t, f.last(t).DecodeParams(&p))
	assert.Equal(t, uds.CheckParams{ID: "shared", Wait: true}, p)
}

func TestFastCheckCommand(t *testing.T) {
	f := startFakeDaemon(t)

	out, err := execute(t, "--dir", f.dir, "fastcheck", "shared")
	require.NoError(t, err)
	assert.Equal(t, "checked /srv/shared\n", out)

	out, err = execute(t, "--dir", f.dir, "fastcheck", "shared", "/srv/shared/docs")
	require.NoError(t, err)
	assert.Equal(t, "checked /srv/shared/docs\n", out)
}

func TestWatchCommand(t *testing.T) {
	f := startFakeDaemon(t)

	out, err := execute(t, "--dir", f.dir, "watch", "shared", "off")
	require.NoError(t, err)
	assert.Equal(t, "shared: watching off\n", out)

	var p uds.WatchParams
	require.NoError(t, f.last(t).DecodeParams(&p))
	assert.Equal(t, uds.WatchParams{ID: "shared", On: false}, p)

	_, err = execute(t, "--dir", f.dir, "watch", "shared", "maybe")
	assert.Error(t, err)
}

func TestReloadCommand(t *testing.T) {
	f := startFakeDaemon(t)

	out, err := execute(t, "--dir", f.dir, "reload", "shared")
	require.NoError(t, err)
	assert.Equal(t, "shared: loaded group from /etc/warden/group.yaml\n", out)

	_, err = execute(t, "--dir", f.dir, "reload", "other")
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)
}

func TestShutdownCommand(t *testing.T) {
	f := startFakeDaemon(t)

	out, err := execute(t, "--dir", f.dir, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "shutdown requested\n", out)
	assert.Equal(t, uds.CmdShutdown, f.last(t).Command)
}

func TestStatusCommand_DaemonStopped(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon: stopped")
}

func TestClientCommand_NoDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "w-cli-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	_, err = execute(t, "--dir", dir, "shutdown")
	assert.ErrorContains(t, err, "Is the daemon running?")
}
