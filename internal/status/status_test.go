package status

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/warden/internal/enforce"
	"github.com/msageha/warden/internal/events"
	"github.com/msageha/warden/internal/uds"
	"github.com/msageha/warden/internal/workers"
)

func sampleReport() Report {
	return Report{
		Daemon: DaemonStatus{Running: true, PID: 4242, Started: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		Objects: []enforce.Status{
			{ID: "shared", Root: "/srv/shared", Watched: true, Installed: true, Watches: 12, FastChecks: 30, Mutations: 4},
			{ID: "archive", Root: "/srv/archive", Watched: false},
		},
		Pools:  []workers.Status{{Kind: workers.KindFSCheck, Instances: 2, Min: 1, Max: 8, Processed: 31}},
		Events: &events.Status{Emitted: 3, Processed: 3, Collectors: []string{"audit"}},
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, sampleReport())
	out := buf.String()

	assert.Contains(t, out, "Daemon: running (pid 4242, since 2026-03-01T08:00:00Z)")
	assert.Contains(t, out, "shared")
	assert.Contains(t, out, "watching")
	assert.Contains(t, out, "nowatch")
	assert.Contains(t, out, "2/1..8")
	assert.Contains(t, out, "collectors: audit")
}

func TestPrint_Stopped(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Report{})
	assert.Equal(t, "Daemon: stopped\n", buf.String())
}

func TestRun_AgainstServer(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "w-status-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	srv := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), nil)
	srv.Handle(uds.CmdStatus, func(*uds.Request) *uds.Response {
		r := sampleReport()
		r.Daemon.Running = false
		return uds.SuccessResponse(r)
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	var buf bytes.Buffer
	require.NoError(t, Run(&buf, dir, true))
	assert.Contains(t, buf.String(), `"running": true`)
	assert.Contains(t, buf.String(), `"id": "shared"`)
}

func TestRun_NoDaemon(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Run(&buf, t.TempDir(), false))
	assert.Equal(t, "Daemon: stopped\n", buf.String())
}
