// Package status renders the daemon status report for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/warden/internal/enforce"
	"github.com/msageha/warden/internal/events"
	"github.com/msageha/warden/internal/uds"
	"github.com/msageha/warden/internal/workers"
)

// Report is the payload of the status command.
type Report struct {
	Daemon  DaemonStatus     `json:"daemon"`
	Objects []enforce.Status `json:"objects,omitempty"`
	Pools   []workers.Status `json:"pools,omitempty"`
	Events  *events.Status   `json:"events,omitempty"`
	NoWatch []string         `json:"nowatch,omitempty"`
}

type DaemonStatus struct {
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Started time.Time `json:"started,omitempty"`
	Version string    `json:"version,omitempty"`
}

// Fetch asks the daemon in stateDir for its report. A daemon that cannot
// be reached yields a stopped report and no error.
func Fetch(stateDir string) Report {
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	var r Report
	if err := client.Status(&r); err != nil {
		return Report{}
	}
	r.Daemon.Running = true
	return r
}

// Run prints the status of the daemon in stateDir.
func Run(w io.Writer, stateDir string, jsonOutput bool) error {
	r := Fetch(stateDir)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Print(w, r)
	return nil
}

// Print writes r as text tables.
func Print(w io.Writer, r Report) {
	if !r.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d, since %s)\n", r.Daemon.PID, r.Daemon.Started.Format(time.RFC3339))

	if len(r.Objects) > 0 {
		fmt.Fprintln(w, "\nObjects:")
		fmt.Fprintf(w, "  %-16s  %-8s  %7s  %8s  %9s  %7s  %s\n",
			"ID", "STATE", "WATCHES", "CHECKS", "MUTATIONS", "ERRORS", "ROOT")
		for _, o := range r.Objects {
			fmt.Fprintf(w, "  %-16s  %-8s  %7d  %8d  %9d  %7d  %s\n",
				o.ID, objectState(o), o.Watches, o.FastChecks, o.Mutations, o.Failures, o.Root)
		}
	} else {
		fmt.Fprintln(w, "\nObjects: none")
	}

	if len(r.Pools) > 0 {
		fmt.Fprintln(w, "\nPools:")
		fmt.Fprintf(w, "  %-10s  %9s  %4s  %5s  %9s  %6s\n", "KIND", "WORKERS", "BUSY", "DEPTH", "PROCESSED", "FAILED")
		for _, p := range r.Pools {
			fmt.Fprintf(w, "  %-10s  %9s  %4d  %5d  %9d  %6d\n",
				p.Kind, fmt.Sprintf("%d/%d..%d", p.Instances, p.Min, p.Max), p.Busy, p.Depth, p.Processed, p.Failed)
		}
	}

	if r.Events != nil {
		fmt.Fprintf(w, "\nEvents: %d emitted, %d processed, %d queued, %d delayed",
			r.Events.Emitted, r.Events.Processed, r.Events.Queued, r.Events.Delayed)
		if len(r.Events.Collectors) > 0 {
			fmt.Fprintf(w, ", collectors: %s", strings.Join(r.Events.Collectors, ", "))
		}
		fmt.Fprintln(w)
	}
}

func objectState(o enforce.Status) string {
	switch {
	case o.Checking:
		return "checking"
	case !o.Watched:
		return "nowatch"
	case !o.Installed:
		return "idle"
	default:
		return "watching"
	}
}
