package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/msageha/warden/internal/acl"
	"github.com/msageha/warden/internal/enforce"
	"github.com/msageha/warden/internal/status"
	"github.com/msageha/warden/internal/uds"
	"github.com/msageha/warden/internal/workers"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(uds.PingResult{Status: "ok", PID: os.Getpid()})
	})
	d.server.Handle(uds.CmdStatus, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Report())
	})
	d.server.Handle(uds.CmdCheck, d.handleCheck)
	d.server.Handle(uds.CmdFastCheck, d.handleFastCheck)
	d.server.Handle(uds.CmdWatch, d.handleWatch)
	d.server.Handle(uds.CmdReload, d.handleReload)
	d.server.Handle(uds.CmdShutdown, func(*uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(uds.ShutdownResult{Status: "shutdown_accepted"})
	})
}

// Report snapshots the daemon, its objects and pools.
func (d *Daemon) Report() status.Report {
	r := status.Report{
		Daemon: status.DaemonStatus{
			Running: true,
			PID:     os.Getpid(),
			Started: d.started,
			Version: d.version,
		},
		NoWatch: d.nowatch.List(),
	}
	for _, e := range d.registry.List() {
		r.Objects = append(r.Objects, e.Status())
	}
	r.Pools = d.service.Status()
	bus := d.bus.Status()
	r.Events = &bus
	return r
}

func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, enforce.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, acl.ErrPolicy):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, workers.ErrStopped):
		return uds.ErrorResponse(uds.ErrCodeBusy, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func (d *Daemon) object(req *uds.Request, id string) (*enforce.Engine, *uds.Response) {
	if id == "" {
		return nil, uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("%s: id is required", req.Command))
	}
	e, err := d.registry.Get(id)
	if err != nil {
		return nil, errorResponse(err)
	}
	return e, nil
}

func (d *Daemon) handleCheck(req *uds.Request) *uds.Response {
	var p uds.CheckParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	e, resp := d.object(req, p.ID)
	if resp != nil {
		return resp
	}
	if e.Checking() {
		return uds.ErrorResponse(uds.ErrCodeBusy, fmt.Sprintf("%s: a full check is already running", p.ID))
	}

	if !p.Wait {
		err := d.service.Enqueue(workers.KindFSCheck, workers.Normal, "fullcheck "+p.ID, d.registry.Job(p.ID, func(e *enforce.Engine) error {
			_, err := e.FullCheck(d.ctx, nil)
			return err
		}))
		if err != nil {
			return errorResponse(err)
		}
		return uds.SuccessResponse(uds.CheckResult{Status: "scheduled"})
	}

	rep, err := e.FullCheck(d.ctx, nil)
	if err != nil {
		return errorResponse(err)
	}
	if rep.Rejected {
		return uds.ErrorResponse(uds.ErrCodeBusy, fmt.Sprintf("%s: a full check is already running", p.ID))
	}
	return uds.SuccessResponse(rep)
}

func (d *Daemon) handleFastCheck(req *uds.Request) *uds.Response {
	var p uds.FastCheckParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	e, resp := d.object(req, p.ID)
	if resp != nil {
		return resp
	}
	if p.Path == "" {
		p.Path = e.Root()
	}
	if !e.Contains(p.Path) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("%s is outside %s", p.Path, e.Root()))
	}
	if err := e.ForceFastCheck(p.Path); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(uds.FastCheckResult{Status: "checked", Path: p.Path})
}

func (d *Daemon) handleWatch(req *uds.Request) *uds.Response {
	var p uds.WatchParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	e, resp := d.object(req, p.ID)
	if resp != nil {
		return resp
	}
	err := d.objLocks.With(p.ID, func() error { return e.SetWatched(p.On) })
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(uds.WatchResult{ID: p.ID, Watched: p.On})
}

func (d *Daemon) handleReload(req *uds.Request) *uds.Response {
	var p uds.ObjectParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	e, resp := d.object(req, p.ID)
	if resp != nil {
		return resp
	}
	err := d.objLocks.With(p.ID, func() error { return e.ReloadRules(nil) })
	if err != nil {
		return errorResponse(err)
	}
	rs, err := e.RuleSet()
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(uds.ReloadResult{ID: p.ID, Rules: rs.Name, Source: rs.Source})
}
