package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"jobmesh/internal/cluster"
	"jobmesh/internal/jobs"
	"jobmesh/internal/recurring"
	"jobmesh/internal/server"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// API paths served by a node.
const (
	PathHealth          = "/healthz"
	PathMonitor         = "/monitor"
	PathMonitorState    = "/monitor/state"
	PathJobsProgressive = "/jobs/progressive"
	PathJobsFixed       = "/jobs/fixed"
	PathJobsUnschedule  = "/jobs/unschedule"
)

// UnscheduleRequest removes the jobs of one principal, or of the whole
// tenant when Principal is nil.
type UnscheduleRequest struct {
	Tenant    int64  `json:"tenant"`
	Principal *int64 `json:"principal,omitempty"`
}

// StateView is the GET /monitor/state response. Empty strings mean the key
// is unknown here.
type StateView struct {
	Key     string `json:"key"`
	State   string `json:"state"`
	Trigger string `json:"trigger"`
}

func (a *App) routes(scfg server.Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cluster.TaskPath, cluster.Handler(a.svc, a.members.Secret, a.log.With(logx.String("comp", "cluster.http"))))
	mux.HandleFunc(PathHealth, a.handleHealth)
	mux.HandleFunc(PathMonitor, a.handleMonitor)
	mux.HandleFunc(PathMonitorState, a.handleMonitorState)
	mux.HandleFunc(PathJobsProgressive, a.handleProgressive)
	mux.HandleFunc(PathJobsFixed, a.handleFixed)
	mux.HandleFunc(PathJobsUnschedule, a.handleUnschedule)
	return server.Mount(scfg, mux, PathHealth, cluster.TaskPath)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.sup != nil && a.sup.Context().Err() != nil {
		http.Error(w, "stopping", http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, "ok")
}

func (a *App) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, a.mon.Snapshot(r.Context()))
}

func (a *App) handleMonitorState(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	// Accept either the job key or the trigger key.
	jobKey := strings.TrimPrefix(key, "trg/")
	writeJSON(w, http.StatusOK, StateView{
		Key:     key,
		State:   a.mon.DescribeState(r.Context(), jobKey),
		Trigger: a.mon.DescribeTrigger("trg/" + jobKey),
	})
}

func (a *App) handleProgressive(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req recurring.ProgressiveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.ScheduleProgressive(r.Context(), req); err != nil {
		a.requestFailed(w, "schedule progressive", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": req.Descriptor.Key()})
}

func (a *App) handleFixed(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req recurring.FixedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.ScheduleFixedInterval(r.Context(), req); err != nil {
		a.requestFailed(w, "schedule fixed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": req.Descriptor.Key()})
}

func (a *App) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req UnscheduleRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		err   error
		group string
	)
	if req.Principal != nil {
		group = jobs.PrincipalGroup(req.Tenant, *req.Principal)
		err = a.svc.UnscheduleForPrincipal(r.Context(), req.Tenant, *req.Principal)
	} else {
		group = jobs.TenantGroupPrefix(req.Tenant)
		err = a.svc.UnscheduleForTenant(r.Context(), req.Tenant)
	}
	if err != nil {
		a.requestFailed(w, "unschedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"group": group})
}

func (a *App) requestFailed(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recurring.ErrInvalidTimeout),
		errors.Is(err, recurring.ErrInvalidInterval),
		errors.Is(err, recurring.ErrInvalidProgression),
		errors.Is(err, recurring.ErrUnknownKind),
		errors.Is(err, jobs.ErrInvalidDescriptor),
		errors.Is(err, trigger.ErrInvalidInterval),
		errors.Is(err, trigger.ErrInvalidCron):
		status = http.StatusBadRequest
	}
	if status >= 500 {
		a.log.Warn(op+" failed", logx.Err(err))
	}
	http.Error(w, err.Error(), status)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
