package main

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/threatpipe/threatpipe/pkg/aggregator"
	"github.com/threatpipe/threatpipe/pkg/event"
	"github.com/threatpipe/threatpipe/pkg/jsonutil"
	"github.com/threatpipe/threatpipe/pkg/reputation"
	"github.com/threatpipe/threatpipe/pkg/thresholds"
)

// api exposes the pipeline over HTTP: telemetry ingestion, verdicts,
// dashboard reads, and administrative mutators.
type api struct {
	orch   *aggregator.Orchestrator
	rep    *reputation.Manager
	thr    *thresholds.Manager
	logger *slog.Logger
}

func newAPI(orch *aggregator.Orchestrator, rep *reputation.Manager, thr *thresholds.Manager, logger *slog.Logger) *api {
	return &api{orch: orch, rep: rep, thr: thr, logger: logger}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/analyze", a.handleAnalyze)
	mux.HandleFunc("POST /v1/queue", a.handleQueue)
	mux.HandleFunc("GET /v1/blacklist/{addr}", a.handleBlacklistGet)
	mux.HandleFunc("POST /v1/blacklist", a.handleBlacklistAdd)
	mux.HandleFunc("DELETE /v1/blacklist/{addr}", a.handleBlacklistRemove)
	mux.HandleFunc("GET /v1/intel", a.handleIntelList)
	mux.HandleFunc("GET /v1/intel/{addr}", a.handleIntelGet)
	mux.HandleFunc("GET /v1/stats", a.handleStats)
	mux.HandleFunc("GET /v1/thresholds", a.handleThresholdList)
	mux.HandleFunc("PUT /v1/thresholds/{id...}", a.handleThresholdUpdate)
	mux.HandleFunc("GET /v1/thresholds-audit", a.handleThresholdAudit)
	mux.HandleFunc("POST /v1/resolve/{id}", a.handleResolve)
	return mux
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonutil.MarshalWrite(w, v); err != nil {
		a.logger.Warn("response write failed", "err", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) decodeEvent(w http.ResponseWriter, r *http.Request) (*event.RequestEvent, bool) {
	var e event.RequestEvent
	if err := jsonutil.UnmarshalRead(r.Body, &e); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request event: "+err.Error())
		return nil, false
	}
	if e.SourceAddr == "" {
		a.writeError(w, http.StatusBadRequest, "source_addr is required")
		return nil, false
	}
	return &e, true
}

func (a *api) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	e, ok := a.decodeEvent(w, r)
	if !ok {
		return
	}
	verdict := a.orch.Analyze(r.Context(), e)
	a.writeJSON(w, http.StatusOK, verdict)
}

func (a *api) handleQueue(w http.ResponseWriter, r *http.Request) {
	e, ok := a.decodeEvent(w, r)
	if !ok {
		return
	}
	if verdict := a.orch.Submit(r.Context(), e); verdict != nil {
		a.writeJSON(w, http.StatusOK, verdict)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *api) handleBlacklistGet(w http.ResponseWriter, r *http.Request) {
	lk := a.orch.IsBlacklisted(r.PathValue("addr"))
	a.writeJSON(w, http.StatusOK, map[string]any{
		"is_blacklisted": lk.IsBlacklisted,
		"entry":          lk.Entry,
	})
}

type blacklistAddRequest struct {
	Address  string `json:"address"`
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
	// DurationMinutes of 0 means permanent.
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes"`
}

func (a *api) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	var req blacklistAddRequest
	if err := jsonutil.UnmarshalRead(r.Body, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Address == "" {
		a.writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	reason := reputation.ReasonManual
	if req.Reason != "" {
		reason = reputation.Reason(req.Reason)
	}
	severity := event.SeverityHigh
	if req.Severity != "" {
		severity = event.Severity(strings.ToLower(req.Severity))
	}
	entry := a.rep.Add(req.Address, reason, severity,
		time.Duration(req.DurationMinutes)*time.Minute, req.Notes, time.Now())
	a.writeJSON(w, http.StatusCreated, entry)
}

func (a *api) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	if !a.rep.Remove(r.PathValue("addr")) {
		a.writeError(w, http.StatusNotFound, "no entry for address")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleIntelList(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.orch.Stats(time.Now()).TopOffenders)
}

func (a *api) handleIntelGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.orch.ThreatIntelligence(r.PathValue("addr"))
	if !ok {
		a.writeError(w, http.StatusNotFound, "no intelligence for address")
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.orch.Stats(time.Now()))
}

func (a *api) handleThresholdList(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.thr.List())
}

type thresholdUpdateRequest struct {
	Value  float64 `json:"value"`
	Actor  string  `json:"actor"`
	Reason string  `json:"reason"`
}

func (a *api) handleThresholdUpdate(w http.ResponseWriter, r *http.Request) {
	var req thresholdUpdateRequest
	if err := jsonutil.UnmarshalRead(r.Body, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	t, err := a.thr.Update(r.PathValue("id"), req.Value, req.Actor, req.Reason)
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

func (a *api) handleThresholdAudit(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.thr.AuditLog())
}

func (a *api) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := jsonutil.UnmarshalRead(r.Body, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := a.orch.ResolveFalsePositive(r.PathValue("id"), req.Reason); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
