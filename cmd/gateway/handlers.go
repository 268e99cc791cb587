package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Vleonone/aeonsage-sub000/pkg/approvals"
	"github.com/Vleonone/aeonsage-sub000/pkg/audit"
	"github.com/Vleonone/aeonsage-sub000/pkg/auth"
	"github.com/Vleonone/aeonsage-sub000/pkg/gates"
	"github.com/Vleonone/aeonsage-sub000/pkg/httpx"
	"github.com/Vleonone/aeonsage-sub000/pkg/killswitch"
	"github.com/Vleonone/aeonsage-sub000/pkg/models"
	"github.com/Vleonone/aeonsage-sub000/pkg/policydoc"
	"github.com/Vleonone/aeonsage-sub000/pkg/policyeval"
	"github.com/Vleonone/aeonsage-sub000/pkg/statebus"
	"github.com/Vleonone/aeonsage-sub000/pkg/stream"
)

func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	var op models.Operation
	if err := httpx.DecodeJSON(r, &op); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil && op.AgentID != "" {
		d := s.RateLimiter.Allow("ops:"+op.AgentID, s.RateLimitPerMinute)
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			httpx.ErrorWithReason(w, 429, "rate limit exceeded", "RATE_LIMITED")
			return
		}
	}

	start := time.Now()
	out, err := s.Eval.Evaluate(r.Context(), op)
	s.Metrics.ObserveEvaluateLatency(time.Since(start))
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			httpx.ErrorWithReason(w, 400, verr.Error(), "VALIDATION_FAILED")
			return
		}
		log.Printf("evaluate: %v", err)
		httpx.Error(w, 500, "evaluation failed")
		return
	}
	s.Metrics.IncVerdict(string(out.Verdict), out.Reason)

	if out.Verdict == policyeval.VerdictPending {
		s.Metrics.IncApprovalState(string(approvals.StatusPending))
		if req, ok := s.Queue.Get(out.RequestID); ok {
			s.Events.Publish(stream.NewEvent(stream.EventApprovalPending, req))
		}
		evt := statebus.NewDecisionEvent(stream.EventApprovalPending, targetKeyForHost(op.Host))
		evt.AgentID = op.AgentID
		evt.RequestID = out.RequestID
		evt.Verdict = string(out.Verdict)
		evt.Reason = out.Reason
		s.publishBus(r.Context(), evt)
		httpx.WriteJSON(w, 202, out)
		return
	}

	rec := audit.Record{
		DecisionID: uuid.New().String(),
		Target:     targetKeyForHost(op.Host),
		AgentID:    op.AgentID,
		GateID:     op.GateID,
		Command:    op.Command,
		Verdict:    string(out.Verdict),
		Reason:     out.Reason,
		CreatedAt:  time.Now().UTC(),
	}
	if out.Report != nil {
		rec.ThreatLevel = string(out.Report.MaxLevel)
		rec.ThreatScore = out.Report.Score
	}
	s.appendAudit(r.Context(), rec)

	evt := statebus.NewDecisionEvent("operation.evaluated", targetKeyForHost(op.Host))
	evt.AgentID = op.AgentID
	evt.Verdict = string(out.Verdict)
	evt.Reason = out.Reason
	s.publishBus(r.Context(), evt)

	httpx.WriteJSON(w, 200, out)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{"requests": s.Queue.Pending()})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.Queue.Get(chi.URLParam(r, "request_id"))
	if !ok {
		httpx.Error(w, 404, "approval request not found")
		return
	}
	httpx.WriteJSON(w, 200, req)
}

type decisionRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	actor := actorFromContext(r.Context())
	kind := approvals.DecisionKind(body.Kind)
	req, err := s.Eval.ApplyDecision(r.Context(), chi.URLParam(r, "request_id"), kind, actor)
	if err != nil {
		switch {
		case errors.Is(err, approvals.ErrBadDecision):
			httpx.Error(w, 400, err.Error())
		case errors.Is(err, approvals.ErrNotFound):
			httpx.Error(w, 404, "approval request not found")
		case errors.Is(err, approvals.ErrAlreadyDecided):
			httpx.ErrorWithReason(w, 409, "approval request already decided", "ALREADY_DECIDED")
		case errors.Is(err, approvals.ErrExpired):
			httpx.ErrorWithReason(w, 410, "approval request expired", "APPROVAL_EXPIRED")
		default:
			log.Printf("decide %s: %v", chi.URLParam(r, "request_id"), err)
			httpx.Error(w, 500, "decision failed")
		}
		return
	}

	verdict := "allow"
	if req.Status == approvals.StatusDenied {
		verdict = "deny"
	}
	s.Metrics.IncApprovalState(string(req.Status))
	s.Events.Publish(stream.NewEvent(stream.EventApprovalDecided, req))
	s.appendAudit(r.Context(), auditRecordFor(req, verdict, reasonForDecision(kind), actor))

	evt := statebus.NewDecisionEvent(stream.EventApprovalDecided, targetKeyForHost(req.Host))
	evt.AgentID = req.AgentID
	evt.RequestID = req.ID
	evt.Verdict = verdict
	evt.Reason = reasonForDecision(kind)
	s.publishBus(r.Context(), evt)

	httpx.WriteJSON(w, 200, req)
}

func reasonForDecision(kind approvals.DecisionKind) string {
	switch kind {
	case approvals.DecideAllowOnce:
		return "APPROVAL_ALLOW_ONCE"
	case approvals.DecideAllowAlways:
		return "APPROVAL_ALLOW_ALWAYS"
	default:
		return "APPROVAL_DENIED"
	}
}

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromQuery(w, r)
	if !ok {
		return
	}
	list, err := s.Gates.List(r.Context(), target)
	if err != nil {
		log.Printf("list gates: %v", err)
		httpx.Error(w, 500, "gate lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"gates": list})
}

type gateEnabledRequest struct {
	Target  string `json:"target,omitempty"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleSetGateEnabled(w http.ResponseWriter, r *http.Request) {
	var body gateEnabledRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	target, err := models.ParseTarget(body.Target)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	gateID := chi.URLParam(r, "gate_id")
	if err := s.Gates.SetEnabled(r.Context(), target, gateID, body.Enabled); err != nil {
		s.writeGateError(w, err)
		return
	}
	s.finishGateUpdate(w, r, target, gateID)
}

type gateActionRequest struct {
	Target string `json:"target,omitempty"`
	Action string `json:"action"`
}

func (s *Server) handleSetGateAction(w http.ResponseWriter, r *http.Request) {
	var body gateActionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	target, err := models.ParseTarget(body.Target)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	action := models.GateAction(body.Action)
	if !action.Valid() {
		httpx.Error(w, 400, "invalid gate action")
		return
	}
	gateID := chi.URLParam(r, "gate_id")
	if err := s.Gates.SetDefaultAction(r.Context(), target, gateID, action); err != nil {
		s.writeGateError(w, err)
		return
	}
	s.finishGateUpdate(w, r, target, gateID)
}

func (s *Server) writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gates.ErrGateUnknown):
		httpx.Error(w, 404, "unknown gate")
	case errors.Is(err, gates.ErrGateLocked):
		httpx.ErrorWithReason(w, 409, "gate is locked", "GATE_LOCKED")
	default:
		log.Printf("gate update: %v", err)
		httpx.Error(w, 500, "gate update failed")
	}
}

func (s *Server) finishGateUpdate(w http.ResponseWriter, r *http.Request, target models.Target, gateID string) {
	gate, err := s.Gates.Get(r.Context(), target, gateID)
	if err != nil {
		log.Printf("gate reload %s: %v", gateID, err)
		httpx.Error(w, 500, "gate lookup failed")
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventGateUpdated, map[string]any{
		"target": target.Key(),
		"gate":   gate,
	}))
	httpx.WriteJSON(w, 200, gate)
}

func (s *Server) handleGetPolicyDocument(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromURL(w, r)
	if !ok {
		return
	}
	view, err := s.Docs.GetDocument(r.Context(), target)
	if err != nil {
		log.Printf("get policy %s: %v", target.Key(), err)
		httpx.Error(w, 500, "policy lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, view)
}

type patchRequest struct {
	Path  []string `json:"path"`
	Value any      `json:"value"`
}

func (s *Server) handlePatchPolicyDocument(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromURL(w, r)
	if !ok {
		return
	}
	var body patchRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.Docs.Patch(r.Context(), target, body.Path, body.Value); err != nil {
		s.writePolicyError(w, target, err)
		return
	}
	s.writePolicyView(w, r, target)
}

type removePathRequest struct {
	Path []string `json:"path"`
}

func (s *Server) handleRemovePolicyPath(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromURL(w, r)
	if !ok {
		return
	}
	var body removePathRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.Docs.RemovePath(r.Context(), target, body.Path); err != nil {
		s.writePolicyError(w, target, err)
		return
	}
	s.writePolicyView(w, r, target)
}

func (s *Server) handleSavePolicyDocument(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromURL(w, r)
	if !ok {
		return
	}
	if err := s.Docs.Save(r.Context(), target); err != nil {
		var verr *policydoc.ValidationError
		if errors.As(err, &verr) {
			httpx.WriteJSON(w, 422, map[string]any{
				"error":    "policy document rejected",
				"problems": verr.Problems,
			})
			return
		}
		log.Printf("save policy %s: %v", target.Key(), err)
		httpx.Error(w, 500, "policy save failed")
		return
	}
	view, err := s.Docs.GetDocument(r.Context(), target)
	if err != nil {
		log.Printf("get policy %s: %v", target.Key(), err)
		httpx.Error(w, 500, "policy lookup failed")
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventPolicyDocSaved, map[string]any{
		"target":  target.Key(),
		"version": view.Version,
	}))
	httpx.WriteJSON(w, 200, view)
}

type removeRuleRequest struct {
	AgentID string `json:"agent_id"`
	Host    string `json:"host"`
	Command string `json:"command"`
}

func (s *Server) handleRemoveAllowRule(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromURL(w, r)
	if !ok {
		return
	}
	var body removeRuleRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.Docs.RemoveRule(r.Context(), target, body.AgentID, body.Host, body.Command); err != nil {
		s.writePolicyError(w, target, err)
		return
	}
	s.writePolicyView(w, r, target)
}

func (s *Server) writePolicyError(w http.ResponseWriter, target models.Target, err error) {
	switch {
	case errors.Is(err, policydoc.ErrBadPath), errors.Is(err, policydoc.ErrPathNotFound):
		httpx.Error(w, 400, err.Error())
	default:
		log.Printf("policy %s: %v", target.Key(), err)
		httpx.Error(w, 500, "policy update failed")
	}
}

func (s *Server) writePolicyView(w http.ResponseWriter, r *http.Request, target models.Target) {
	view, err := s.Docs.GetDocument(r.Context(), target)
	if err != nil {
		log.Printf("get policy %s: %v", target.Key(), err)
		httpx.Error(w, 500, "policy lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, view)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "decision_id"))
	if err != nil {
		httpx.Error(w, 404, "decision record not found")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	records, err := s.Audit.Recent(r.Context(), target, limit)
	if err != nil {
		log.Printf("recent audit: %v", err)
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"records": records})
}

type killSwitchRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var body killSwitchRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.Error(w, 400, err.Error())
			return
		}
	}
	actor := actorFromContext(r.Context())
	rec, err := s.Kill.Activate(r.Context(), actor, body.Reason)
	if err != nil {
		// The in-memory latch flips regardless; persistence failure only
		// weakens restart behavior, so activation still reports success.
		log.Printf("kill switch persist: %v", err)
	}
	s.Metrics.IncKillSwitchActivated()
	s.Events.Publish(stream.NewEvent(stream.EventKillSwitchOn, rec))
	httpx.WriteJSON(w, 200, s.Kill.CurrentStatus())
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Kill.CurrentStatus())
}

type resumeRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

func (s *Server) handleKillSwitchResume(w http.ResponseWriter, r *http.Request) {
	var body resumeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.Error(w, 400, err.Error())
			return
		}
	}
	actor := body.ActorID
	if actor == "" {
		actor = "control"
	}
	if err := s.Kill.Resume(r.Context(), actor); err != nil {
		if errors.Is(err, killswitch.ErrNotActive) {
			httpx.Error(w, 409, "kill switch not active")
			return
		}
		log.Printf("kill switch resume: %v", err)
		httpx.Error(w, 500, "resume failed, latch retained")
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventKillSwitchOff, map[string]string{"actor_id": actor}))
	httpx.WriteJSON(w, 200, s.Kill.CurrentStatus())
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func targetKeyForHost(host string) string {
	return models.TargetForHost(host).Key()
}

func targetFromURL(w http.ResponseWriter, r *http.Request) (models.Target, bool) {
	target, err := models.ParseTarget(chi.URLParam(r, "target"))
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return models.Target{}, false
	}
	return target, true
}

func targetFromQuery(w http.ResponseWriter, r *http.Request) (models.Target, bool) {
	target, err := models.ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return models.Target{}, false
	}
	return target, true
}

func actorFromContext(ctx context.Context) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.Subject != "" {
		return p.Subject
	}
	return "anonymous"
}

func auditRecordFor(req approvals.Request, verdict, reason, actorID string) audit.Record {
	return audit.Record{
		DecisionID:  uuid.New().String(),
		Target:      targetKeyForHost(req.Host),
		AgentID:     req.AgentID,
		GateID:      req.GateID,
		Command:     req.Command,
		Verdict:     verdict,
		Reason:      reason,
		RequestID:   req.ID,
		ThreatLevel: string(req.Report.MaxLevel),
		ThreatScore: req.Report.Score,
		ActorID:     actorID,
		CreatedAt:   time.Now().UTC(),
	}
}

// appendAudit never fails a request over an audit write. The decision has
// already been made; a lost record is logged and the caller moves on.
func (s *Server) appendAudit(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append %s: %v", rec.DecisionID, err)
	}
}

func (s *Server) publishBus(ctx context.Context, evt statebus.DecisionEvent) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, evt); err != nil {
		log.Printf("bus publish %s: %v", evt.Kind, err)
	}
}
