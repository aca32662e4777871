package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tripwire/detection-engine/internal/anomaly"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/bruteforce"
	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/httputil"
	"tripwire/detection-engine/internal/incident"
	"tripwire/detection-engine/internal/indicator"
	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/ratelimit"
	"tripwire/detection-engine/internal/reputation"
	"tripwire/detection-engine/internal/response"
	"tripwire/detection-engine/internal/signature"
)

const maxBodyBytes = 1 << 20

// Handler wires the detection pipeline to the HTTP surface.
type Handler struct {
	cfg       *config.Config
	validate  *validator.Validate
	scorer    *reputation.Scorer
	attacks   *signature.Detector
	limiter   *ratelimit.Limiter
	brute     *bruteforce.Detector
	agg       *anomaly.Aggregator
	mgr       *incident.Manager
	emergency *response.EmergencyMode
	blocks    *blocklist.Blocklist
	logger    zerolog.Logger
}

func NewHandler(
	cfg *config.Config,
	scorer *reputation.Scorer,
	attacks *signature.Detector,
	limiter *ratelimit.Limiter,
	brute *bruteforce.Detector,
	agg *anomaly.Aggregator,
	mgr *incident.Manager,
	emergency *response.EmergencyMode,
	blocks *blocklist.Blocklist,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		cfg:       cfg,
		validate:  validator.New(),
		scorer:    scorer,
		attacks:   attacks,
		limiter:   limiter,
		brute:     brute,
		agg:       agg,
		mgr:       mgr,
		emergency: emergency,
		blocks:    blocks,
		logger:    logger,
	}
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/inspect", h.handleInspect)
	mux.HandleFunc("POST /v1/events", h.handleEvent)
	mux.HandleFunc("POST /v1/auth", h.handleAuth)
	mux.HandleFunc("GET /v1/incidents", h.handleListIncidents)
	mux.HandleFunc("GET /v1/incidents/{id}", h.handleGetIncident)
	mux.HandleFunc("POST /v1/incidents/{id}/status", h.handleIncidentStatus)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid field: "+verrs[0].Field())
			return false
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

type inspectRequest struct {
	Method  string            `json:"method" validate:"required"`
	Path    string            `json:"path" validate:"required"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body,omitempty"`
	Address string            `json:"address,omitempty" validate:"omitempty,ip"`
	Subject string            `json:"subject,omitempty"`
	Policy  string            `json:"policy,omitempty"`
}

type inspectResponse struct {
	Action     signature.Action `json:"action"`
	IsAttack   bool             `json:"is_attack"`
	Kind       string           `json:"kind,omitempty"`
	Confidence float64          `json:"confidence"`
	Reputation float64          `json:"reputation"`
	Remaining  *int64           `json:"remaining,omitempty"`
	ResetAt    *time.Time       `json:"reset_at,omitempty"`
	IncidentID string           `json:"incident_id,omitempty"`
	Emergency  bool             `json:"emergency"`
}

// handleInspect runs the full request-path battery: block record, rate
// limit, signature inspection, reputation. The strictest outcome wins.
func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req inspectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		req.Address = httputil.ClientIPFromHeaders(r)
	}
	ctx := r.Context()

	out := inspectResponse{Action: signature.ActionAllow, Emergency: h.emergency.Active()}

	if _, blocked := h.blocks.IsBlocked(ctx, req.Address); blocked {
		out.Action = signature.ActionBlock
		metrics.Verdicts.WithLabelValues(string(out.Action)).Inc()
		metrics.InspectDuration.Observe(time.Since(start).Seconds())
		httputil.WriteJSON(w, http.StatusOK, out)
		return
	}

	// Rate limiting counts against the named policy when one applies.
	policyName := req.Policy
	if policyName == "" {
		policyName = "default"
	}
	if policy, ok := h.cfg.RateLimit.Policies[policyName]; ok {
		subject := req.Subject
		if subject == "" {
			subject = req.Address
		}
		res, err := h.limiter.Allow(ctx, subject, policyName, policy)
		if err != nil {
			h.logger.Warn().Err(err).Msg("rate limit check failed, allowing")
		} else {
			out.Remaining = &res.Remaining
			out.ResetAt = &res.ResetAt
			if !res.Allowed {
				out.Action = signature.ActionBlock
			} else if h.limiter.ChallengeRequired(ctx, subject, policyName) {
				out.Action = signature.ActionChallenge
			}
		}
	}

	verdict := h.attacks.Inspect(ctx, signature.Request{
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Body:    req.Body,
		Address: req.Address,
	})
	out.IsAttack = verdict.IsAttack
	out.Kind = string(verdict.Kind)
	out.Confidence = verdict.Confidence
	if stricter(verdict.Action, out.Action) {
		out.Action = verdict.Action
	}

	out.Reputation = h.scorer.Score(ctx, req.Address)
	if out.Reputation > 0.7 && stricter(signature.ActionChallenge, out.Action) {
		out.Action = signature.ActionChallenge
	}

	// Emergency mode floors everything that would pass at challenge.
	if out.Emergency && out.Action == signature.ActionAllow {
		out.Action = signature.ActionChallenge
	}

	if verdict.IsAttack && verdict.Action != signature.ActionAllow {
		sev := indicator.SeverityMedium
		if verdict.Action == signature.ActionBlock {
			sev = indicator.SeverityHigh
		}
		ind := indicator.New(indicator.KindSignature, sev, verdict.Confidence, "signature_matcher",
			"inspected request matched "+string(verdict.Kind)+" signature",
			map[string]any{"address": req.Address, "subject": req.Subject, "path": req.Path})
		if inc, err := h.mgr.OpenIncident(ctx, []*indicator.ThreatIndicator{ind}, nil); err == nil {
			out.IncidentID = inc.ID
		}
	}

	metrics.Verdicts.WithLabelValues(string(out.Action)).Inc()
	metrics.InspectDuration.Observe(time.Since(start).Seconds())
	httputil.WriteJSON(w, http.StatusOK, out)
}

// stricter reports whether a beats b in block > challenge > allow order.
func stricter(a, b signature.Action) bool {
	rank := map[signature.Action]int{signature.ActionAllow: 0, signature.ActionChallenge: 1, signature.ActionBlock: 2}
	return rank[a] > rank[b]
}

type eventRequest struct {
	Subject  string         `json:"subject,omitempty"`
	Address  string         `json:"address,omitempty" validate:"omitempty,ip"`
	Action   string         `json:"action" validate:"required"`
	Resource string         `json:"resource,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Subject == "" && req.Address == "" {
		req.Address = httputil.ClientIPFromHeaders(r)
	}

	inds, inc, err := h.agg.Process(r.Context(), anomaly.Event{
		Subject:  req.Subject,
		Address:  req.Address,
		Action:   req.Action,
		Resource: req.Resource,
		Context:  req.Context,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("event aggregation failed")
		httputil.WriteError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	resp := map[string]any{"indicators": len(inds)}
	if inc != nil {
		resp["incident_id"] = inc.ID
		resp["severity"] = inc.Severity
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type authRequest struct {
	Kind       string `json:"kind,omitempty"`
	Identifier string `json:"identifier" validate:"required"`
	Address    string `json:"address,omitempty" validate:"omitempty,ip"`
	Success    bool   `json:"success"`
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = "login"
	}
	if req.Address == "" {
		req.Address = httputil.ClientIPFromHeaders(r)
	}
	ctx := r.Context()

	if req.Success {
		if err := h.brute.RecordSuccess(ctx, req.Kind, req.Identifier); err != nil {
			h.logger.Warn().Err(err).Msg("failure counter reset failed")
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"escalated": false})
		return
	}

	res, err := h.brute.RecordFailure(ctx, req.Kind, req.Identifier, req.Address)
	if err != nil {
		h.logger.Error().Err(err).Msg("failure tracking failed")
		httputil.WriteError(w, http.StatusInternalServerError, "failure tracking failed")
		return
	}

	resp := map[string]any{"count": res.Count, "escalated": res.Escalated}
	if res.Escalated {
		ind := h.brute.Indicator(req.Kind, req.Identifier, req.Address, res.Count)
		if inc, err := h.mgr.OpenIncident(ctx, []*indicator.ThreatIndicator{ind}, nil); err == nil {
			resp["incident_id"] = inc.ID
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListIncidents(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"incidents": h.mgr.List()})
}

func (h *Handler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := h.mgr.Get(r.Context(), r.PathValue("id"))
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "incident not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inc)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=investigating contained resolved"`
	Actor  string `json:"actor,omitempty"`
}

// handleIncidentStatus is the operator path for contain/resolve; the
// forward-only transition rules are enforced by the manager.
func (h *Handler) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	id := r.PathValue("id")
	if _, ok := h.mgr.Get(r.Context(), id); !ok {
		httputil.WriteError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err := h.mgr.Transition(r.Context(), id, incident.Status(req.Status), req.Actor); err != nil {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	inc, _ := h.mgr.Get(r.Context(), id)
	httputil.WriteJSON(w, http.StatusOK, inc)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"emergency": h.emergency.Active(),
	})
}
