package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/infiligence/governed-rag/internal/audit"
	"github.com/infiligence/governed-rag/internal/auth"
	"github.com/infiligence/governed-rag/internal/config"
	"github.com/infiligence/governed-rag/internal/models"
	"github.com/infiligence/governed-rag/internal/policy"
	"github.com/infiligence/governed-rag/internal/redact"
	"github.com/infiligence/governed-rag/internal/repository"
	"github.com/infiligence/governed-rag/internal/retriever"
	"github.com/infiligence/governed-rag/internal/session"
	"github.com/infiligence/governed-rag/internal/synthesizer"
	"github.com/infiligence/governed-rag/internal/telemetry"
)

var zerologBurstSampler = zerolog.BurstSampler{Burst: 5, Period: time.Minute}

// Handlers binds the HTTP surface to the internal components.
type Handlers struct {
	cfg       *config.Config
	store     repository.Store
	tokens    *auth.TokenManager
	sessions  session.Store
	retriever *retriever.Retriever
	policy    retriever.Evaluator
	redactor  *redact.Redactor
	ledger    *audit.Ledger
	telemetry *telemetry.Provider
}

// NewHandlers creates a Handlers instance from the router dependencies.
func NewHandlers(cfg *config.Config, deps *RouterDeps) *Handlers {
	return &Handlers{
		cfg:       cfg,
		store:     deps.Store,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		retriever: deps.Retriever,
		policy:    deps.Policy,
		redactor:  deps.Redactor,
		ledger:    deps.Ledger,
		telemetry: deps.Telemetry,
	}
}

// claims returns the verified token claims set by AuthMiddleware.
func claims(c *gin.Context) *auth.Claims {
	raw, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	cl, _ := raw.(*auth.Claims)
	return cl
}

// loadCallerSubject resolves the token to a stored subject and composes the
// live mfa_satisfied attribute from the session store.
func (h *Handlers) loadCallerSubject(c *gin.Context) (*models.Subject, bool) {
	cl := claims(c)
	if cl == nil || cl.Subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}

	subject, err := h.store.LoadSubject(c.Request.Context(), cl.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		} else {
			log.Error().Err(err).Str("subject", cl.Subject).Msg("failed to load subject")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retriable": true})
		}
		return nil, false
	}

	satisfied, err := h.sessions.Satisfied(c.Request.Context(), subject.ID)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject.ID).Msg("session read failed, treating step-up as unsatisfied")
		satisfied = false
	}
	subject.Attrs.MFASatisfied = satisfied
	return subject, true
}

// emit appends an audit record, logging rather than failing the request if
// the ledger write cannot complete after the response path is committed.
func (h *Handlers) emit(ctx context.Context, ev audit.Event) {
	if _, err := h.ledger.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("actor", ev.Actor).Str("action", string(ev.Action)).Msg("audit emit failed")
		return
	}
	if h.telemetry != nil {
		h.telemetry.RecordAudit(ctx, string(ev.Action))
	}
}

func queryHash(q string) string {
	sum := sha256.Sum256([]byte(q))
	return hex.EncodeToString(sum[:8])
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// Health reports store reachability.
func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// -----------------------------------------------------------------------------
// Token issuance
// -----------------------------------------------------------------------------

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// IssueToken signs a bearer token for a known subject. This endpoint stands
// in for the identity provider in self-contained deployments.
func (h *Handlers) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	subject, err := h.store.LoadSubject(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown subject"})
			return
		}
		log.Error().Err(err).Str("subject", req.UserID).Msg("failed to load subject for token")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retriable": true})
		return
	}

	token, err := h.tokens.Issue(subject)
	if err != nil {
		log.Error().Err(err).Str("subject", subject.ID).Msg("token issuance failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.tokens.TTL().Seconds()),
	})
}

// -----------------------------------------------------------------------------
// Search
// -----------------------------------------------------------------------------

type searchRequest struct {
	Query       string `json:"query" binding:"required"`
	TopK        int    `json:"top_k"`
	MinEvidence *int   `json:"min_evidence"`
}

type fragmentView struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

type decisionView struct {
	FragmentID string `json:"fragment_id"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

// Search runs the governed retrieval pipeline for one query.
func (h *Handlers) Search(c *gin.Context) {
	subject, ok := h.loadCallerSubject(c)
	if !ok {
		return
	}

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emit(c.Request.Context(), audit.Event{
			Actor: subject.ID, Action: models.AuditQueryIssued, ObjectType: "query",
			Decision: "rejected", Reason: "invalid input",
			Metadata: map[string]any{"error": "schema validation failed"},
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if req.TopK == 0 {
		req.TopK = h.cfg.DefaultTopK
	}
	if req.TopK < 1 || req.TopK > 50 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "top_k must be in [1, 50]"})
		return
	}
	minEvidence := h.cfg.DefaultMinEvidence
	if req.MinEvidence != nil {
		if *req.MinEvidence < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_evidence must be >= 0"})
			return
		}
		minEvidence = *req.MinEvidence
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestDeadline())
	defer cancel()

	h.emit(ctx, audit.Event{
		Actor: subject.ID, Action: models.AuditQueryIssued, ObjectType: "query",
		Decision: "issued",
		Metadata: map[string]any{
			"query_hash":   queryHash(req.Query),
			"top_k":        req.TopK,
			"min_evidence": minEvidence,
		},
	})

	result, err := h.retrieveWithRetry(ctx, subject, req.Query, models.ActionRead, req.TopK, minEvidence)
	if err != nil {
		h.respondRetrieveError(c, err)
		return
	}

	h.emitDecisions(ctx, subject.ID, result.Decisions)

	counts := countDecisions(result.Decisions)

	// Every candidate collapsed at the policy boundary: the engine is down,
	// not the caller forbidden. 503 lets clients retry.
	if len(result.Decisions) > 0 && counts.denied == len(result.Decisions) && allPolicyUnavailable(result.Decisions) {
		h.emit(ctx, audit.Event{
			Actor: subject.ID, Action: models.AuditResultReturned, ObjectType: "query",
			Decision: "error", Reason: policy.ReasonPolicyUnavailable,
			Metadata: counts.metadata(),
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": policy.ReasonPolicyUnavailable, "retriable": true})
		return
	}

	if result.StepUpRequired {
		h.emit(ctx, audit.Event{
			Actor: subject.ID, Action: models.AuditStepUpRequired, ObjectType: "query",
			Decision: string(models.DecisionStepUp),
			Metadata: map[string]any{"query_hash": queryHash(req.Query)},
		})
	}

	// Candidates existed and every one was denied outright.
	if len(result.Decisions) > 0 && counts.allowed == 0 && !result.StepUpRequired {
		h.emit(ctx, audit.Event{
			Actor: subject.ID, Action: models.AuditResultReturned, ObjectType: "query",
			Decision: "forbidden", Metadata: counts.metadata(),
		})
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "access denied for all matching fragments",
			"decisions": decisionViews(result.Decisions),
			"counts":    counts.view(),
		})
		return
	}

	shown := h.suppressExportDenied(ctx, subject, result.Fragments)
	redacted, redactionApplied := h.redactFragments(ctx, subject.ID, shown)

	// The synthesizer only ever sees masked text.
	response := synthesizer.Compose(req.Query, redacted, result.InsufficientEvidence)

	h.emit(ctx, audit.Event{
		Actor: subject.ID, Action: models.AuditResultReturned, ObjectType: "query",
		Decision: "returned", Metadata: counts.metadata(),
	})
	if h.telemetry != nil {
		h.telemetry.RecordQuery(ctx, subject.Tenant, result.InsufficientEvidence)
	}

	c.JSON(http.StatusOK, gin.H{
		"response":              response,
		"fragments":             fragmentViews(redacted),
		"decisions":             decisionViews(result.Decisions),
		"redaction_applied":     redactionApplied,
		"insufficient_evidence": result.InsufficientEvidence,
		"step_up_required":      result.StepUpRequired,
		"counts":                counts.view(),
	})
}

// retrieveWithRetry retries the pipeline once on a transient store failure.
func (h *Handlers) retrieveWithRetry(ctx context.Context, subject *models.Subject, query string, action models.Action, topK, minEvidence int) (*retriever.Result, error) {
	result, err := h.retriever.Retrieve(ctx, subject, query, action, topK, minEvidence)
	if err != nil && errors.Is(err, models.ErrStoreUnavailable) && ctx.Err() == nil {
		result, err = h.retriever.Retrieve(ctx, subject, query, action, topK, minEvidence)
	}
	return result, err
}

func (h *Handlers) respondRetrieveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retriable": true})
	default:
		correlationID := models.NewEventID()
		log.Error().Err(err).Str("correlation_id", correlationID).Msg("retrieval failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "correlation_id": correlationID})
	}
}

// emitDecisions writes exactly one PDP_DECISION per evaluated candidate.
func (h *Handlers) emitDecisions(ctx context.Context, actor string, decisions []retriever.FragmentDecision) {
	for _, fd := range decisions {
		h.emit(ctx, audit.Event{
			Actor:      actor,
			Action:     models.AuditPDPDecision,
			ObjectID:   fd.Candidate.FragmentID,
			ObjectType: "fragment",
			Decision:   string(fd.Decision.Kind),
			Reason:     fd.Decision.Reason,
			Metadata: map[string]any{
				"rule_id":    fd.Decision.RuleID,
				"label":      string(fd.Candidate.Label),
				"similarity": fd.Candidate.Similarity,
			},
		})
		if h.telemetry != nil {
			h.telemetry.RecordDecision(ctx, string(fd.Decision.Kind), 0)
		}
	}
}

// suppressExportDenied drops Regulated fragments whose export sub-decision is
// DENY. Such fragments never reach the redactor at all. The sub-decision is
// not a per-candidate PDP_DECISION event; those stay exactly-once for the
// request's read evaluations.
func (h *Handlers) suppressExportDenied(ctx context.Context, subject *models.Subject, fragments []models.FragmentCandidate) []models.FragmentCandidate {
	out := make([]models.FragmentCandidate, 0, len(fragments))
	for _, f := range fragments {
		if f.Label == models.LabelRegulated {
			if d := h.policy.Evaluate(ctx, subject, &f, models.ActionExport); d.Kind == models.DecisionDeny {
				log.Debug().
					Str("subject", subject.ID).
					Str("fragment", f.FragmentID).
					Str("reason", d.Reason).
					Msg("regulated fragment suppressed on export sub-decision")
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// redactFragments masks each allowed fragment and audits applied redactions.
// The returned candidates carry masked text only.
func (h *Handlers) redactFragments(ctx context.Context, actor string, fragments []models.FragmentCandidate) ([]models.FragmentCandidate, bool) {
	redacted := make([]models.FragmentCandidate, len(fragments))
	copy(redacted, fragments)
	applied := false
	for i := range redacted {
		res := h.redactor.Redact(redacted[i].Text, redacted[i].Label)
		if res.Changed {
			applied = true
			h.emit(ctx, audit.Event{
				Actor:      actor,
				Action:     models.AuditRedactionApplied,
				ObjectID:   redacted[i].FragmentID,
				ObjectType: "fragment",
				Decision:   "redacted",
				Metadata:   map[string]any{"patterns_matched": res.PatternsMatched},
			})
			if h.telemetry != nil {
				h.telemetry.RecordRedaction(ctx, res.PatternsMatched)
			}
		}
		redacted[i].Text = res.Text
	}
	return redacted, applied
}

func fragmentViews(fragments []models.FragmentCandidate) []fragmentView {
	views := make([]fragmentView, len(fragments))
	for i, f := range fragments {
		views[i] = fragmentView{
			ID:         f.FragmentID,
			Text:       f.Text,
			Label:      string(f.Label),
			Similarity: f.Similarity,
		}
	}
	return views
}

type decisionCounts struct {
	allowed int
	denied  int
	stepUp  int
}

func countDecisions(decisions []retriever.FragmentDecision) decisionCounts {
	var c decisionCounts
	for _, fd := range decisions {
		switch fd.Decision.Kind {
		case models.DecisionAllow:
			c.allowed++
		case models.DecisionDeny:
			c.denied++
		case models.DecisionStepUp:
			c.stepUp++
		}
	}
	return c
}

func (c decisionCounts) view() gin.H {
	return gin.H{"allowed": c.allowed, "denied": c.denied, "step_up": c.stepUp}
}

func (c decisionCounts) metadata() map[string]any {
	return map[string]any{
		"allowed_count": c.allowed,
		"denied_count":  c.denied,
		"step_up_count": c.stepUp,
	}
}

func allPolicyUnavailable(decisions []retriever.FragmentDecision) bool {
	for _, fd := range decisions {
		if fd.Decision.Kind != models.DecisionDeny || fd.Decision.Reason != policy.ReasonPolicyUnavailable {
			return false
		}
	}
	return len(decisions) > 0
}

func decisionViews(decisions []retriever.FragmentDecision) []decisionView {
	out := make([]decisionView, len(decisions))
	for i, fd := range decisions {
		out[i] = decisionView{
			FragmentID: fd.Candidate.FragmentID,
			Decision:   string(fd.Decision.Kind),
			Reason:     fd.Decision.Reason,
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Step-up
// -----------------------------------------------------------------------------

type stepUpRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	SecondFactor string `json:"second_factor" binding:"required"`
}

// StepUp records a successful second-factor assertion for the caller.
func (h *Handlers) StepUp(c *gin.Context) {
	subject, ok := h.loadCallerSubject(c)
	if !ok {
		return
	}

	var req stepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and second_factor are required"})
		return
	}
	if req.UserID != subject.ID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token subject mismatch"})
		return
	}
	if len(req.SecondFactor) < 6 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "second factor rejected"})
		return
	}

	ttl := h.cfg.StepUpTTL()
	if err := h.sessions.Assert(c.Request.Context(), subject.ID, ttl); err != nil {
		log.Error().Err(err).Str("subject", subject.ID).Msg("step-up assertion failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable", "retriable": true})
		return
	}

	h.emit(c.Request.Context(), audit.Event{
		Actor: subject.ID, Action: models.AuditStepUpOK, ObjectType: "session",
		Decision: "asserted",
		Metadata: map[string]any{"ttl_seconds": int(ttl.Seconds())},
	})

	c.JSON(http.StatusOK, gin.H{"ok": true, "expires_in": int(ttl.Seconds())})
}

// -----------------------------------------------------------------------------
// Export
// -----------------------------------------------------------------------------

type exportRequest struct {
	Query  string `json:"query" binding:"required"`
	Format string `json:"format"`
}

// Export runs the pipeline under the export action and returns an artifact
// when policy admits it.
func (h *Handlers) Export(c *gin.Context) {
	subject, ok := h.loadCallerSubject(c)
	if !ok {
		return
	}

	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	switch req.Format {
	case "":
		req.Format = "json"
	case "json", "csv":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or csv"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestDeadline())
	defer cancel()

	// allow_export gates the whole path before the retriever is invoked.
	if !subject.Attrs.AllowExport {
		h.emit(ctx, audit.Event{
			Actor: subject.ID, Action: models.AuditExportDenied, ObjectType: "query",
			Decision: string(models.DecisionDeny), Reason: "export-not-permitted",
			Metadata: map[string]any{"query_hash": queryHash(req.Query)},
		})
		c.JSON(http.StatusForbidden, gin.H{"decision": "denied", "error": "export not permitted"})
		return
	}

	h.emit(ctx, audit.Event{
		Actor: subject.ID, Action: models.AuditExportAttempted, ObjectType: "query",
		Decision: "attempted",
		Metadata: map[string]any{"query_hash": queryHash(req.Query), "format": req.Format},
	})

	result, err := h.retrieveWithRetry(ctx, subject, req.Query, models.ActionExport, h.cfg.DefaultTopK, h.cfg.DefaultMinEvidence)
	if err != nil {
		h.respondRetrieveError(c, err)
		return
	}

	h.emitDecisions(ctx, subject.ID, result.Decisions)

	if len(result.Fragments) == 0 {
		h.emit(ctx, audit.Event{
			Actor: subject.ID, Action: models.AuditExportDenied, ObjectType: "query",
			Decision: string(models.DecisionDeny), Reason: "no exportable fragments",
			Metadata: countDecisions(result.Decisions).metadata(),
		})
		c.JSON(http.StatusForbidden, gin.H{"decision": "denied", "error": "no exportable fragments"})
		return
	}

	// Export-denied fragments never reach this point; redact the survivors.
	redacted, _ := h.redactFragments(ctx, subject.ID, result.Fragments)

	var artifact string
	switch req.Format {
	case "csv":
		artifact, err = synthesizer.ExportCSV(redacted)
	default:
		artifact, err = synthesizer.ExportJSON(redacted)
	}
	if err != nil {
		log.Error().Err(err).Msg("export artifact build failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.emit(ctx, audit.Event{
		Actor: subject.ID, Action: models.AuditExportGranted, ObjectType: "query",
		Decision: string(models.DecisionAllow),
		Metadata: map[string]any{"format": req.Format, "fragment_count": len(redacted)},
	})

	c.JSON(http.StatusOK, gin.H{"decision": "granted", "artifact": artifact, "format": req.Format})
}

// -----------------------------------------------------------------------------
// Audit read
// -----------------------------------------------------------------------------

// ReadAudit returns a subject's ledger partition, newest-first, with the
// result of a full chain verification. Readable by the subject itself or by
// members of the auditor group.
func (h *Handlers) ReadAudit(c *gin.Context) {
	subject, ok := h.loadCallerSubject(c)
	if !ok {
		return
	}

	target := c.Param("subject_id")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required"})
		return
	}
	if target != subject.ID && !subject.IsAuditor() {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this audit trail"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw, 1000)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	events, err := h.store.ReadAuditByActor(c.Request.Context(), target, limit)
	if err != nil {
		log.Error().Err(err).Str("actor", target).Msg("audit read failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retriable": true})
		return
	}

	verify, err := h.ledger.Verify(c.Request.Context(), target)
	if err != nil {
		log.Error().Err(err).Str("actor", target).Msg("chain verification failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retriable": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"chain_valid": verify.Valid,
	})
}

func parsePositiveInt(raw string, max int) (int, error) {
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, models.ErrInvalidInput
		}
		n = n*10 + int(r-'0')
		if n > max {
			return max, nil
		}
	}
	if n == 0 {
		return 0, models.ErrInvalidInput
	}
	return n, nil
}
