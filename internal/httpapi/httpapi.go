package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"sitterops-core/pkg/db/pagination"
	"sitterops-core/pkg/errutil"
	"sitterops-core/pkg/health"
	"sitterops-core/pkg/middleware"
	"sitterops-core/pkg/server"
	"sitterops-core/services/compensation"
	"sitterops-core/services/dispatch"
	"sitterops-core/services/event"
	"sitterops-core/services/roster"
	"sitterops-core/services/scoring"
	"sitterops-core/services/tier"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Invoke(RegisterRoutes),
)

const asOfLayout = "2006-01-02"

// orgScope resolves the org a request acts on. Explicit body or query values
// win; operator tooling that scopes a whole session sends the header instead.
func orgScope(c *gin.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.GetHeader(server.OrgID)
}

type RouteParams struct {
	fx.In

	Engine *gin.Engine
	Health health.HealthService

	Events   *event.Service
	Dispatch *dispatch.Service
	Scoring  *scoring.Engine
	Tier     *tier.Service
	Comp     *compensation.Service
	Roster   *roster.Service
}

func RegisterRoutes(p RouteParams) {
	h := &handler{
		events:   p.Events,
		dispatch: p.Dispatch,
		scoring:  p.Scoring,
		tier:     p.Tier,
		comp:     p.Comp,
		roster:   p.Roster,
	}

	p.Engine.GET("/healthz", p.Health.Liveness)
	p.Engine.GET("/readyz", p.Health.Readiness)

	v1 := p.Engine.Group("/v1", middleware.Channel(), middleware.Error())

	v1.POST("/visits", h.recordVisit)
	v1.POST("/visits/:id/exclude", h.excludeVisit)
	v1.POST("/messages/latency", h.recordMessageLatency)

	v1.POST("/bookings/:id/dispatch", h.dispatchBooking)
	v1.POST("/bookings/:id/manual-reset", h.resetManual)
	v1.POST("/offers/:id/response", h.respondOffer)
	v1.GET("/orgs/:org_id/manual-dispatch", h.listManualDispatch)

	v1.GET("/workers/:worker_id/score", h.computeScore)
	v1.GET("/workers/:worker_id/commission", h.commissionRate)
	v1.GET("/workers/:worker_id/tier-history", h.tierHistory)
	v1.POST("/workers/:worker_id/tier-override", h.overrideTier)

	v1.POST("/roster/workers", h.upsertWorker)

	v1.POST("/jobs/daily-snapshot", h.runDailySnapshot)
	v1.POST("/jobs/weekly-evaluation", h.runWeeklyEvaluation)
}

type handler struct {
	events   *event.Service
	dispatch *dispatch.Service
	scoring  *scoring.Engine
	tier     *tier.Service
	comp     *compensation.Service
	roster   *roster.Service
}

func (h *handler) recordVisit(c *gin.Context) {
	var req event.RecordVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	visit, err := h.events.RecordVisit(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, visit)
}

func (h *handler) excludeVisit(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	if err := h.events.ExcludeVisit(c.Request.Context(), c.Param("id"), body.Reason); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *handler) recordMessageLatency(c *gin.Context) {
	var req event.RecordMessageLatencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ev, err := h.events.RecordMessageLatency(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, ev)
}

func (h *handler) dispatchBooking(c *gin.Context) {
	var body struct {
		OrgID string `json:"org_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	// no candidates and manual-required come back as outcomes, not errors
	outcome, err := h.dispatch.Dispatch(c.Request.Context(), orgScope(c, body.OrgID), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

func (h *handler) respondOffer(c *gin.Context) {
	var body struct {
		Decision dispatch.Decision `json:"decision"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.dispatch.Respond(c.Request.Context(), c.Param("id"), body.Decision)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) resetManual(c *gin.Context) {
	var body struct {
		OrgID string `json:"org_id"`
		Actor string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	zap.L().Info("manual reset requested",
		zap.String("booking_id", c.Param("id")),
		zap.String("actor", body.Actor),
		zap.String("channel", middleware.GetChannel(c.Request.Context())),
	)

	bd, err := h.dispatch.ResetManual(c.Request.Context(), orgScope(c, body.OrgID), c.Param("id"), body.Actor)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, bd)
}

func (h *handler) listManualDispatch(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.BadRequest("invalid pagination parameters", err))
		return
	}

	queue, err := h.dispatch.ListManualDispatchBookings(c.Request.Context(), c.Param("org_id"), p)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, queue)
}

func (h *handler) computeScore(c *gin.Context) {
	windowDays := scoring.WindowShortDays
	if v := c.Query("window_days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.Error(errutil.BadRequest("window_days must be a positive integer", err))
			return
		}
		windowDays = parsed
	}

	asOf := time.Now()
	if v := c.Query("as_of"); v != "" {
		parsed, err := time.Parse(asOfLayout, v)
		if err != nil {
			c.Error(errutil.BadRequest("as_of must be YYYY-MM-DD", err))
			return
		}
		asOf = parsed
	}

	result, err := h.scoring.Compute(c.Request.Context(), orgScope(c, c.Query("org_id")), c.Param("worker_id"), asOf, windowDays)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) commissionRate(c *gin.Context) {
	rate, err := h.comp.ResolveCommissionRate(c.Request.Context(), orgScope(c, c.Query("org_id")), c.Param("worker_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"commission_rate": rate})
}

func (h *handler) tierHistory(c *gin.Context) {
	transitions, err := h.tier.History(c.Request.Context(), orgScope(c, c.Query("org_id")), c.Param("worker_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (h *handler) overrideTier(c *gin.Context) {
	var body struct {
		OrgID string       `json:"org_id"`
		Tier  scoring.Tier `json:"tier"`
		Actor string       `json:"actor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	tr, err := h.tier.OverrideTier(c.Request.Context(), body.OrgID, c.Param("worker_id"), body.Tier, body.Actor)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, tr)
}

func (h *handler) upsertWorker(c *gin.Context) {
	var body struct {
		OrgID       string `json:"org_id"`
		WorkerID    string `json:"worker_id"`
		DisplayName string `json:"display_name"`
		Active      bool   `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if body.OrgID == "" || body.WorkerID == "" {
		c.Error(errutil.BadRequest("org_id and worker_id are required", nil))
		return
	}

	w, err := h.roster.Upsert(c.Request.Context(), body.OrgID, body.WorkerID, body.DisplayName, body.Active)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, w)
}

type batchJobRequest struct {
	OrgID string `json:"org_id"`
	AsOf  string `json:"as_of"`
}

func (r batchJobRequest) asOfTime() (time.Time, error) {
	if r.AsOf == "" {
		return time.Now(), nil
	}
	return time.Parse(asOfLayout, r.AsOf)
}

func (h *handler) runDailySnapshot(c *gin.Context) {
	var req batchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	asOf, err := req.asOfTime()
	if err != nil {
		c.Error(errutil.BadRequest("as_of must be YYYY-MM-DD", err))
		return
	}

	report, err := h.tier.RunDailySnapshot(c.Request.Context(), req.OrgID, asOf)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *handler) runWeeklyEvaluation(c *gin.Context) {
	var req batchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	asOf, err := req.asOfTime()
	if err != nil {
		c.Error(errutil.BadRequest("as_of must be YYYY-MM-DD", err))
		return
	}

	report, err := h.tier.RunWeeklyEvaluation(c.Request.Context(), req.OrgID, asOf)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}
