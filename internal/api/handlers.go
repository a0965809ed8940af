package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
	"github.com/p-blackswan/valhalla/internal/health"
	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/project"
	"github.com/p-blackswan/valhalla/internal/requestid"
	"github.com/p-blackswan/valhalla/internal/session"
)

// ProjectStore is the persistence gateway as seen by the API.
type ProjectStore interface {
	Online() bool
	ProjectContext(ctx context.Context, name string) project.Project
	ListProjects(ctx context.Context) []project.Project
	UpdateProjectStatus(ctx context.Context, name string, status project.Status, updates map[string]any) bool
	UsageStats(ctx context.Context, project string, days int) project.UsageStats
	HealthCheck(ctx context.Context) project.StoreHealth
}

// ModelGateway is the model gateway as seen by the API.
type ModelGateway interface {
	Stats() llm.Stats
	ResetStats()
	HealthCheck(ctx context.Context) llm.ModelHealth
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	sessions  *session.Manager
	store     ProjectStore
	model     ModelGateway
	issuer    *TokenIssuer
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance. issuer is nil unless jwt auth is on.
func NewHandlers(sessions *session.Manager, store ProjectStore, model ModelGateway, issuer *TokenIssuer, logger zerolog.Logger) *Handlers {
	return &Handlers{
		sessions:  sessions,
		store:     store,
		model:     model,
		issuer:    issuer,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

func (h *Handlers) lookup(c *fiber.Ctx) (*session.Session, error) {
	id := c.Params("id")
	s, ok := h.sessions.Get(id)
	if !ok {
		return nil, problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"Session not found: "+id)
	}
	return s, nil
}

// turnContext keeps the request ID but drops cancellation: a chat turn runs
// to completion even if the client goes away.
func turnContext(c *fiber.Ctx) context.Context {
	return context.WithoutCancel(c.UserContext())
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handlers) CreateSession(c *fiber.Ctx) error {
	s := h.sessions.Create()
	resp := SessionResponse{Session: s.Snapshot()}

	if h.issuer != nil {
		token, err := h.issuer.Issue(s.ID())
		if err != nil {
			h.sessions.End(s.ID())
			return err
		}
		resp.Token = token
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}
	return c.JSON(SessionResponse{Session: s.Snapshot()})
}

// EndSession handles DELETE /api/v1/sessions/:id.
func (h *Handlers) EndSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.sessions.End(id) {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"Session not found: "+id)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SendMessage handles POST /api/v1/sessions/:id/messages.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	ctx := turnContext(c)
	res, err := s.Send(ctx, req.Message)
	if errors.Is(err, perrors.ErrInvalidInput) {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_message", "Bad Request",
			"Message is required")
	}
	if err != nil {
		return err
	}

	reqLog := requestid.Logger(ctx, h.logger)
	reqLog.Debug().
		Str("session", s.ID()).
		Str("outcome", string(res.Outcome)).
		Bool("saved", res.Saved).
		Msg("turn processed")
	return c.JSON(res)
}

// ClearMessages handles DELETE /api/v1/sessions/:id/messages.
func (h *Handlers) ClearMessages(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}
	s.Clear()
	return c.JSON(SessionResponse{Session: s.Snapshot()})
}

// SwitchProject handles PUT /api/v1/sessions/:id/project.
func (h *Handlers) SwitchProject(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}

	var req SwitchProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := s.SwitchProject(req.Project); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_project", "Bad Request",
			"Project is required")
	}
	return c.JSON(SessionResponse{Session: s.Snapshot()})
}

// SaveSession handles POST /api/v1/sessions/:id/save.
func (h *Handlers) SaveSession(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}
	return c.JSON(SaveResponse{Saved: s.Save(turnContext(c))})
}

// ResumeSession handles POST /api/v1/sessions/:id/resume.
func (h *Handlers) ResumeSession(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}
	resumed := s.Resume(c.UserContext())
	return c.JSON(ResumeResponse{Resumed: resumed, Session: s.Snapshot()})
}

// RefreshHealth handles POST /api/v1/sessions/:id/health.
func (h *Handlers) RefreshHealth(c *fiber.Ctx) error {
	s, err := h.lookup(c)
	if s == nil {
		return err
	}
	return c.JSON(s.RefreshHealth(c.UserContext()))
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	projects := h.store.ListProjects(c.UserContext())
	views := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, newProjectView(p))
	}
	return c.JSON(ProjectListResponse{Projects: views, Total: len(views)})
}

// GetProject handles GET /api/v1/projects/:name.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	return c.JSON(newProjectView(h.store.ProjectContext(c.UserContext(), c.Params("name"))))
}

// UpdateProjectStatus handles PATCH /api/v1/projects/:name/status.
func (h *Handlers) UpdateProjectStatus(c *fiber.Ctx) error {
	name := c.Params("name")

	var req UpdateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	status := project.ParseStatus(req.Status)
	if status == project.StatusUnknown && !strings.EqualFold(strings.TrimSpace(req.Status), string(project.StatusUnknown)) {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_status", "Bad Request",
			"Status must be one of Live, Building, Planning, Unknown")
	}

	if !h.store.Online() {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"store_unavailable", "Service Unavailable",
			"Document store not available")
	}
	if !h.store.UpdateProjectStatus(c.UserContext(), name, status, req.Updates) {
		return problemResponse(c, fiber.StatusNotFound,
			"project_not_found", "Not Found",
			"Project not found or not updated: "+name)
	}
	return c.JSON(newProjectView(h.store.ProjectContext(c.UserContext(), name)))
}

// Usage handles GET /api/v1/usage.
func (h *Handlers) Usage(c *fiber.Ctx) error {
	days := c.QueryInt("days", 1)
	return c.JSON(h.store.UsageStats(c.UserContext(), c.Query("project"), days))
}

// ModelStats handles GET /api/v1/model/stats.
func (h *Handlers) ModelStats(c *fiber.Ctx) error {
	return c.JSON(h.model.Stats())
}

// ResetModelStats handles POST /api/v1/model/stats/reset.
func (h *Handlers) ResetModelStats(c *fiber.Ctx) error {
	h.model.ResetStats()
	return c.JSON(h.model.Stats())
}

// HealthDetail handles GET /api/v1/health. It runs each gateway health check
// once, which sends one test prompt to the model, and derives the check
// statuses from those results.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	ctx := c.UserContext()
	online := h.store.Online()
	sh := h.store.HealthCheck(ctx)
	mh := h.model.HealthCheck(ctx)

	report := health.NewReport(map[string]health.Status{
		health.CheckStore: health.StoreStatus(online, sh),
		health.CheckModel: health.ModelStatus(mh.ModelInitialized),
	})

	return c.JSON(HealthDetailResponse{
		Status: string(report.Status),
		Store:  sh,
		Model:  mh,
		Checks: report.Checks,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
		Time:   time.Now().UTC(),
	})
}
