package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
	"github.com/agentpipe/agentpipe/internal/scheduler"
)

// ScheduleRequest is the JSON body for creating or updating a scheduled run.
type ScheduleRequest struct {
	OrchestrationID string `json:"orchestration_id"`
	Name            string `json:"name"`
	CronExpression  string `json:"cron_expression"` // 5-field cron: minute hour dom month dow.
	Input           string `json:"input,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"` // Default true.
}

// ScheduleResponse is the JSON representation of a scheduled run.
type ScheduleResponse struct {
	ID              string `json:"id"`
	OrchestrationID string `json:"orchestration_id"`
	Name            string `json:"name"`
	CronExpression  string `json:"cron_expression"`
	Input           string `json:"input,omitempty"`
	Enabled         bool   `json:"enabled"`
	NextRunAt       string `json:"next_run_at,omitempty"`
	LastRunAt       string `json:"last_run_at,omitempty"`
	LastExecutionID string `json:"last_execution_id,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func (g *Gateway) registerScheduleRoutes() {
	g.group.Post("/schedules", g.handleScheduleCreate,
		okapi.DocSummary("Create a scheduled run"),
		okapi.DocTags("Schedules"),
		okapi.DocRequestBody(ScheduleRequest{}),
		okapi.DocResponse(http.StatusCreated, ScheduleResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/schedules", g.handleScheduleList,
		okapi.DocSummary("List scheduled runs"),
		okapi.DocTags("Schedules"),
		okapi.DocResponse([]ScheduleResponse{}),
	)
	g.group.Get("/schedules/{id}", g.handleScheduleGet,
		okapi.DocSummary("Get a scheduled run by ID"),
		okapi.DocTags("Schedules"),
		okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
		okapi.DocResponse(ScheduleResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/schedules/{id}", g.handleScheduleUpdate,
		okapi.DocSummary("Update a scheduled run"),
		okapi.DocTags("Schedules"),
		okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
		okapi.DocRequestBody(ScheduleRequest{}),
		okapi.DocResponse(ScheduleResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/schedules/{id}", g.handleScheduleDelete,
		okapi.DocSummary("Delete a scheduled run"),
		okapi.DocTags("Schedules"),
		okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleScheduleCreate(c *okapi.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}
	orchID, err := uuid.Parse(req.OrchestrationID)
	if err != nil {
		return c.AbortBadRequest("invalid orchestration_id")
	}

	orgID := g.orgID(c)
	if _, err := g.store.GetOrchestration(c.Context(), orgID, orchID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.AbortBadRequest("orchestration not found")
		}
		return c.AbortInternalServerError("getting orchestration failed")
	}

	now := time.Now().UTC()
	next, err := scheduler.ComputeNextRunFrom(req.CronExpression, now)
	if err != nil {
		return c.AbortBadRequest("invalid cron expression: " + err.Error())
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	s := &domain.ScheduledRun{
		ID:              domain.NewID(),
		OrgID:           orgID,
		OrchestrationID: orchID,
		Name:            req.Name,
		CronExpression:  req.CronExpression,
		Input:           req.Input,
		Enabled:         enabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if enabled {
		s.NextRunAt = &next
	}

	if err := g.store.CreateSchedule(c.Context(), s); err != nil {
		g.logger.Error("schedule creation failed", "error", err.Error())
		return c.AbortInternalServerError("schedule creation failed")
	}
	return c.JSON(http.StatusCreated, scheduleResponse(s))
}

func (g *Gateway) handleScheduleList(c *okapi.Context) error {
	schedules, err := g.store.ListSchedules(c.Context(), g.orgID(c))
	if err != nil {
		return c.AbortInternalServerError("listing schedules failed")
	}
	resp := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		resp[i] = scheduleResponse(&schedules[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleScheduleGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}
	s, err := g.store.GetSchedule(c.Context(), g.orgID(c), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "schedule not found"})
		}
		return c.AbortInternalServerError("getting schedule failed")
	}
	return c.OK(scheduleResponse(s))
}

func (g *Gateway) handleScheduleUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}

	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	orgID := g.orgID(c)
	s, err := g.store.GetSchedule(c.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "schedule not found"})
		}
		return c.AbortInternalServerError("getting schedule failed")
	}

	now := time.Now().UTC()
	next, err := scheduler.ComputeNextRunFrom(req.CronExpression, now)
	if err != nil {
		return c.AbortBadRequest("invalid cron expression: " + err.Error())
	}

	s.Name = req.Name
	s.CronExpression = req.CronExpression
	s.Input = req.Input
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if s.Enabled {
		s.NextRunAt = &next
	} else {
		s.NextRunAt = nil
	}
	s.UpdatedAt = now

	if err := g.store.UpdateSchedule(c.Context(), s); err != nil {
		return c.AbortInternalServerError("updating schedule failed")
	}
	return c.OK(scheduleResponse(s))
}

func (g *Gateway) handleScheduleDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}
	if err := g.store.DeleteSchedule(c.Context(), g.orgID(c), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "schedule not found"})
		}
		return c.AbortInternalServerError("deleting schedule failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func scheduleResponse(s *domain.ScheduledRun) ScheduleResponse {
	resp := ScheduleResponse{
		ID:              s.ID.String(),
		OrchestrationID: s.OrchestrationID.String(),
		Name:            s.Name,
		CronExpression:  s.CronExpression,
		Input:           s.Input,
		Enabled:         s.Enabled,
		LastError:       s.LastError,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
	if s.NextRunAt != nil {
		resp.NextRunAt = s.NextRunAt.UTC().Format(time.RFC3339)
	}
	if s.LastRunAt != nil {
		resp.LastRunAt = s.LastRunAt.UTC().Format(time.RFC3339)
	}
	if s.LastExecutionID != nil {
		resp.LastExecutionID = s.LastExecutionID.String()
	}
	return resp
}
