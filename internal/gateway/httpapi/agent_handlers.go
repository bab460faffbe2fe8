package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

// AgentRequest is the JSON body for creating or updating an agent.
type AgentRequest struct {
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Instructions string  `json:"instructions"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Status       string  `json:"status,omitempty"` // "active" (default) or "inactive"
}

// AgentResponse is the JSON representation of an agent.
type AgentResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Instructions string  `json:"instructions"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func (g *Gateway) registerAgentRoutes() {
	g.group.Post("/agents", g.handleAgentCreate,
		okapi.DocSummary("Create an agent"),
		okapi.DocTags("Agents"),
		okapi.DocRequestBody(AgentRequest{}),
		okapi.DocResponse(http.StatusCreated, AgentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/agents", g.handleAgentList,
		okapi.DocSummary("List agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]AgentResponse{}),
	)
	g.group.Get("/agents/{id}", g.handleAgentGet,
		okapi.DocSummary("Get an agent by ID"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/agents/{id}", g.handleAgentUpdate,
		okapi.DocSummary("Update an agent"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocRequestBody(AgentRequest{}),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/agents/{id}", g.handleAgentDelete,
		okapi.DocSummary("Delete an agent"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func validateAgentRequest(req *AgentRequest) string {
	if req.Name == "" {
		return "name is required"
	}
	if req.Role == "" {
		return "role is required"
	}
	if req.Instructions == "" {
		return "instructions are required"
	}
	switch req.Status {
	case "", string(domain.AgentActive), string(domain.AgentInactive):
	default:
		return "status must be \"active\" or \"inactive\""
	}
	return ""
}

func (g *Gateway) handleAgentCreate(c *okapi.Context) error {
	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if msg := validateAgentRequest(&req); msg != "" {
		return c.AbortBadRequest(msg)
	}

	status := domain.AgentStatus(req.Status)
	if status == "" {
		status = domain.AgentActive
	}

	now := time.Now().UTC()
	a := &domain.Agent{
		ID:           domain.NewID(),
		OrgID:        g.orgID(c),
		Name:         req.Name,
		Role:         req.Role,
		Instructions: req.Instructions,
		Model:        req.Model,
		Temperature:  req.Temperature,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateAgent(c.Context(), a); err != nil {
		g.logger.Error("agent creation failed", "error", err.Error())
		return c.AbortInternalServerError("agent creation failed")
	}

	return c.JSON(http.StatusCreated, agentResponse(a))
}

func (g *Gateway) handleAgentList(c *okapi.Context) error {
	agents, err := g.store.ListAgents(c.Context(), g.orgID(c))
	if err != nil {
		return c.AbortInternalServerError("listing agents failed")
	}
	resp := make([]AgentResponse, len(agents))
	for i := range agents {
		resp[i] = agentResponse(&agents[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleAgentGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid agent ID")
	}
	a, err := g.store.GetAgent(c.Context(), g.orgID(c), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "agent not found"})
		}
		return c.AbortInternalServerError("getting agent failed")
	}
	return c.OK(agentResponse(a))
}

func (g *Gateway) handleAgentUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid agent ID")
	}

	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if msg := validateAgentRequest(&req); msg != "" {
		return c.AbortBadRequest(msg)
	}

	orgID := g.orgID(c)
	a, err := g.store.GetAgent(c.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "agent not found"})
		}
		return c.AbortInternalServerError("getting agent failed")
	}

	a.Name = req.Name
	a.Role = req.Role
	a.Instructions = req.Instructions
	a.Model = req.Model
	a.Temperature = req.Temperature
	if req.Status != "" {
		a.Status = domain.AgentStatus(req.Status)
	}
	a.UpdatedAt = time.Now().UTC()

	if err := g.store.UpdateAgent(c.Context(), a); err != nil {
		return c.AbortInternalServerError("updating agent failed")
	}
	return c.OK(agentResponse(a))
}

func (g *Gateway) handleAgentDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid agent ID")
	}
	if err := g.store.DeleteAgent(c.Context(), g.orgID(c), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "agent not found"})
		}
		return c.AbortInternalServerError("deleting agent failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func agentResponse(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Role:         a.Role,
		Instructions: a.Instructions,
		Model:        a.Model,
		Temperature:  a.Temperature,
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    a.UpdatedAt.Format(time.RFC3339),
	}
}
