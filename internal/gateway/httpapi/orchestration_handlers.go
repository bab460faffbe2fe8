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

// StepRequest is one agent step inside an orchestration definition.
type StepRequest struct {
	AgentID        string `json:"agent_id"`
	Role           string `json:"role,omitempty"`
	PromptOverride string `json:"prompt_override,omitempty"`
	Judge          bool   `json:"judge,omitempty"`
}

// HookRequest is one completion hook inside an orchestration definition.
type HookRequest struct {
	Kind    string `json:"kind"` // "webhook", "email" or "chat"
	Target  string `json:"target"`
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
}

// OrchestrationRequest is the JSON body for creating or updating an
// orchestration.
type OrchestrationRequest struct {
	Name     string        `json:"name"`
	Strategy string        `json:"strategy"` // "sequential", "parallel" or "consensus"
	Status   string        `json:"status,omitempty"`
	Steps    []StepRequest `json:"steps"`
	Hooks    []HookRequest `json:"hooks,omitempty"`
}

// OrchestrationResponse is the JSON representation of an orchestration.
type OrchestrationResponse struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Strategy           string        `json:"strategy"`
	Status             string        `json:"status"`
	Steps              []StepRequest `json:"steps"`
	Hooks              []HookRequest `json:"hooks,omitempty"`
	CurrentExecutionID string        `json:"current_execution_id,omitempty"`
	CreatedAt          string        `json:"created_at"`
	UpdatedAt          string        `json:"updated_at"`
}

func (g *Gateway) registerOrchestrationRoutes() {
	g.group.Post("/orchestrations", g.handleOrchestrationCreate,
		okapi.DocSummary("Create an orchestration"),
		okapi.DocTags("Orchestrations"),
		okapi.DocRequestBody(OrchestrationRequest{}),
		okapi.DocResponse(http.StatusCreated, OrchestrationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/orchestrations", g.handleOrchestrationList,
		okapi.DocSummary("List orchestrations"),
		okapi.DocTags("Orchestrations"),
		okapi.DocResponse([]OrchestrationResponse{}),
	)
	g.group.Get("/orchestrations/{id}", g.handleOrchestrationGet,
		okapi.DocSummary("Get an orchestration by ID"),
		okapi.DocTags("Orchestrations"),
		okapi.DocPathParam("id", "string", "Orchestration ID (UUID)"),
		okapi.DocResponse(OrchestrationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/orchestrations/{id}", g.handleOrchestrationUpdate,
		okapi.DocSummary("Update an orchestration"),
		okapi.DocTags("Orchestrations"),
		okapi.DocPathParam("id", "string", "Orchestration ID (UUID)"),
		okapi.DocRequestBody(OrchestrationRequest{}),
		okapi.DocResponse(OrchestrationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/orchestrations/{id}", g.handleOrchestrationDelete,
		okapi.DocSummary("Delete an orchestration"),
		okapi.DocTags("Orchestrations"),
		okapi.DocPathParam("id", "string", "Orchestration ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
}

func parseOrchestrationRequest(req *OrchestrationRequest) ([]domain.AgentStep, []domain.CompletionHook, string) {
	if req.Name == "" {
		return nil, nil, "name is required"
	}
	if !domain.ValidStrategy(domain.Strategy(req.Strategy)) {
		return nil, nil, "strategy must be \"sequential\", \"parallel\" or \"consensus\""
	}
	if len(req.Steps) == 0 {
		return nil, nil, "at least one step is required"
	}
	switch req.Status {
	case "", string(domain.OrchestrationActive), string(domain.OrchestrationInactive):
	default:
		return nil, nil, "status must be \"active\" or \"inactive\""
	}

	steps := make([]domain.AgentStep, 0, len(req.Steps))
	judges := 0
	for _, s := range req.Steps {
		agentID, err := uuid.Parse(s.AgentID)
		if err != nil {
			return nil, nil, "invalid agent_id in steps"
		}
		if s.Judge {
			judges++
		}
		steps = append(steps, domain.AgentStep{
			AgentID:        agentID,
			Role:           s.Role,
			PromptOverride: s.PromptOverride,
			Judge:          s.Judge,
		})
	}
	if domain.Strategy(req.Strategy) == domain.StrategyConsensus {
		if judges != 1 {
			return nil, nil, "consensus orchestrations require exactly one judge step"
		}
		if len(steps) < 2 {
			return nil, nil, "consensus orchestrations require at least one candidate step"
		}
	} else if judges != 0 {
		return nil, nil, "judge steps are only valid for consensus orchestrations"
	}

	hooks := make([]domain.CompletionHook, 0, len(req.Hooks))
	for _, h := range req.Hooks {
		switch domain.HookKind(h.Kind) {
		case domain.HookWebhook, domain.HookEmail, domain.HookChat:
		default:
			return nil, nil, "hook kind must be \"webhook\", \"email\" or \"chat\""
		}
		if h.Target == "" {
			return nil, nil, "hook target is required"
		}
		hooks = append(hooks, domain.CompletionHook{
			Kind:    domain.HookKind(h.Kind),
			Target:  h.Target,
			Secret:  h.Secret,
			Enabled: h.Enabled,
		})
	}
	return steps, hooks, ""
}

func (g *Gateway) handleOrchestrationCreate(c *okapi.Context) error {
	var req OrchestrationRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	steps, hooks, msg := parseOrchestrationRequest(&req)
	if msg != "" {
		return c.AbortBadRequest(msg)
	}

	status := domain.OrchestrationStatus(req.Status)
	if status == "" {
		status = domain.OrchestrationActive
	}

	now := time.Now().UTC()
	o := &domain.Orchestration{
		ID:        domain.NewID(),
		OrgID:     g.orgID(c),
		Name:      req.Name,
		Strategy:  domain.Strategy(req.Strategy),
		Status:    status,
		Steps:     steps,
		Hooks:     hooks,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.CreateOrchestration(c.Context(), o); err != nil {
		g.logger.Error("orchestration creation failed", "error", err.Error())
		return c.AbortInternalServerError("orchestration creation failed")
	}

	return c.JSON(http.StatusCreated, orchestrationResponse(o))
}

func (g *Gateway) handleOrchestrationList(c *okapi.Context) error {
	orchestrations, err := g.store.ListOrchestrations(c.Context(), g.orgID(c))
	if err != nil {
		return c.AbortInternalServerError("listing orchestrations failed")
	}
	resp := make([]OrchestrationResponse, len(orchestrations))
	for i := range orchestrations {
		resp[i] = orchestrationResponse(&orchestrations[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleOrchestrationGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid orchestration ID")
	}
	o, err := g.store.GetOrchestration(c.Context(), g.orgID(c), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "orchestration not found"})
		}
		return c.AbortInternalServerError("getting orchestration failed")
	}
	return c.OK(orchestrationResponse(o))
}

func (g *Gateway) handleOrchestrationUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid orchestration ID")
	}

	var req OrchestrationRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	steps, hooks, msg := parseOrchestrationRequest(&req)
	if msg != "" {
		return c.AbortBadRequest(msg)
	}

	orgID := g.orgID(c)
	o, err := g.store.GetOrchestration(c.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "orchestration not found"})
		}
		return c.AbortInternalServerError("getting orchestration failed")
	}

	// Running executions keep their launch-time snapshot; edits only affect
	// future launches.
	o.Name = req.Name
	o.Strategy = domain.Strategy(req.Strategy)
	o.Steps = steps
	o.Hooks = hooks
	if req.Status != "" {
		o.Status = domain.OrchestrationStatus(req.Status)
	}
	o.UpdatedAt = time.Now().UTC()

	if err := g.store.UpdateOrchestration(c.Context(), o); err != nil {
		return c.AbortInternalServerError("updating orchestration failed")
	}
	return c.OK(orchestrationResponse(o))
}

func (g *Gateway) handleOrchestrationDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid orchestration ID")
	}

	orgID := g.orgID(c)
	o, err := g.store.GetOrchestration(c.Context(), orgID, id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "orchestration not found"})
		}
		return c.AbortInternalServerError("getting orchestration failed")
	}
	if o.CurrentExecutionID != nil {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "orchestration has a running execution"})
	}

	if err := g.store.DeleteOrchestration(c.Context(), orgID, id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "orchestration not found"})
		}
		return c.AbortInternalServerError("deleting orchestration failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func orchestrationResponse(o *domain.Orchestration) OrchestrationResponse {
	steps := make([]StepRequest, len(o.Steps))
	for i, s := range o.Steps {
		steps[i] = StepRequest{
			AgentID:        s.AgentID.String(),
			Role:           s.Role,
			PromptOverride: s.PromptOverride,
			Judge:          s.Judge,
		}
	}
	hooks := make([]HookRequest, len(o.Hooks))
	for i, h := range o.Hooks {
		hooks[i] = HookRequest{
			Kind:    string(h.Kind),
			Target:  h.Target,
			Enabled: h.Enabled,
			// Secrets are write-only.
		}
	}

	resp := OrchestrationResponse{
		ID:        o.ID.String(),
		Name:      o.Name,
		Strategy:  string(o.Strategy),
		Status:    string(o.Status),
		Steps:     steps,
		Hooks:     hooks,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		UpdatedAt: o.UpdatedAt.Format(time.RFC3339),
	}
	if o.CurrentExecutionID != nil {
		resp.CurrentExecutionID = o.CurrentExecutionID.String()
	}
	return resp
}
