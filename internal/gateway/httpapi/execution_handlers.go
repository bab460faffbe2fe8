package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/agentpipe/agentpipe/internal/engine"
)

// LaunchExecutionRequest is the JSON body for starting (or resuming) an
// execution.
type LaunchExecutionRequest struct {
	Input     string            `json:"input"`
	Variables map[string]string `json:"variables,omitempty"`

	// StartFromStep resumes from that step index; earlier results are seeded
	// from ResumeFrom (or the most recent execution when unset).
	StartFromStep int    `json:"start_from_step,omitempty"`
	ResumeFrom    string `json:"resume_from,omitempty"`
}

// ResultResponse is the JSON representation of one step's result.
type ResultResponse struct {
	StepIndex   int    `json:"step_index"`
	AgentID     string `json:"agent_id"`
	Role        string `json:"role,omitempty"`
	Output      string `json:"output,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Seeded      bool   `json:"seeded,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ExecutionResponse is the JSON representation of an execution.
type ExecutionResponse struct {
	ID              string            `json:"id"`
	OrchestrationID string            `json:"orchestration_id"`
	Status          string            `json:"status"`
	Input           string            `json:"input,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	Strategy        string            `json:"strategy"`
	Results         []ResultResponse  `json:"results"`
	FinalOutput     string            `json:"final_output,omitempty"`
	Error           string            `json:"error,omitempty"`
	StartedAt       string            `json:"started_at,omitempty"`
	CompletedAt     string            `json:"completed_at,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

// DelegationResponse is the JSON representation of one agent-to-agent call.
type DelegationResponse struct {
	ID          string `json:"id"`
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Depth       int    `json:"depth"`
	Message     string `json:"message"`
	Response    string `json:"response,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func (g *Gateway) registerExecutionRoutes() {
	g.group.Post("/orchestrations/{id}/executions", g.handleExecutionLaunch,
		okapi.DocSummary("Launch an execution of an orchestration"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Orchestration ID (UUID)"),
		okapi.DocRequestBody(LaunchExecutionRequest{}),
		okapi.DocResponse(http.StatusCreated, ExecutionResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/orchestrations/{id}/executions", g.handleExecutionList,
		okapi.DocSummary("List executions of an orchestration, newest first"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Orchestration ID (UUID)"),
		okapi.DocResponse([]ExecutionResponse{}),
	)
	g.group.Get("/executions/{id}", g.handleExecutionGet,
		okapi.DocSummary("Get an execution by ID"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/executions/{id}", g.handleExecutionCancel,
		okapi.DocSummary("Request cancellation of a running execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/executions/{id}/delegations", g.handleDelegationList,
		okapi.DocSummary("List agent-to-agent delegations of an execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse([]DelegationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleExecutionLaunch(c *okapi.Context) error {
	orchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid orchestration ID")
	}

	var req LaunchExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.StartFromStep < 0 {
		return c.AbortBadRequest("start_from_step must not be negative")
	}

	launch := &engine.LaunchRequest{
		OrgID:           g.orgID(c),
		OrchestrationID: orchID,
		Input:           req.Input,
		Variables:       req.Variables,
		StartFromStep:   req.StartFromStep,
	}
	if req.ResumeFrom != "" {
		resumeID, err := uuid.Parse(req.ResumeFrom)
		if err != nil {
			return c.AbortBadRequest("invalid resume_from execution ID")
		}
		launch.ResumeFrom = &resumeID
	}

	exec, err := g.engine.Launch(c.Context(), launch)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrConflict):
			return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
		case errors.Is(err, engine.ErrNotFound):
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "orchestration not found"})
		default:
			return c.AbortBadRequest(err.Error())
		}
	}

	return c.JSON(http.StatusCreated, executionResponse(exec))
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	orchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid orchestration ID")
	}

	// Scope check before listing by orchestration.
	if _, err := g.store.GetOrchestration(c.Context(), g.orgID(c), orchID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "orchestration not found"})
		}
		return c.AbortInternalServerError("getting orchestration failed")
	}

	executions, err := g.engine.List(c.Context(), orchID)
	if err != nil {
		return c.AbortInternalServerError("listing executions failed")
	}
	resp := make([]ExecutionResponse, len(executions))
	for i := range executions {
		resp[i] = executionResponse(&executions[i])
	}
	return c.OK(resp)
}

// getScopedExecution loads the execution and hides it from other
// organizations.
func (g *Gateway) getScopedExecution(c *okapi.Context, id uuid.UUID) (*engine.Execution, error) {
	exec, err := g.engine.Get(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if exec.OrgID != g.orgID(c) {
		return nil, engine.ErrNotFound
	}
	return exec, nil
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	exec, err := g.getScopedExecution(c, id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
		}
		return c.AbortInternalServerError("getting execution failed")
	}
	return c.OK(executionResponse(exec))
}

func (g *Gateway) handleExecutionCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	if _, err := g.getScopedExecution(c, id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
		}
		return c.AbortInternalServerError("getting execution failed")
	}

	if err := g.engine.Cancel(c.Context(), id); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return c.OK(map[string]string{"status": "cancellation requested"})
}

func (g *Gateway) handleDelegationList(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}
	if _, err := g.getScopedExecution(c, id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
		}
		return c.AbortInternalServerError("getting execution failed")
	}

	delegations, err := g.engine.Delegations(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("listing delegations failed")
	}
	resp := make([]DelegationResponse, len(delegations))
	for i, d := range delegations {
		resp[i] = DelegationResponse{
			ID:          d.ID.String(),
			FromAgentID: d.FromAgentID.String(),
			ToAgentID:   d.ToAgentID.String(),
			Depth:       d.Depth,
			Message:     d.Message,
			Response:    d.Response,
			Status:      string(d.Status),
			CreatedAt:   d.CreatedAt.Format(time.RFC3339),
		}
	}
	return c.OK(resp)
}

func executionResponse(exec *engine.Execution) ExecutionResponse {
	results := make([]ResultResponse, len(exec.Results))
	for i, r := range exec.Results {
		results[i] = ResultResponse{
			StepIndex: r.StepIndex,
			AgentID:   r.AgentID.String(),
			Role:      r.Role,
			Output:    r.Output,
			Status:    string(r.Status),
			Error:     r.Error,
			Seeded:    r.Seeded,
		}
		if !r.StartedAt.IsZero() {
			results[i].StartedAt = r.StartedAt.Format(time.RFC3339)
		}
		if !r.CompletedAt.IsZero() {
			results[i].CompletedAt = r.CompletedAt.Format(time.RFC3339)
		}
	}

	resp := ExecutionResponse{
		ID:              exec.ID.String(),
		OrchestrationID: exec.OrchestrationID.String(),
		Status:          string(exec.Status),
		Input:           exec.Input,
		Variables:       exec.Variables,
		Strategy:        string(exec.Strategy),
		Results:         results,
		FinalOutput:     exec.FinalOutput,
		Error:           exec.Error,
		CreatedAt:       exec.CreatedAt.Format(time.RFC3339),
	}
	if exec.StartedAt != nil {
		resp.StartedAt = exec.StartedAt.UTC().Format(time.RFC3339)
	}
	if exec.CompletedAt != nil {
		resp.CompletedAt = exec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
