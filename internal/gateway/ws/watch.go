// Package ws implements the WebSocket execution watch endpoint. Clients
// connect, receive a snapshot of the execution, then incremental snapshots as
// step results land, and a final one when the execution reaches a terminal
// state.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/engine"
)

// Subprotocol is the WebSocket subprotocol spoken by the watch endpoint.
const Subprotocol = "agentpipe-watch-v1"

const defaultPollInterval = time.Second

// ExecutionReader is the narrow store surface the watcher needs.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*engine.Execution, error)
}

// Config configures the watch server.
type Config struct {
	// APIKeys maps API keys to organization IDs, same as the HTTP gateway.
	APIKeys map[string]uuid.UUID

	// PollInterval is how often the execution is re-read. Default 1s.
	PollInterval time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

// Server upgrades watch requests to WebSocket connections.
type Server struct {
	store  ExecutionReader
	config Config
	logger *slog.Logger
}

// NewServer creates a watch server.
func NewServer(store ExecutionReader, cfg Config, logger *slog.Logger) *Server {
	return &Server{store: store, config: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// Mount it at /v1/executions/{id}/watch.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// snapshot is one message sent to the client. Results carry only what a
// progress view needs; the full record stays behind the HTTP API.
type snapshot struct {
	ExecutionID string           `json:"execution_id"`
	Status      string           `json:"status"`
	Results     []snapshotResult `json:"results"`
	FinalOutput string           `json:"final_output,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type snapshotResult struct {
	StepIndex int    `json:"step_index"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	execID, err := executionIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid execution ID", http.StatusBadRequest)
		return
	}

	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil || exec.OrgID != orgID {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.watch(r.Context(), conn, exec)
}

// authenticate resolves the API key (query param or Bearer header) to an
// organization.
func (s *Server) authenticate(r *http.Request) (uuid.UUID, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return uuid.Nil, false
	}

	var orgID uuid.UUID
	for key, id := range s.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			orgID = id
		}
	}
	return orgID, orgID != uuid.Nil
}

func (s *Server) watch(ctx context.Context, conn *websocket.Conn, exec *engine.Execution) {
	defer conn.Close(websocket.StatusNormalClosure, "watch ended")

	execID := exec.ID
	if err := s.send(ctx, conn, exec); err != nil {
		return
	}
	if exec.Status.Terminal() {
		return
	}

	lastResults := len(exec.Results)
	lastStatus := exec.Status

	ticker := time.NewTicker(s.config.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		exec, err := s.store.GetExecution(ctx, execID)
		if err != nil {
			s.logger.Warn("watched execution unreadable",
				slog.String("execution_id", execID.String()),
				slog.String("error", err.Error()),
			)
			return
		}

		if len(exec.Results) == lastResults && exec.Status == lastStatus {
			continue
		}
		lastResults = len(exec.Results)
		lastStatus = exec.Status

		if err := s.send(ctx, conn, exec); err != nil {
			return
		}
		if exec.Status.Terminal() {
			return
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, exec *engine.Execution) error {
	snap := snapshot{
		ExecutionID: exec.ID.String(),
		Status:      string(exec.Status),
		FinalOutput: exec.FinalOutput,
		Error:       exec.Error,
		Results:     make([]snapshotResult, len(exec.Results)),
	}
	for i, r := range exec.Results {
		snap.Results[i] = snapshotResult{
			StepIndex: r.StepIndex,
			AgentID:   r.AgentID.String(),
			Role:      r.Role,
			Status:    string(r.Status),
			Output:    r.Output,
			Error:     r.Error,
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// executionIDFromPath extracts the execution ID from
// /v1/executions/{id}/watch.
func executionIDFromPath(path string) (uuid.UUID, error) {
	trimmed := strings.TrimSuffix(strings.Trim(path, "/"), "/watch")
	parts := strings.Split(trimmed, "/")
	return uuid.Parse(parts[len(parts)-1])
}
