package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
)

// ErrorResponse is the error envelope for every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// SubmitResponse is returned on workflow admission.
type SubmitResponse struct {
	WorkflowID  string `json:"workflow_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// AgentRegisterRequest registers an agent with its capabilities. An
// empty agent_id asks the server to assign one.
type AgentRegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities" binding:"required"`
}

// StateWriteRequest is a versioned write to one shared state key. Clock
// is the writer's logical clock; zero means the server's wall clock in
// milliseconds.
type StateWriteRequest struct {
	Value  json.RawMessage `json:"value" binding:"required"`
	Writer string          `json:"writer" binding:"required"`
	Clock  int64           `json:"clock"`
}

// TaskStartRequest acknowledges that an agent began executing a task.
type TaskStartRequest struct {
	Epoch int64 `json:"epoch"`
}

// TaskResultRequest reports the outcome of a task attempt. Error empty
// means success.
type TaskResultRequest struct {
	Epoch  int64           `json:"epoch"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"leader":    s.isLeader(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSubmitWorkflow admits a workflow definition. The body may be
// JSON or YAML; both decode through the same parser.
func (s *Server) handleSubmitWorkflow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	def, err := domain.ParseDefinition(body)
	if err != nil {
		s.apiError(c, err)
		return
	}

	workflowID, err := s.orchestrator.SubmitWorkflow(c.Request.Context(), def)
	if err != nil {
		s.logger.Error("failed to submit workflow", zap.Error(err))
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SubmitResponse{
		WorkflowID:  workflowID,
		Status:      string(domain.WorkflowPending),
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListWorkflows lists non-terminal workflows.
func (s *Server) handleListWorkflows(c *gin.Context) {
	workflows, err := s.orchestrator.ListWorkflows(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list workflows", zap.Error(err))
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

// handleGetWorkflow returns a workflow instance with its tasks.
func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, tasks, err := s.orchestrator.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow": wf,
		"tasks":    tasks,
	})
}

// handleGetStatus returns a condensed status view.
func (s *Server) handleGetStatus(c *gin.Context) {
	wf, tasks, err := s.orchestrator.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.apiError(c, err)
		return
	}

	taskStatuses := make(map[string]domain.TaskStatus, len(tasks))
	for _, task := range tasks {
		taskStatuses[task.DefinitionID] = task.Status
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id":    wf.ID,
		"status":         wf.Status,
		"created_at":     wf.CreatedAt,
		"completed_at":   wf.CompletedAt,
		"failure_reason": wf.FailureReason,
		"tasks":          taskStatuses,
	})
}

// handleCancelWorkflow cancels a running workflow.
func (s *Server) handleCancelWorkflow(c *gin.Context) {
	workflowID := c.Param("id")

	if err := s.orchestrator.CancelWorkflow(c.Request.Context(), workflowID); err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id":  workflowID,
		"status":       string(domain.WorkflowCancelled),
		"cancelled_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListState lists all shared state entries of a workflow.
func (s *Server) handleListState(c *gin.Context) {
	entries, err := s.state.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// handleGetState returns one shared state entry.
func (s *Server) handleGetState(c *gin.Context) {
	entry, err := s.state.Get(c.Request.Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

// handlePutState writes one shared state key under the workflow's
// conflict policy. A rejected write answers 409 with the entry that won.
func (s *Server) handlePutState(c *gin.Context) {
	var req StateWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	workflowID := c.Param("id")
	wf, _, err := s.orchestrator.GetWorkflow(c.Request.Context(), workflowID)
	if err != nil {
		s.apiError(c, err)
		return
	}

	policy := wf.Definition.ConflictPolicy
	if policy == "" {
		policy = domain.ConflictLastWriterWins
	}
	clock := req.Clock
	if clock == 0 {
		clock = time.Now().UnixMilli()
	}

	entry, err := s.state.Put(c.Request.Context(), workflowID, c.Param("key"), req.Value, req.Writer, clock, policy)
	if err != nil {
		if errors.Is(err, domain.ErrConflictRejected) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: ErrorDetail{
					Code:    "WRITE_REJECTED",
					Message: err.Error(),
					Details: entry,
				},
			})
			return
		}
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

// handleRegisterAgent registers an agent. Agents that connect without
// an identity of their own receive a generated one in the response.
func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req AgentRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}
	if req.AgentID == "" {
		req.AgentID = uuid.New().String()
	}

	if err := s.registry.Register(c.Request.Context(), req.AgentID, req.Capabilities); err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent_id": req.AgentID,
		"status":   "registered",
	})
}

// handleListAgents lists available agents, optionally filtered by
// capability.
func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.registry.ListAvailable(c.Query("capability"))

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

// handleHeartbeat renews an agent's liveness lease. A 404 tells the
// agent its registration lapsed and it must register again.
func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.registry.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDeregisterAgent removes an agent from the registry.
func (s *Server) handleDeregisterAgent(c *gin.Context) {
	if err := s.registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		s.apiError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleTaskStart acknowledges that the agent began executing.
func (s *Server) handleTaskStart(c *gin.Context) {
	var req TaskStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	if err := s.engine.HandleStart(c.Request.Context(), c.Param("id"), req.Epoch); err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTaskResult accepts a task attempt's outcome. Stale or fenced
// reports answer 409 so the agent stops working on the task.
func (s *Server) handleTaskResult(c *gin.Context) {
	var req TaskResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		})
		return
	}

	if err := s.engine.HandleResult(c.Request.Context(), c.Param("id"), req.Epoch, req.Result, req.Error); err != nil {
		s.apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// apiError maps domain sentinel errors onto HTTP status codes with the
// standard error envelope.
func (s *Server) apiError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidDefinition), errors.Is(err, domain.ErrCyclicDependency):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_DEFINITION", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrWorkflowNotFound), errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrStateNotFound), errors.Is(err, domain.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{Code: "NOT_FOUND", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrAgentAlreadyRegistered):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{Code: "AGENT_EXISTS", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrStaleEpoch):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{Code: "STALE_EPOCH", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{Code: "ALREADY_TERMINAL", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrVersionConflict):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{Code: "VERSION_CONFLICT", Message: err.Error()},
		})
	case errors.Is(err, domain.ErrNotLeader):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{Code: "NOT_LEADER", Message: err.Error()},
		})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "INTERNAL", Message: err.Error()},
		})
	}
}
