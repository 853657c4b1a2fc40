// Package httpapi is the thin HTTP surface over the turn engine, tool
// dispatcher and job scheduler: chat.run, chat.stream, chat.jobs.enqueue,
// tools.sql, tools.python. Grounded on the teacher's cmd/tarsy/main.go router
// wiring (gin.Default(), a /health endpoint) generalized to the routes this
// runtime's callers actually need.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ssh-vom/analysisd/internal/errs"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/scheduler"
	"github.com/ssh-vom/analysisd/internal/store"
	"github.com/ssh-vom/analysisd/internal/tooling"
	"github.com/ssh-vom/analysisd/internal/turn"
)

// statusFor maps a core error kind to its HTTP status, per spec §7: BadRequest
// and malformed-input errors surface as 400, unknown entities as 404, head
// conflicts that escape retry as 409, and capacity exhaustion as 429.
// Anything else is an unexpected internal failure.
func statusFor(err error) int {
	switch err.(type) {
	case *errs.BadRequestError:
		return http.StatusBadRequest
	case *errs.NotFoundError:
		return http.StatusNotFound
	case *errs.HeadConflictError:
		return http.StatusConflict
	case *errs.CapacityLimitError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Server wires the HTTP routes to the in-process services.
type Server struct {
	Engine     *turn.Engine
	Dispatcher *tooling.Dispatcher
	Scheduler  *scheduler.Scheduler
	Jobs       *store.JobStore
	DB         *sql.DB
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.handleHealth)
	r.POST("/chat.run", s.handleChatRun)
	r.POST("/chat.stream", s.handleChatStream)
	r.POST("/chat.jobs.enqueue", s.handleJobsEnqueue)
	r.GET("/chat.jobs/:job_id", s.handleJobsGet)
	r.POST("/tools.sql", s.handleToolsSQL)
	r.POST("/tools.python", s.handleToolsPython)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.DB.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type turnRequestBody struct {
	WorldlineID   string `json:"worldline_id" binding:"required"`
	Message       string `json:"message" binding:"required"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	MaxIterations int    `json:"max_iterations"`
}

func clampIterations(n int) int {
	switch {
	case n <= 0:
		return 0
	case n > 100:
		return 100
	case n < 1:
		return 1
	default:
		return n
	}
}

func (s *Server) handleChatRun(c *gin.Context) {
	var body turnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := turn.TurnOptions{AllowTools: true, MaxIterations: clampIterations(body.MaxIterations)}
	result, err := s.Engine.RunTurnWithOptions(c.Request.Context(), body.WorldlineID, body.Message, opts)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"worldline_id": result.ActiveWorldlineID,
		"events":       result.Events,
	})
}

// handleChatStream runs a turn inline and relays each appended event as an
// SSE frame (event/delta/done/error), matching spec §6's chat.stream frame
// sequence. There is no token-level delta here — the turn engine streams
// whole events, not partial text chunks, to this layer; "delta" frames carry
// the same payload as "event" and exist so a caller's frame parser doesn't
// need a special case for a run with no incremental text.
func (s *Server) handleChatStream(c *gin.Context) {
	var body turnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	onEvent := func(ctx context.Context, worldlineID string, event *model.Event) {
		c.SSEvent("event", gin.H{"worldline_id": worldlineID, "event": event})
		c.SSEvent("delta", gin.H{"worldline_id": worldlineID, "event": event})
		c.Writer.Flush()
	}

	opts := turn.TurnOptions{
		AllowTools:    true,
		MaxIterations: clampIterations(body.MaxIterations),
		OnEvent:       onEvent,
	}
	result, err := s.Engine.RunTurnWithOptions(c.Request.Context(), body.WorldlineID, body.Message, opts)
	if err != nil {
		c.SSEvent("error", gin.H{"error": err.Error()})
		c.Writer.Flush()
		return
	}

	c.SSEvent("done", gin.H{"worldline_id": result.ActiveWorldlineID, "event_count": len(result.Events)})
	c.Writer.Flush()
}

type jobEnqueueBody struct {
	turnRequestBody
	ThreadID string `json:"thread_id" binding:"required"`
}

func (s *Server) handleJobsEnqueue(c *gin.Context) {
	var body jobEnqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := s.Scheduler.Enqueue(c.Request.Context(), store.EnqueueParams{
		ThreadID:    body.ThreadID,
		WorldlineID: body.WorldlineID,
		Request: model.TurnRequest{
			Message:       body.Message,
			Provider:      body.Provider,
			Model:         body.Model,
			MaxIterations: clampIterations(body.MaxIterations),
		},
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	job, err := s.Jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	queuePosition := 1
	if queued, err := s.Jobs.ListQueued(c.Request.Context()); err == nil {
		for i, j := range queued {
			if j.ID == jobID {
				queuePosition = i + 1
				break
			}
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job, "queue_position": queuePosition})
}

func (s *Server) handleJobsGet(c *gin.Context) {
	job, err := s.Jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

type sqlToolBody struct {
	WorldlineID            string   `json:"worldline_id" binding:"required"`
	SQL                    string   `json:"sql" binding:"required"`
	Limit                  int      `json:"limit"`
	AllowedExternalAliases []string `json:"allowed_external_aliases"`
	CallID                 string   `json:"call_id"`
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 100
	case n > 100_000:
		return 100_000
	default:
		return n
	}
}

func (s *Server) handleToolsSQL(c *gin.Context) {
	var body sqlToolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.Dispatcher.SQL.ExecuteSQLTool(c.Request.Context(), tooling.SQLToolRequest{
		WorldlineID:            body.WorldlineID,
		SQL:                    body.SQL,
		Limit:                  clampLimit(body.Limit),
		AllowedExternalAliases: body.AllowedExternalAliases,
		CallID:                 body.CallID,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type pythonToolBody struct {
	WorldlineID string `json:"worldline_id" binding:"required"`
	Code        string `json:"code" binding:"required"`
	Timeout     int    `json:"timeout"`
	CallID      string `json:"call_id"`
}

func clampTimeout(n int) int {
	switch {
	case n <= 0:
		return 30
	case n > 600:
		return 600
	default:
		return n
	}
}

func (s *Server) handleToolsPython(c *gin.Context) {
	var body pythonToolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.Dispatcher.Python.ExecutePythonTool(c.Request.Context(), tooling.PythonToolRequest{
		WorldlineID: body.WorldlineID,
		Code:        body.Code,
		Timeout:     clampTimeout(body.Timeout),
		CallID:      body.CallID,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
