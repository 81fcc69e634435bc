package jobqueue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/skyfleet/missionagent/internal/jobs"
)

// API is the operator facing HTTP interface.
type API struct {
	store     Jobs
	notifier  Enqueuer
	publisher Publisher
}

func NewAPI(store Jobs, notifier Enqueuer, publisher Publisher) *API {
	return &API{store: store, notifier: notifier, publisher: publisher}
}

// Router returns the gin engine serving the API. An empty origins list
// allows any origin.
func (a *API) Router(origins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1/things/:thing", validThing)
	{
		v1.POST("/jobs", a.createJob)
		v1.GET("/jobs", a.listJobs)
		v1.GET("/jobs/:id", a.getJob)
		v1.POST("/cancel", a.cancel)
	}
	return router
}

func validThing(c *gin.Context) {
	if !jobs.ValidToken(c.Param("thing")) {
		abort(c, http.StatusBadRequest, jobs.CodeInvalidRequest, "invalid thing name")
		return
	}
	c.Next()
}

func (a *API) createJob(c *gin.Context) {
	thing := c.Param("thing")
	raw, err := c.GetRawData()
	if err != nil {
		abort(c, http.StatusBadRequest, jobs.CodeInvalidRequest, err.Error())
		return
	}
	record, err := a.store.Create(c.Request.Context(), thing, json.RawMessage(raw))
	if errors.Is(err, ErrInvalidDocument) {
		abort(c, http.StatusBadRequest, jobs.CodeInvalidRequest, err.Error())
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	slog.InfoContext(c.Request.Context(), "job created", "thing", thing, "job_id", record.JobID)
	if err := a.notifier.Enqueue(c.Request.Context(), thing); err != nil {
		slog.WarnContext(c.Request.Context(), "enqueueing notification has failed", "error", err)
	}
	c.JSON(http.StatusCreated, record)
}

func (a *API) listJobs(c *gin.Context) {
	pending, err := a.store.Pending(c.Request.Context(), c.Param("thing"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs.PendingResponse{
		QueuedJobs:     summaries(pending.Queued),
		InProgressJobs: summaries(pending.InProgress),
		Timestamp:      time.Now(),
	})
}

func (a *API) getJob(c *gin.Context) {
	record, err := a.store.Get(c.Request.Context(), c.Param("thing"), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		abort(c, http.StatusNotFound, jobs.CodeNotFound, "job not found")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// cancel forwards a cancel request to the agent. An empty body cancels
// whatever the agent executes.
func (a *API) cancel(c *gin.Context) {
	var req jobs.CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, jobs.CodeInvalidRequest, err.Error())
			return
		}
	}
	if req.JobID != "" && !jobs.ValidToken(req.JobID) {
		abort(c, http.StatusBadRequest, jobs.CodeInvalidRequest, "invalid job id")
		return
	}
	raw, err := json.Marshal(req)
	if err != nil {
		internalError(c, err)
		return
	}
	if err := a.publisher.Publish(jobs.CancelSubject(c.Param("thing")), raw); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

func internalError(c *gin.Context, err error) {
	slog.ErrorContext(c.Request.Context(), "request has failed", "path", c.FullPath(), "error", err)
	abort(c, http.StatusInternalServerError, jobs.CodeInternalError, "internal error")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
