package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/appctx"
	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	windowDateLayout = "2006-01-02"
)

// Runner executes one reconciliation run. *workflow.ReconcileJob satisfies it.
type Runner interface {
	Run(ctx context.Context, req workflow.RunRequest) (*workflow.RunResult, error)
}

// Handlers serves the run API. Without a Publisher, queued runs are executed in this process.
type Handlers struct {
	runner    Runner
	recorder  workflow.RunRecorder
	publisher Publisher
	logger    *logrus.Logger
	validate  *validator.Validate
	location  *time.Location

	wg sync.WaitGroup
}

type Option func(*Handlers)

func WithPublisher(p Publisher) Option {
	return func(h *Handlers) { h.publisher = p }
}

// WithLocation sets the timezone used to turn a stored window back into dates on retry.
func WithLocation(loc *time.Location) Option {
	return func(h *Handlers) { h.location = loc }
}

func NewHandlers(runner Runner, recorder workflow.RunRecorder, logger *logrus.Logger, opts ...Option) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handlers{
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		validate: validator.New(),
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until every run started in this process has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

func (h *Handlers) CreateRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.RunRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if err := h.validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "windowStart and windowEnd must be YYYY-MM-DD"})
			return
		}

		req.RunId = uuid.NewString()
		req.TriggeredBy = firstNonEmpty(req.TriggeredBy, models.RunTriggeredManual)
		if cid, ok := appctx.GetCorrelationId(c.Request.Context()); ok {
			req.CorrelationId = cid
		}
		if err := h.queue(c.Request.Context(), req, nil); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": req.RunId, "status": models.RunStatusQueued})
	}
}

func (h *Handlers) RetryRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		parent, _, err := h.recorder.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, workflow.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if parent.Job != models.RunJobReconcile {
			c.JSON(http.StatusConflict, gin.H{"error": "only reconcile runs can be retried"})
			return
		}
		if !parent.IsFinished() {
			c.JSON(http.StatusConflict, gin.H{"error": "run has not finished"})
			return
		}

		dryRun := parent.DryRun
		req := workflow.RunRequest{
			RunId:       uuid.NewString(),
			TriggeredBy: models.RunTriggeredRetry,
			DryRun:      &dryRun,
		}
		if parent.WindowStart != nil {
			req.WindowStart = parent.WindowStart.In(h.location).Format(windowDateLayout)
		}
		if parent.WindowEnd != nil {
			req.WindowEnd = parent.WindowEnd.In(h.location).Format(windowDateLayout)
		}
		if cid, ok := appctx.GetCorrelationId(c.Request.Context()); ok {
			req.CorrelationId = cid
		}
		if err := h.queue(c.Request.Context(), req, &parent.RunId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": req.RunId, "status": models.RunStatusQueued, "parentRunId": parent.RunId})
	}
}

func (h *Handlers) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultListLimit
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxListLimit {
				limit = n
			}
		}
		runs, err := h.recorder.List(c.Request.Context(), strings.TrimSpace(c.Query("job")), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, RunHistoryResponse{Items: items})
	}
}

func (h *Handlers) GetRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, outcomes, err := h.recorder.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, workflow.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, RunDetailResponse{
			RunResponse: mapRunToResponse(*run),
			Outcomes:    mapOutcomes(outcomes),
		})
	}
}

// PubSubPushHandler executes the run named by a push message. It always answers 204 so a
// bad or failed message is not redelivered; failures are on the run record.
func (h *Handlers) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			h.logger.WithFields(logrus.Fields{"field": "pubsub"}).Warnf("undecodable push envelope: %v", err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg RunMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			h.logger.WithFields(logrus.Fields{"field": "pubsub", "message_id": envelope.Message.ID}).Warnf("undecodable run message: %v", err)
			c.Status(http.StatusNoContent)
			return
		}
		if msg.RunId == "" || msg.Job != models.RunJobReconcile {
			c.Status(http.StatusNoContent)
			return
		}

		// the run outlives a push request that times out
		ctx := context.WithoutCancel(c.Request.Context())
		if msg.CorrelationId != "" {
			ctx = appctx.SetCorrelationId(ctx, msg.CorrelationId)
		}
		h.execute(ctx, requestFromMessage(msg))
		c.Status(http.StatusNoContent)
	}
}

// queue records the run and hands it to the publisher. A publish failure falls back to
// running in this process so the run does not sit queued forever.
func (h *Handlers) queue(ctx context.Context, req workflow.RunRequest, parentRunId *string) error {
	run := &models.ReconciliationRun{
		RunId:         req.RunId,
		Job:           models.RunJobReconcile,
		TriggeredBy:   req.TriggeredBy,
		DryRun:        req.DryRun == nil || *req.DryRun,
		CorrelationId: req.CorrelationId,
		ParentRunId:   parentRunId,
	}
	if err := h.recorder.Queue(ctx, run); err != nil {
		return err
	}

	if h.publisher != nil {
		err := h.publisher.Publish(ctx, messageFromRequest(req))
		if err == nil {
			return nil
		}
		config.LogError(h.logger, "trigger", "Handlers.queue", "publish run", req.RunId, err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.execute(context.WithoutCancel(ctx), req)
	}()
	return nil
}

func (h *Handlers) execute(ctx context.Context, req workflow.RunRequest) {
	res, err := h.runner.Run(ctx, req)
	if err == nil {
		return
	}
	log := h.logger.WithFields(logrus.Fields{"run_id": req.RunId})
	if res != nil {
		// the job recorded the failure itself
		log.Warnf("run failed: %v", err)
		return
	}
	if errors.Is(err, workflow.ErrRunInProgress) {
		log.Warn("another run holds the lock; marking this one failed")
	} else {
		config.LogError(h.logger, "trigger", "Handlers.execute", "run did not start", req.RunId, err)
	}
	run, _, gerr := h.recorder.Get(ctx, req.RunId)
	if gerr != nil {
		run = &models.ReconciliationRun{RunId: req.RunId, Job: models.RunJobReconcile}
	}
	now := time.Now()
	run.Status = models.RunStatusFailed
	run.ErrorMessage = err.Error()
	run.FinishedAt = &now
	if ferr := h.recorder.Finish(ctx, run, nil, nil); ferr != nil {
		config.LogError(h.logger, "trigger", "Handlers.execute", "record failed run", req.RunId, ferr)
	}
}

func messageFromRequest(req workflow.RunRequest) RunMessage {
	return RunMessage{
		RunId:         req.RunId,
		Job:           models.RunJobReconcile,
		TriggeredBy:   req.TriggeredBy,
		WindowStart:   req.WindowStart,
		WindowEnd:     req.WindowEnd,
		DryRun:        req.DryRun,
		CorrelationId: req.CorrelationId,
	}
}

func requestFromMessage(msg RunMessage) workflow.RunRequest {
	return workflow.RunRequest{
		RunId:         msg.RunId,
		TriggeredBy:   msg.TriggeredBy,
		WindowStart:   msg.WindowStart,
		WindowEnd:     msg.WindowEnd,
		DryRun:        msg.DryRun,
		CorrelationId: msg.CorrelationId,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
