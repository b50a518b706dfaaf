package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bitbucket.org/mmdatafocus/enrollment_backend/appctx"
	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/dispatch"
	"bitbucket.org/mmdatafocus/enrollment_backend/escrow"
	"bitbucket.org/mmdatafocus/enrollment_backend/metrics"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/report"
)

const escrowHandlerName = "escrow.register"

const (
	EscrowOutcomeRegistered = "registered"
	EscrowOutcomeSkipped    = "skipped-duplicate"
	EscrowOutcomeFailed     = "failed"
	EscrowOutcomePlanned    = "planned"
)

type Registrar interface {
	Register(ctx context.Context, o escrow.Order) (string, error)
}

type EscrowRequest struct {
	RunId         string
	TriggeredBy   string
	CorrelationId string
	DryRun        bool
	Orders        []escrow.Order
	// Rejected are import rows that never became orders; they are listed in the report.
	Rejected []escrow.RowError
}

// EscrowJob registers delivery completion for a list of escrow orders.
type EscrowJob struct {
	Registrar   Registrar
	MerchantID  string
	Idempotency Idempotency
	Recorder    RunRecorder
	Lock        RunLock
	Sink        report.Sink
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
	Dispatch    config.DispatchConfig
	Now         func() time.Time
}

func (j *EscrowJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *EscrowJob) logger() *logrus.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return logrus.StandardLogger()
}

// Run registers every order through the dispatcher. A failed registration (rejected body,
// unencodable name, network error) fails that order only. Orders already registered by an
// earlier run are skipped when an Idempotency store is configured.
func (j *EscrowJob) Run(ctx context.Context, req EscrowRequest) (*RunResult, error) {
	started := j.now()
	runId := strings.TrimSpace(req.RunId)
	if runId == "" {
		runId = uuid.NewString()
	}
	triggeredBy := firstNonEmpty(req.TriggeredBy, models.RunTriggeredCLI)
	ctx = appctx.SetRunId(ctx, runId)
	ctx = appctx.SetTriggeredBy(ctx, triggeredBy)
	if req.CorrelationId != "" {
		ctx = appctx.SetCorrelationId(ctx, req.CorrelationId)
	}
	ctx, span := tracer.Start(ctx, "escrow.run", trace.WithAttributes(attribute.String("run_id", runId), attribute.Int("orders", len(req.Orders))))
	defer span.End()

	log := j.logger().WithFields(logrus.Fields{"job": models.RunJobEscrow, "run_id": runId})

	if j.Lock != nil {
		release, err := j.Lock.Acquire(ctx, models.RunJobEscrow)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("release run lock: %v", err)
			}
		}()
	}

	run := &models.ReconciliationRun{
		RunId:         runId,
		Job:           models.RunJobEscrow,
		TriggeredBy:   triggeredBy,
		DryRun:        req.DryRun,
		CorrelationId: req.CorrelationId,
		StartedAt:     &started,
	}
	if err := j.Recorder.Start(ctx, run); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	log.WithFields(logrus.Fields{"orders": len(req.Orders), "dry_run": req.DryRun}).Info("escrow registration started")

	rep := report.New(runId, report.JobEscrow, req.DryRun, j.now())
	for _, row := range req.Rejected {
		rep.AddUnresolved(row.OrderID, row)
	}

	var outcomes []models.RunOutcome
	if req.DryRun {
		for _, o := range req.Orders {
			rep.AddTask(report.TaskLine{OrderID: o.OrderID, Outcome: EscrowOutcomePlanned})
		}
	} else {
		results := dispatch.Run(ctx, req.Orders, j.registerOne, dispatch.Options{
			Concurrency:     j.Dispatch.Concurrency,
			InterBatchDelay: j.Dispatch.InterBatchDelay,
			Observe:         j.Metrics.TaskObserver(models.RunJobEscrow),
		})
		rep.Dispatch = dispatch.Summarize(results)
		for _, r := range results {
			line := report.TaskLine{OrderID: r.Task.OrderID, Outcome: r.Result}
			if !r.OK() {
				line.Outcome = EscrowOutcomeFailed
				line.Error = r.Err.Error()
				outcomes = append(outcomes, models.RunOutcome{
					RunId:     runId,
					OrderId:   r.Task.OrderID,
					Outcome:   EscrowOutcomeFailed,
					Message:   r.Err.Error(),
					Retryable: !errors.Is(r.Err, escrow.ErrEncodingViolation),
				})
			}
			rep.AddTask(line)
		}
	}

	finalCtx := context.WithoutCancel(ctx)
	locations := j.publish(finalCtx, rep, log)

	finished := j.now()
	run.Status = models.RunStatusSuccess
	if rep.Dispatch.FailCount > 0 || len(rep.Unresolved) > 0 {
		run.Status = models.RunStatusPartial
	}
	run.TaskCount = len(req.Orders)
	run.SuccessCount = rep.Dispatch.SuccessCount
	run.FailCount = rep.Dispatch.FailCount
	run.StatsJSON, _ = json.Marshal(rep.Outcomes)
	run.ReportLocations, _ = json.Marshal(locations)
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()

	var rejected []models.ReconciliationFinding
	for _, u := range rep.Unresolved {
		rejected = append(rejected, models.ReconciliationFinding{
			RunId:         runId,
			Kind:          models.FindingUnresolved,
			OrderId:       u.OrderID,
			Details:       u.Reason,
			CorrelationId: req.CorrelationId,
		})
	}
	if err := j.Recorder.Finish(finalCtx, run, outcomes, rejected); err != nil {
		config.LogError(j.logger(), "workflow", "EscrowJob.Run", "record run finish", runId, err)
	}
	j.Metrics.ObserveRun(models.RunJobEscrow, run.Status, finished.Sub(started))
	log.WithFields(logrus.Fields{
		"status":    run.Status,
		"succeeded": run.SuccessCount,
		"failed":    run.FailCount,
	}).Info("escrow registration finished")

	return &RunResult{Run: run, Report: rep, Locations: locations}, nil
}

func (j *EscrowJob) registerOne(ctx context.Context, o escrow.Order) (string, error) {
	if j.Idempotency != nil {
		skip, err := j.Idempotency.Begin(ctx, j.MerchantID, escrowHandlerName, o.OrderID)
		if err != nil {
			return EscrowOutcomeFailed, err
		}
		if skip {
			return EscrowOutcomeSkipped, nil
		}
	}

	resp, err := j.Registrar.Register(ctx, o)
	if err != nil {
		if j.Idempotency != nil {
			if markErr := j.Idempotency.MarkFailed(context.WithoutCancel(ctx), j.MerchantID, escrowHandlerName, o.OrderID, err); markErr != nil {
				config.LogError(j.logger(), "workflow", "EscrowJob.registerOne", "mark idempotency failed", o.OrderID, markErr)
			}
		}
		return EscrowOutcomeFailed, err
	}

	if j.Idempotency != nil {
		if markErr := j.Idempotency.MarkSucceeded(context.WithoutCancel(ctx), j.MerchantID, escrowHandlerName, o.OrderID); markErr != nil {
			// The registration went through; a missing SUCCEEDED mark only costs a repeat call later.
			config.LogError(j.logger(), "workflow", "EscrowJob.registerOne", "mark idempotency succeeded", o.OrderID, markErr)
		}
	}
	j.logger().WithFields(logrus.Fields{"oid": o.OrderID, "response": resp}).Debug("escrow registered")
	return EscrowOutcomeRegistered, nil
}

func (j *EscrowJob) publish(ctx context.Context, rep *report.Report, log *logrus.Entry) []string {
	if j.Sink == nil {
		return nil
	}
	locations, err := report.Publish(ctx, j.Sink, rep)
	if err != nil {
		log.Warnf("publish report: %v", err)
	}
	return locations
}
