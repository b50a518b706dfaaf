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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bitbucket.org/mmdatafocus/enrollment_backend/appctx"
	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/dispatch"
	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
	"bitbucket.org/mmdatafocus/enrollment_backend/fulfillment"
	"bitbucket.org/mmdatafocus/enrollment_backend/gateway"
	"bitbucket.org/mmdatafocus/enrollment_backend/metrics"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/reconcile"
	"bitbucket.org/mmdatafocus/enrollment_backend/report"
)

var tracer = otel.Tracer("enrollment-reconciler")

// TransactionSource is the gateway side of a reconciliation.
type TransactionSource interface {
	FetchTransactions(ctx context.Context, startDate, endDate time.Time) ([]gateway.Transaction, error)
	GetPayment(ctx context.Context, paymentKey string) (*gateway.PaymentDetail, error)
}

// EntityStore is the entitlement side: a full scan plus the read/merge the writer needs.
type EntityStore interface {
	ScanAll(ctx context.Context, table string) ([]entitlement.Record, error)
	fulfillment.Store
}

// RunRequest overrides the configured defaults for one run. Empty fields keep the defaults.
type RunRequest struct {
	RunId         string `json:"runId"`
	TriggeredBy   string `json:"triggeredBy"`
	WindowStart   string `json:"windowStart" validate:"omitempty,datetime=2006-01-02"`
	WindowEnd     string `json:"windowEnd" validate:"omitempty,datetime=2006-01-02"`
	DryRun        *bool  `json:"dryRun"`
	CorrelationId string `json:"correlationId"`
}

type RunResult struct {
	Run       *models.ReconciliationRun
	Report    *report.Report
	Locations []string
}

type ReconcileJob struct {
	Source   TransactionSource
	Store    EntityStore
	Table    string
	Catalog  *fulfillment.Catalog
	Recorder RunRecorder
	Lock     RunLock
	Sink     report.Sink
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger

	Reconcile config.ReconcileConfig
	Dispatch  config.DispatchConfig
	Report    config.ReportConfig

	Now func() time.Time
}

func (j *ReconcileJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *ReconcileJob) logger() *logrus.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return logrus.StandardLogger()
}

// Run fetches the gateway feed and scans the store for the window, diffs them, resolves every
// gateway-only order to a fulfillment task and, unless this is a dry run, applies the tasks
// through the dispatcher. A failed fetch or scan fails the whole run without a report.
func (j *ReconcileJob) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	started := j.now()
	cfg := j.Reconcile
	if req.WindowStart != "" || req.WindowEnd != "" {
		cfg.WindowStart, cfg.WindowEnd = req.WindowStart, req.WindowEnd
	}
	dryRun := cfg.DryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
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
	ctx, span := tracer.Start(ctx, "reconcile.run", trace.WithAttributes(attribute.String("run_id", runId), attribute.Bool("dry_run", dryRun)))
	defer span.End()

	log := j.logger().WithFields(logrus.Fields{"job": models.RunJobReconcile, "run_id": runId})

	start, end, err := cfg.Window(started)
	if err != nil {
		return nil, err
	}
	loc := start.Location()

	if j.Lock != nil {
		release, err := j.Lock.Acquire(ctx, models.RunJobReconcile)
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
		Job:           models.RunJobReconcile,
		TriggeredBy:   triggeredBy,
		DryRun:        dryRun,
		WindowStart:   &start,
		WindowEnd:     &end,
		CorrelationId: req.CorrelationId,
		StartedAt:     &started,
	}
	if err := j.Recorder.Start(ctx, run); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	log.WithFields(logrus.Fields{"window_start": start, "window_end": end, "dry_run": dryRun}).Info("reconciliation started")

	txs, records, err := j.load(ctx, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		j.fail(ctx, run, started, err)
		return &RunResult{Run: run}, err
	}

	result := reconcile.Reconcile(txs, records, reconcile.Window{Start: start, End: end}, reconcile.Options{
		Methods:  methodFilter(cfg.Methods),
		Location: loc,
	})
	summary := reconcile.BuildSummary(result, j.Report.SampleSize)
	j.Metrics.SetUnmatched(len(result.GatewayOnly), len(result.StoreOnly), len(result.Conflicts))
	log.WithFields(logrus.Fields{
		"fetched":     result.Fetched,
		"eligible":    result.Eligible,
		"matched":     len(result.Matched),
		"gatewayOnly": len(result.GatewayOnly),
		"storeOnly":   len(result.StoreOnly),
		"conflicts":   len(result.Conflicts),
	}).Info("reconciliation computed")

	rep := report.New(runId, report.JobReconcile, dryRun, j.now())
	rep.Reconciliation = &summary

	tasks := j.plan(ctx, result, records, rep)
	var outcomes []models.RunOutcome
	if dryRun {
		for _, t := range tasks {
			rep.AddTask(taskLine(t, string(fulfillment.OutcomePlanned), nil))
		}
	} else {
		outcomes = j.apply(ctx, tasks, rep, runId)
	}

	// a cancelled run still reports and records what it did
	finalCtx := context.WithoutCancel(ctx)
	locations := j.publish(finalCtx, rep, log)

	finished := j.now()
	run.Status = models.RunStatusSuccess
	if rep.Dispatch.FailCount > 0 || len(rep.Unresolved) > 0 {
		run.Status = models.RunStatusPartial
	}
	run.TaskCount = len(tasks)
	run.SuccessCount = rep.Dispatch.SuccessCount
	run.FailCount = rep.Dispatch.FailCount
	run.StatsJSON, _ = json.Marshal(summary)
	run.ReportLocations, _ = json.Marshal(locations)
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()

	if err := j.Recorder.Finish(finalCtx, run, outcomes, findings(result, rep, runId, req.CorrelationId)); err != nil {
		config.LogError(j.logger(), "workflow", "ReconcileJob.Run", "record run finish", runId, err)
	}
	j.Metrics.ObserveRun(models.RunJobReconcile, run.Status, finished.Sub(started))
	log.WithFields(logrus.Fields{
		"status":     run.Status,
		"tasks":      run.TaskCount,
		"failed":     run.FailCount,
		"unresolved": len(rep.Unresolved),
	}).Info("reconciliation finished")

	return &RunResult{Run: run, Report: rep, Locations: locations}, nil
}

func (j *ReconcileJob) load(ctx context.Context, start, end time.Time) ([]gateway.Transaction, []entitlement.Record, error) {
	fetchCtx, span := tracer.Start(ctx, "gateway.fetch")
	t0 := time.Now()
	txs, err := j.Source.FetchTransactions(fetchCtx, start, end)
	span.End()
	if err != nil {
		return nil, nil, fmt.Errorf("fetch transactions: %w", err)
	}
	j.Metrics.ObserveExternalRead("gateway", time.Since(t0))

	scanCtx, span := tracer.Start(ctx, "store.scan")
	t0 = time.Now()
	records, err := j.Store.ScanAll(scanCtx, j.Table)
	span.End()
	if err != nil {
		return nil, nil, fmt.Errorf("scan store: %w", err)
	}
	j.Metrics.ObserveExternalRead("store", time.Since(t0))
	return txs, records, nil
}

// plan resolves gateway-only orders to tasks. Orders that cannot be resolved are listed as
// unresolved; they never block the rest.
func (j *ReconcileJob) plan(ctx context.Context, result reconcile.Result, records []entitlement.Record, rep *report.Report) []fulfillment.Task {
	ctx, span := tracer.Start(ctx, "fulfillment.plan")
	defer span.End()

	gatewayOnly := make([]gateway.Transaction, 0, len(result.GatewayOnly))
	for _, orderID := range result.GatewayOnly {
		gatewayOnly = append(gatewayOnly, result.Transactions[orderID])
	}
	planner := fulfillment.NewPlanner(j.Catalog, fulfillment.NewSubjectIndex(records), j.Source)
	planned := dispatch.Run(ctx, gatewayOnly, planner.Plan, j.dispatchOptions("plan"))

	tasks := make([]fulfillment.Task, 0, len(planned))
	for _, o := range planned {
		if !o.OK() {
			rep.AddUnresolved(o.Task.OrderID, o.Err)
			continue
		}
		tasks = append(tasks, o.Result)
	}
	return tasks
}

func (j *ReconcileJob) apply(ctx context.Context, tasks []fulfillment.Task, rep *report.Report, runId string) []models.RunOutcome {
	ctx, span := tracer.Start(ctx, "fulfillment.apply")
	defer span.End()

	writer := fulfillment.NewWriter(j.Store, j.Table, j.logger())
	results := dispatch.Run(ctx, tasks, writer.Execute, j.dispatchOptions(models.RunJobReconcile))
	rep.Dispatch = dispatch.Summarize(results)

	var failed []models.RunOutcome
	for _, o := range results {
		outcome := o.Result
		if !o.OK() {
			outcome = fulfillment.OutcomeFailed
			failed = append(failed, models.RunOutcome{
				RunId:     runId,
				OrderId:   o.Task.OrderID,
				Subject:   o.Task.Subject.String(),
				Outcome:   string(outcome),
				Message:   o.Err.Error(),
				Retryable: errors.Is(o.Err, fulfillment.ErrConflictOrTransient) || errors.Is(o.Err, context.Canceled),
			})
		}
		rep.AddTask(taskLine(o.Task, string(outcome), o.Err))
	}
	span.SetAttributes(attribute.Int("tasks", len(tasks)), attribute.Int("failed", rep.Dispatch.FailCount))
	return failed
}

func (j *ReconcileJob) publish(ctx context.Context, rep *report.Report, log *logrus.Entry) []string {
	if j.Sink == nil {
		return nil
	}
	locations, err := report.Publish(ctx, j.Sink, rep)
	if err != nil {
		log.Warnf("publish report: %v", err)
	}
	return locations
}

func (j *ReconcileJob) fail(ctx context.Context, run *models.ReconciliationRun, started time.Time, cause error) {
	finished := j.now()
	run.Status = models.RunStatusFailed
	run.ErrorMessage = cause.Error()
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()
	if err := j.Recorder.Finish(context.WithoutCancel(ctx), run, nil, nil); err != nil {
		config.LogError(j.logger(), "workflow", "ReconcileJob.Run", "record run failure", run.RunId, err)
	}
	config.LogError(j.logger(), "workflow", "ReconcileJob.Run", "reconciliation aborted", run.RunId, cause)
	j.Metrics.ObserveRun(run.Job, run.Status, finished.Sub(started))
}

func (j *ReconcileJob) dispatchOptions(job string) dispatch.Options {
	return dispatch.Options{
		Concurrency:     j.Dispatch.Concurrency,
		InterBatchDelay: j.Dispatch.InterBatchDelay,
		Observe:         j.Metrics.TaskObserver(job),
	}
}

func methodFilter(names []string) reconcile.MethodFilter {
	if len(names) == 0 {
		return reconcile.DefaultMethods()
	}
	return reconcile.MethodsFrom(names)
}

func taskLine(t fulfillment.Task, outcome string, err error) report.TaskLine {
	line := report.TaskLine{
		OrderID:    t.OrderID,
		Subject:    t.Subject.String(),
		Email:      t.Email,
		CourseID:   t.CourseID,
		CourseName: t.CourseName,
		Amount:     t.Amount,
		Outcome:    outcome,
	}
	if err != nil {
		line.Error = err.Error()
	}
	return line
}

func findings(result reconcile.Result, rep *report.Report, runId, correlationId string) []models.ReconciliationFinding {
	out := make([]models.ReconciliationFinding, 0, len(result.GatewayOnly)+len(result.StoreOnly)+len(result.Conflicts)+len(rep.Unresolved))
	for _, orderID := range result.GatewayOnly {
		tx := result.Transactions[orderID]
		out = append(out, models.ReconciliationFinding{
			RunId:         runId,
			Kind:          models.FindingGatewayOnly,
			OrderId:       orderID,
			Details:       fmt.Sprintf("amount=%d method=%s at=%s", tx.Amount, tx.Method, tx.OccurredAt.Format(time.RFC3339)),
			CorrelationId: correlationId,
		})
	}
	for _, orderID := range result.StoreOnly {
		entry := result.StoreEntries[orderID]
		out = append(out, models.ReconciliationFinding{
			RunId:         runId,
			Kind:          models.FindingStoreOnly,
			OrderId:       orderID,
			Details:       fmt.Sprintf("subject=%s email=%s", entry.Subject, entry.Email),
			CorrelationId: correlationId,
		})
	}
	for _, c := range result.Conflicts {
		subjects := make([]string, 0, len(c.Subjects))
		for _, s := range c.Subjects {
			subjects = append(subjects, s.String())
		}
		out = append(out, models.ReconciliationFinding{
			RunId:         runId,
			Kind:          models.FindingConflict,
			OrderId:       c.OrderID,
			Details:       "subjects=" + strings.Join(subjects, ","),
			CorrelationId: correlationId,
		})
	}
	for _, u := range rep.Unresolved {
		out = append(out, models.ReconciliationFinding{
			RunId:         runId,
			Kind:          models.FindingUnresolved,
			OrderId:       u.OrderID,
			Details:       u.Reason,
			CorrelationId: correlationId,
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
