package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
	"bitbucket.org/mmdatafocus/enrollment_backend/escrow"
	"bitbucket.org/mmdatafocus/enrollment_backend/gateway"
	"bitbucket.org/mmdatafocus/enrollment_backend/metrics"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/report"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeSource struct {
	txs      []gateway.Transaction
	payments map[string]*gateway.PaymentDetail
	fetchErr error
	// onPayment runs before every lookup
	onPayment func()
}

func (f *fakeSource) FetchTransactions(context.Context, time.Time, time.Time) ([]gateway.Transaction, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.txs, nil
}

func (f *fakeSource) GetPayment(_ context.Context, key string) (*gateway.PaymentDetail, error) {
	if f.onPayment != nil {
		f.onPayment()
	}
	d, ok := f.payments[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrGatewayUnavailable, key)
	}
	cp := *d
	return &cp, nil
}

// memStore keeps entities as raw field maps and hands them back through DecodeEntity.
type memStore struct {
	mu       sync.Mutex
	order    []entitlement.SubjectKey
	entities map[entitlement.SubjectKey]map[string]any
	merges   int
}

func newMemStore() *memStore {
	return &memStore{entities: map[entitlement.SubjectKey]map[string]any{}}
}

func (s *memStore) add(email string, doc any) {
	key := entitlement.SubjectKey{PartitionKey: "users", RowKey: email}
	fields := map[string]any{"PartitionKey": key.PartitionKey, "RowKey": key.RowKey, "email": email}
	if doc != nil {
		b, _ := json.Marshal(doc)
		fields[entitlement.FieldEnrolledCourses] = string(b)
	}
	s.order = append(s.order, key)
	s.entities[key] = fields
}

func (s *memStore) decode(key entitlement.SubjectKey) (entitlement.Record, error) {
	raw, err := json.Marshal(s.entities[key])
	if err != nil {
		return entitlement.Record{}, err
	}
	return entitlement.DecodeEntity(raw)
}

func (s *memStore) ScanAll(context.Context, string) ([]entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entitlement.Record, 0, len(s.order))
	for _, key := range s.order {
		rec, err := s.decode(key)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, _ string, key entitlement.SubjectKey) (entitlement.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[key]; !ok {
		return entitlement.Record{}, false, nil
	}
	rec, err := s.decode(key)
	return rec, err == nil, err
}

func (s *memStore) Merge(_ context.Context, _ string, key entitlement.SubjectKey, fields map[string]any, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges++
	existing, ok := s.entities[key]
	if !ok {
		existing = map[string]any{"PartitionKey": key.PartitionKey, "RowKey": key.RowKey}
		s.entities[key] = existing
		s.order = append(s.order, key)
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func seoulDay(hour int) time.Time {
	return time.Date(2025, 12, 5, hour, 0, 0, 0, time.FixedZone("KST", 9*3600))
}

func scenario() (*fakeSource, *memStore) {
	src := &fakeSource{
		txs: []gateway.Transaction{
			{TransactionKey: "t1", PaymentKey: "pk1", OrderID: "order_1", Status: gateway.StatusDone, Method: gateway.MethodVirtualAccount, Amount: 45000, OccurredAt: seoulDay(10)},
			{TransactionKey: "t2", PaymentKey: "pk2", OrderID: "order_2", Status: gateway.StatusDone, Method: gateway.MethodVirtualAccount, Amount: 45000, OccurredAt: seoulDay(11)},
			{TransactionKey: "t3", PaymentKey: "pk3", OrderID: "order_3", Status: gateway.StatusDone, Method: gateway.MethodTransfer, Amount: 95000, OccurredAt: seoulDay(12)},
			{TransactionKey: "t4", PaymentKey: "pk4", OrderID: "order_4", Status: gateway.StatusDone, Method: gateway.MethodCard, Amount: 45000, OccurredAt: seoulDay(13)},
		},
		payments: map[string]*gateway.PaymentDetail{
			"pk2": {PaymentKey: "pk2", OrderID: "order_2", CustomerEmail: "B@x.com", CourseID: "ai-building-course"},
			"pk3": {PaymentKey: "pk3", OrderID: "order_3", CustomerEmail: "nobody@x.com", OrderName: "AI 에이전트 비기너"},
		},
	}
	store := newMemStore()
	store.add("a@x.com", map[string]any{
		"enrollments": []any{map[string]any{"courseId": "ai-building-course"}},
		"payments":    []any{map[string]any{"orderId": "order_1", "amount": 45000, "paymentDate": "2025-12-05T10:00:00+09:00"}},
	})
	store.add("b@x.com", nil)
	store.add("c@x.com", map[string]any{
		"payments": []any{map[string]any{"orderId": "manual_9", "amount": 0, "paymentDate": "2025-12-05T15:00:00+09:00"}},
	})
	return src, store
}

func newReconcileJob(t *testing.T, src *fakeSource, store *memStore, m *metrics.Metrics) (*ReconcileJob, *MemoryRunRecorder) {
	t.Helper()
	rec := NewMemoryRunRecorder()
	return &ReconcileJob{
		Source:   src,
		Store:    store,
		Table:    "users",
		Recorder: rec,
		Lock:     NewLocalRunLock(),
		Sink:     report.LocalSink{Dir: t.TempDir()},
		Metrics:  m,
		Logger:   quietLogger(),
		Reconcile: config.ReconcileConfig{
			WindowStart: "2025-12-05",
			WindowEnd:   "2025-12-05",
			Timezone:    "Asia/Seoul",
		},
		Dispatch: config.DispatchConfig{Concurrency: 5},
		Report:   config.ReportConfig{SampleSize: 10},
		Now:      func() time.Time { return time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC) },
	}, rec
}

func boolPtr(b bool) *bool { return &b }

func TestReconcileJobAppliesGatewayOnlyOrders(t *testing.T) {
	src, store := scenario()
	m := metrics.New(prometheus.NewRegistry())
	job, rec := newReconcileJob(t, src, store, m)

	res, err := job.Run(context.Background(), RunRequest{DryRun: boolPtr(false)})
	require.NoError(t, err)

	s := res.Report.Reconciliation
	require.NotNil(t, s)
	assert.Equal(t, 4, s.Fetched)
	assert.Equal(t, 3, s.Eligible)
	assert.Equal(t, 1, s.Matched)
	assert.Equal(t, 2, s.GatewayOnly)
	assert.Equal(t, 1, s.StoreOnly)
	assert.Equal(t, 1, s.StoreOnlyManual)

	require.Len(t, res.Report.Tasks, 1)
	assert.Equal(t, "order_2", res.Report.Tasks[0].OrderID)
	assert.Equal(t, "applied", res.Report.Tasks[0].Outcome)
	require.Len(t, res.Report.Unresolved, 1)
	assert.Equal(t, "order_3", res.Report.Unresolved[0].OrderID)

	assert.Equal(t, models.RunStatusPartial, res.Run.Status)
	assert.Equal(t, 1, res.Run.SuccessCount)
	assert.Len(t, res.Locations, 2)
	assert.Equal(t, 1, store.merges)

	updated, found, err := store.Get(context.Background(), "users", entitlement.SubjectKey{PartitionKey: "users", RowKey: "b@x.com"})
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, updated.HasCourse("ai-building-course"))
	assert.True(t, updated.HasOrder("order_2"))

	stored, _, err := rec.Get(context.Background(), res.Run.RunId)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, stored.Status)

	kinds := map[string]int{}
	for _, f := range rec.Findings(res.Run.RunId) {
		kinds[f.Kind]++
	}
	assert.Equal(t, map[string]int{
		models.FindingGatewayOnly: 2,
		models.FindingStoreOnly:   1,
		models.FindingUnresolved:  1,
	}, kinds)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskResults.WithLabelValues("reconcile", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskResults.WithLabelValues("plan", "failure")))

	// the applied order is matched on the next run and nothing is written again
	again, err := job.Run(context.Background(), RunRequest{DryRun: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Report.Reconciliation.Matched)
	assert.Empty(t, again.Report.Tasks)
	assert.Equal(t, 1, store.merges)
}

func TestReconcileJobDryRunWritesNothing(t *testing.T) {
	src, store := scenario()
	job, _ := newReconcileJob(t, src, store, nil)
	job.Reconcile.DryRun = true

	res, err := job.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Len(t, res.Report.Tasks, 1)
	assert.Equal(t, "planned", res.Report.Tasks[0].Outcome)
	assert.True(t, res.Run.DryRun)
	assert.Zero(t, store.merges)
}

func TestReconcileJobFetchFailureAbortsWithoutReport(t *testing.T) {
	src, store := scenario()
	src.fetchErr = fmt.Errorf("%w: http 503", gateway.ErrGatewayUnavailable)
	job, rec := newReconcileJob(t, src, store, nil)

	res, err := job.Run(context.Background(), RunRequest{RunId: "run-x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	assert.Nil(t, res.Report)

	stored, _, err := rec.Get(context.Background(), "run-x")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "fetch transactions")
}

func TestReconcileJobWindowOverride(t *testing.T) {
	src, store := scenario()
	job, _ := newReconcileJob(t, src, store, nil)

	res, err := job.Run(context.Background(), RunRequest{WindowStart: "2025-12-06", DryRun: boolPtr(true)})
	require.NoError(t, err)
	assert.Zero(t, res.Report.Reconciliation.Eligible)
	assert.Equal(t, "2025-12-06", res.Run.WindowStart.Format("2006-01-02"))
}

func TestReconcileJobRejectsOverlappingRun(t *testing.T) {
	src, store := scenario()
	job, _ := newReconcileJob(t, src, store, nil)

	release, err := job.Lock.Acquire(context.Background(), models.RunJobReconcile)
	require.NoError(t, err)
	_, err = job.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, release(context.Background()))
	_, err = job.Run(context.Background(), RunRequest{})
	assert.NoError(t, err)
}

// strictRecorder refuses writes on a done context, the way a database driver does.
type strictRecorder struct {
	*MemoryRunRecorder
}

func (r strictRecorder) Finish(ctx context.Context, run *models.ReconciliationRun, outcomes []models.RunOutcome, findings []models.ReconciliationFinding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRunRecorder.Finish(ctx, run, outcomes, findings)
}

func TestReconcileJobCancelledMidRunIsStillFinished(t *testing.T) {
	src, store := scenario()
	job, _ := newReconcileJob(t, src, store, nil)
	rec := strictRecorder{NewMemoryRunRecorder()}
	job.Recorder = rec

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onPayment = cancel

	res, err := job.Run(ctx, RunRequest{RunId: "run-cancel", DryRun: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, res.Run.Status)
	assert.Equal(t, 1, res.Run.FailCount)
	assert.Zero(t, store.merges)
	assert.Len(t, res.Locations, 2)

	stored, outcomes, err := rec.Get(context.Background(), "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, stored.Status)
	assert.True(t, stored.IsFinished())
	require.Len(t, outcomes, 1)
	assert.Equal(t, "order_2", outcomes[0].OrderId)
	assert.True(t, outcomes[0].Retryable)
}

func TestEscrowJobCancelledMidRunIsStillFinished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := &cancellingRegistrar{cancel: cancel}
	rec := strictRecorder{NewMemoryRunRecorder()}
	job := &EscrowJob{Registrar: reg, Recorder: rec, Lock: NewLocalRunLock(), Logger: quietLogger(), Dispatch: config.DispatchConfig{Concurrency: 1}}

	res, err := job.Run(ctx, EscrowRequest{RunId: "escrow-cancel", Orders: []escrow.Order{
		{OrderID: "order_a", ReceiverName: "a", ReceiveDate: "202512051200"},
		{OrderID: "order_b", ReceiverName: "b", ReceiveDate: "202512051200"},
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"registered": 1, "failed": 1}, res.Report.Outcomes)

	stored, _, err := rec.Get(context.Background(), "escrow-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, stored.Status)
	assert.True(t, stored.IsFinished())
}

type cancellingRegistrar struct {
	cancel context.CancelFunc
}

func (r *cancellingRegistrar) Register(context.Context, escrow.Order) (string, error) {
	r.cancel()
	return "OK", nil
}

type fakeRegistrar struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeRegistrar) Register(_ context.Context, o escrow.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, o.OrderID)
	if err := f.fail[o.OrderID]; err != nil {
		return "FAIL", err
	}
	return "OK", nil
}

type memIdempotency struct {
	mu     sync.Mutex
	status map[string]models.IdempotencyStatus
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{status: map[string]models.IdempotencyStatus{}}
}

func (m *memIdempotency) Begin(_ context.Context, scope, handler, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope + "|" + handler + "|" + id
	switch m.status[key] {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		return false, ErrIdempotencyInProgress
	}
	m.status[key] = models.IdempotencyStatusStarted
	return false, nil
}

func (m *memIdempotency) MarkSucceeded(_ context.Context, scope, handler, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[scope+"|"+handler+"|"+id] = models.IdempotencyStatusSucceeded
	return nil
}

func (m *memIdempotency) MarkFailed(_ context.Context, scope, handler, id string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[scope+"|"+handler+"|"+id] = models.IdempotencyStatusFailed
	return nil
}

func TestEscrowJobRegistersAndSkipsOnRerun(t *testing.T) {
	reg := &fakeRegistrar{fail: map[string]error{
		"order_b": fmt.Errorf("%w: FAIL", escrow.ErrRegistrationRejected),
		"order_c": fmt.Errorf("%w: \"😀\"", escrow.ErrEncodingViolation),
	}}
	job := &EscrowJob{
		Registrar:   reg,
		MerchantID:  "tmid",
		Idempotency: newMemIdempotency(),
		Recorder:    NewMemoryRunRecorder(),
		Lock:        NewLocalRunLock(),
		Logger:      quietLogger(),
		Dispatch:    config.DispatchConfig{Concurrency: 2},
	}
	orders := []escrow.Order{
		{OrderID: "order_a", ReceiverName: "a", ReceiveDate: "202512051200"},
		{OrderID: "order_b", ReceiverName: "b", ReceiveDate: "202512051200"},
		{OrderID: "order_c", ReceiverName: "c", ReceiveDate: "202512051200"},
	}

	res, err := job.Run(context.Background(), EscrowRequest{
		Orders:   orders,
		Rejected: []escrow.RowError{{Row: 7, OrderID: "order_z", Reason: "no readable payment date"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.Dispatch.SuccessCount)
	assert.Equal(t, 2, res.Report.Dispatch.FailCount)
	assert.Equal(t, map[string]int{"registered": 1, "failed": 2}, res.Report.Outcomes)
	require.Len(t, res.Report.Unresolved, 1)
	assert.Equal(t, models.RunStatusPartial, res.Run.Status)

	_, outcomes, err := job.Recorder.Get(context.Background(), res.Run.RunId)
	require.NoError(t, err)
	retryable := map[string]bool{}
	for _, o := range outcomes {
		retryable[o.OrderId] = o.Retryable
	}
	assert.Equal(t, map[string]bool{"order_b": true, "order_c": false}, retryable)

	delete(reg.fail, "order_b")
	again, err := job.Run(context.Background(), EscrowRequest{Orders: orders})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"registered": 1, "skipped-duplicate": 1, "failed": 1}, again.Report.Outcomes)

	calls := map[string]int{}
	for _, c := range reg.calls {
		calls[c]++
	}
	assert.Equal(t, map[string]int{"order_a": 1, "order_b": 2, "order_c": 2}, calls)
}

func TestEscrowJobDryRun(t *testing.T) {
	reg := &fakeRegistrar{}
	job := &EscrowJob{Registrar: reg, Recorder: NewMemoryRunRecorder(), Logger: quietLogger()}

	res, err := job.Run(context.Background(), EscrowRequest{
		DryRun: true,
		Orders: []escrow.Order{{OrderID: "order_a", ReceiverName: "a", ReceiveDate: "202512051200"}},
	})
	require.NoError(t, err)
	assert.Empty(t, reg.calls)
	assert.Equal(t, map[string]int{"planned": 1}, res.Report.Outcomes)
	assert.Equal(t, models.RunStatusSuccess, res.Run.Status)
}

func TestLocalRunLockIsPerJob(t *testing.T) {
	l := NewLocalRunLock()
	ctx := context.Background()
	releaseA, err := l.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "escrow")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "reconcile")
	assert.True(t, errors.Is(err, ErrRunInProgress))
	require.NoError(t, releaseA(ctx))
	_, err = l.Acquire(ctx, "reconcile")
	assert.NoError(t, err)
}

func TestMemoryRunRecorderList(t *testing.T) {
	rec := NewMemoryRunRecorder()
	ctx := context.Background()
	require.NoError(t, rec.Queue(ctx, &models.ReconciliationRun{RunId: "r1", Job: models.RunJobReconcile}))
	require.NoError(t, rec.Queue(ctx, &models.ReconciliationRun{RunId: "r2", Job: models.RunJobEscrow}))
	require.NoError(t, rec.Start(ctx, &models.ReconciliationRun{RunId: "r1", Job: models.RunJobReconcile}))

	runs, err := rec.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunId)
	assert.Equal(t, models.RunStatusRunning, runs[1].Status)

	runs, err = rec.List(ctx, models.RunJobEscrow, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, _, err = rec.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
