package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/enrollment_backend/models"
)

var ErrRunNotFound = errors.New("run not found")

// RunRecorder keeps the run history: queued by a trigger, started and finished by a job.
type RunRecorder interface {
	Queue(ctx context.Context, run *models.ReconciliationRun) error
	Start(ctx context.Context, run *models.ReconciliationRun) error
	Finish(ctx context.Context, run *models.ReconciliationRun, outcomes []models.RunOutcome, findings []models.ReconciliationFinding) error
	List(ctx context.Context, job string, limit int) ([]models.ReconciliationRun, error)
	Get(ctx context.Context, runId string) (*models.ReconciliationRun, []models.RunOutcome, error)
}

type GormRunRecorder struct {
	db *gorm.DB
}

func NewGormRunRecorder(db *gorm.DB) *GormRunRecorder {
	return &GormRunRecorder{db: db}
}

func (g *GormRunRecorder) Queue(ctx context.Context, run *models.ReconciliationRun) error {
	run.Status = models.RunStatusQueued
	return g.db.WithContext(ctx).Create(run).Error
}

// Start moves a queued run to running, or creates it when the job was started directly.
func (g *GormRunRecorder) Start(ctx context.Context, run *models.ReconciliationRun) error {
	db := g.db.WithContext(ctx)
	var existing models.ReconciliationRun
	err := db.Where("run_id = ?", run.RunId).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		run.Status = models.RunStatusRunning
		return db.Create(run).Error
	}
	if err != nil {
		return err
	}
	run.ID = existing.ID
	run.Status = models.RunStatusRunning
	return db.Model(&existing).Updates(map[string]interface{}{
		"status":       models.RunStatusRunning,
		"dry_run":      run.DryRun,
		"window_start": run.WindowStart,
		"window_end":   run.WindowEnd,
		"started_at":   run.StartedAt,
	}).Error
}

func (g *GormRunRecorder) Finish(ctx context.Context, run *models.ReconciliationRun, outcomes []models.RunOutcome, findings []models.ReconciliationFinding) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ReconciliationRun{}).Where("run_id = ?", run.RunId).Updates(map[string]interface{}{
			"status":           run.Status,
			"stats_json":       run.StatsJSON,
			"report_locations": run.ReportLocations,
			"task_count":       run.TaskCount,
			"success_count":    run.SuccessCount,
			"fail_count":       run.FailCount,
			"error_message":    run.ErrorMessage,
			"finished_at":      run.FinishedAt,
			"duration_ms":      run.DurationMs,
		}).Error; err != nil {
			return err
		}
		if len(outcomes) > 0 {
			if err := tx.CreateInBatches(outcomes, 200).Error; err != nil {
				return err
			}
		}
		if len(findings) > 0 {
			if err := tx.CreateInBatches(findings, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *GormRunRecorder) List(ctx context.Context, job string, limit int) ([]models.ReconciliationRun, error) {
	db := g.db.WithContext(ctx)
	if job != "" {
		db = db.Where("job = ?", job)
	}
	var runs []models.ReconciliationRun
	err := db.Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func (g *GormRunRecorder) Get(ctx context.Context, runId string) (*models.ReconciliationRun, []models.RunOutcome, error) {
	db := g.db.WithContext(ctx)
	var run models.ReconciliationRun
	if err := db.Where("run_id = ?", runId).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrRunNotFound
		}
		return nil, nil, err
	}
	var outcomes []models.RunOutcome
	if err := db.Where("run_id = ?", runId).Order("id").Find(&outcomes).Error; err != nil {
		return nil, nil, err
	}
	return &run, outcomes, nil
}

// MemoryRunRecorder keeps runs in process. The one-shot tools use it when no database is
// configured; history is lost on exit.
type MemoryRunRecorder struct {
	mu       sync.Mutex
	seq      uint
	runs     map[string]*models.ReconciliationRun
	outcomes map[string][]models.RunOutcome
	findings map[string][]models.ReconciliationFinding
}

func NewMemoryRunRecorder() *MemoryRunRecorder {
	return &MemoryRunRecorder{
		runs:     map[string]*models.ReconciliationRun{},
		outcomes: map[string][]models.RunOutcome{},
		findings: map[string][]models.ReconciliationFinding{},
	}
}

func (m *MemoryRunRecorder) Queue(_ context.Context, run *models.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Status = models.RunStatusQueued
	m.put(run)
	return nil
}

func (m *MemoryRunRecorder) Start(_ context.Context, run *models.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Status = models.RunStatusRunning
	m.put(run)
	return nil
}

func (m *MemoryRunRecorder) Finish(_ context.Context, run *models.ReconciliationRun, outcomes []models.RunOutcome, findings []models.ReconciliationFinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(run)
	m.outcomes[run.RunId] = append(m.outcomes[run.RunId], outcomes...)
	m.findings[run.RunId] = append(m.findings[run.RunId], findings...)
	return nil
}

func (m *MemoryRunRecorder) put(run *models.ReconciliationRun) {
	if existing, ok := m.runs[run.RunId]; ok {
		run.ID = existing.ID
	} else {
		m.seq++
		run.ID = m.seq
	}
	cp := *run
	m.runs[run.RunId] = &cp
}

func (m *MemoryRunRecorder) List(_ context.Context, job string, limit int) ([]models.ReconciliationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReconciliationRun, 0, len(m.runs))
	for _, r := range m.runs {
		if job == "" || r.Job == job {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRunRecorder) Get(_ context.Context, runId string) (*models.ReconciliationRun, []models.RunOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runId]
	if !ok {
		return nil, nil, ErrRunNotFound
	}
	cp := *r
	return &cp, append([]models.RunOutcome(nil), m.outcomes[runId]...), nil
}

// Findings returns what a finished run recorded as unmatched.
func (m *MemoryRunRecorder) Findings(runId string) []models.ReconciliationFinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ReconciliationFinding(nil), m.findings[runId]...)
}
