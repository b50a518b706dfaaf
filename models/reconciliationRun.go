package models

import "time"

const (
	RunJobReconcile = "reconcile"
	RunJobEscrow    = "escrow"
)

const (
	RunStatusQueued  = "queued"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusPartial = "partial"
)

const (
	RunTriggeredManual   = "manual"
	RunTriggeredSchedule = "schedule"
	RunTriggeredRetry    = "retry"
	RunTriggeredCLI      = "cli"
)

// ReconciliationRun is one execution of a batch job. RunId is the public id used in reports,
// Pub/Sub payloads and the HTTP surface.
type ReconciliationRun struct {
	ID              uint       `gorm:"primary_key" json:"-"`
	RunId           string     `gorm:"size:36;uniqueIndex;not null" json:"run_id"`
	Job             string     `gorm:"index;size:20;not null" json:"job"`
	Status          string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	DryRun          bool       `gorm:"default:true" json:"dry_run"`
	WindowStart     *time.Time `json:"window_start"`
	WindowEnd       *time.Time `json:"window_end"`
	StatsJSON       []byte     `gorm:"type:json" json:"stats"`
	ReportLocations []byte     `gorm:"type:json" json:"report_locations"`
	TaskCount       int        `json:"task_count"`
	SuccessCount    int        `json:"success_count"`
	FailCount       int        `json:"fail_count"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	CorrelationId   string     `gorm:"size:64;index" json:"correlation_id"`
	ParentRunId     *string    `gorm:"size:36;index" json:"parent_run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFinished reports whether the run reached a terminal status.
func (r ReconciliationRun) IsFinished() bool {
	switch r.Status {
	case RunStatusSuccess, RunStatusFailed, RunStatusPartial:
		return true
	}
	return false
}

// RunOutcome is one dispatched task that did not succeed, kept for follow-up.
type RunOutcome struct {
	ID        uint      `gorm:"primary_key" json:"-"`
	RunId     string    `gorm:"size:36;index;not null" json:"run_id"`
	OrderId   string    `gorm:"size:128;index;not null" json:"order_id"`
	Subject   string    `gorm:"size:255" json:"subject"`
	Outcome   string    `gorm:"size:32;not null" json:"outcome"`
	Message   string    `gorm:"type:text" json:"message"`
	Retryable bool      `gorm:"default:false" json:"retryable"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
