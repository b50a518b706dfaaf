package trigger

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/enrollment_backend/models"
)

// PubSubPushEnvelope is the body Pub/Sub posts to a push subscription.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RunMessage is the Pub/Sub payload that asks a worker to execute a queued run.
type RunMessage struct {
	RunId         string `json:"runId"`
	Job           string `json:"job"`
	TriggeredBy   string `json:"triggeredBy,omitempty"`
	WindowStart   string `json:"windowStart,omitempty"`
	WindowEnd     string `json:"windowEnd,omitempty"`
	DryRun        *bool  `json:"dryRun,omitempty"`
	CorrelationId string `json:"correlationId,omitempty"`
}

type RunResponse struct {
	RunId           string          `json:"runId"`
	Job             string          `json:"job"`
	Status          string          `json:"status"`
	TriggeredBy     string          `json:"triggeredBy"`
	DryRun          bool            `json:"dryRun"`
	WindowStart     *string         `json:"windowStart"`
	WindowEnd       *string         `json:"windowEnd"`
	TaskCount       int             `json:"taskCount"`
	SuccessCount    int             `json:"successCount"`
	FailCount       int             `json:"failCount"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ParentRunId     *string         `json:"parentRunId,omitempty"`
	StartedAt       *string         `json:"startedAt"`
	FinishedAt      *string         `json:"finishedAt"`
	DurationMs      int64           `json:"durationMs"`
	Stats           json.RawMessage `json:"stats,omitempty"`
	ReportLocations json.RawMessage `json:"reportLocations,omitempty"`
}

type RunHistoryResponse struct {
	Items []RunResponse `json:"items"`
}

type RunOutcomeResponse struct {
	OrderId   string `json:"orderId"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type RunDetailResponse struct {
	RunResponse
	Outcomes []RunOutcomeResponse `json:"outcomes"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

func mapRunToResponse(run models.ReconciliationRun) RunResponse {
	return RunResponse{
		RunId:           run.RunId,
		Job:             run.Job,
		Status:          run.Status,
		TriggeredBy:     run.TriggeredBy,
		DryRun:          run.DryRun,
		WindowStart:     formatTime(run.WindowStart),
		WindowEnd:       formatTime(run.WindowEnd),
		TaskCount:       run.TaskCount,
		SuccessCount:    run.SuccessCount,
		FailCount:       run.FailCount,
		ErrorMessage:    run.ErrorMessage,
		ParentRunId:     run.ParentRunId,
		StartedAt:       formatTime(run.StartedAt),
		FinishedAt:      formatTime(run.FinishedAt),
		DurationMs:      run.DurationMs,
		Stats:           rawOrNil(run.StatsJSON),
		ReportLocations: rawOrNil(run.ReportLocations),
	}
}

func mapOutcomes(outcomes []models.RunOutcome) []RunOutcomeResponse {
	out := make([]RunOutcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, RunOutcomeResponse{
			OrderId:   o.OrderId,
			Subject:   o.Subject,
			Outcome:   o.Outcome,
			Message:   o.Message,
			Retryable: o.Retryable,
		})
	}
	return out
}
