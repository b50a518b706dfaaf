package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
)

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeSkippedDuplicate Outcome = "skipped-duplicate"
	OutcomeFailed           Outcome = "failed"
	// OutcomePlanned is what a dry run reports instead of writing.
	OutcomePlanned Outcome = "planned"
)

// ifMatchAny matches any existing entity and never creates one.
const ifMatchAny = "*"

var (
	// ErrConflictOrTransient means the write did not land: the record changed after it was read
	// or the store failed. The order stays gateway-only and the next run picks it up again.
	ErrConflictOrTransient = errors.New("fulfillment write conflicted or failed")
	ErrInvalidTask         = errors.New("invalid fulfillment task")
)

// Task grants one course for one paid order to one subject.
type Task struct {
	Subject     entitlement.SubjectKey `json:"subject"`
	Email       string                 `json:"email"`
	OrderID     string                 `json:"orderId" validate:"required"`
	CourseID    string                 `json:"courseId" validate:"required"`
	CourseName  string                 `json:"courseName"`
	Amount      int64                  `json:"amount" validate:"gte=0"`
	PaymentDate time.Time              `json:"paymentDate"`
	Method      string                 `json:"method"`
}

// Store is the slice of the entity store the writer needs.
type Store interface {
	Get(ctx context.Context, table string, key entitlement.SubjectKey) (entitlement.Record, bool, error)
	Merge(ctx context.Context, table string, key entitlement.SubjectKey, fields map[string]any, etag string) error
}

type Writer struct {
	store    Store
	table    string
	logger   *logrus.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewWriter(store Store, table string, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Writer{
		store:    store,
		table:    table,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Apply grants task.CourseID to subject. A subject that already holds the course is left
// untouched (skipped-duplicate); otherwise exactly one merge write appends the enrollment and,
// if missing, the payment. The write is conditional on the state that was read.
func (w *Writer) Apply(ctx context.Context, subject entitlement.SubjectKey, task Task) (Outcome, error) {
	if err := w.validate.Struct(task); err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if subject.IsZero() {
		return OutcomeFailed, fmt.Errorf("%w: empty subject for order %s", ErrInvalidTask, task.OrderID)
	}

	rec, found, err := w.store.Get(ctx, w.table, subject)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: read %s: %w", ErrConflictOrTransient, subject, err)
	}
	if !found {
		rec = entitlement.NewRecord(subject)
	}
	if rec.DecodeErr != nil {
		return OutcomeFailed, rec.DecodeErr
	}
	if rec.HasCourse(task.CourseID) {
		return OutcomeSkippedDuplicate, nil
	}

	rec.AddEnrollment(entitlement.Enrollment{
		CourseID:   task.CourseID,
		CourseName: task.CourseName,
		EnrolledAt: w.now().UTC().Format(time.RFC3339),
		Status:     entitlement.StatusActive,
		PaymentID:  task.OrderID,
	})
	paymentDate := ""
	if !task.PaymentDate.IsZero() {
		paymentDate = task.PaymentDate.Format(time.RFC3339)
	}
	rec.AddPayment(entitlement.Payment{
		OrderID:     task.OrderID,
		Amount:      decimal.NewFromInt(task.Amount),
		CourseID:    task.CourseID,
		PaymentDate: paymentDate,
		Method:      task.Method,
	})

	fields, err := rec.MergeFields()
	if err != nil {
		return OutcomeFailed, err
	}
	etag := ""
	if found {
		etag = rec.ETag
		if etag == "" {
			// an existing entity is never written unconditionally
			w.logger.WithFields(logrus.Fields{"subject": subject.String(), "orderId": task.OrderID}).Warn("entity read without etag; merging with If-Match *")
			etag = ifMatchAny
		}
	}
	if err := w.store.Merge(ctx, w.table, subject, fields, etag); err != nil {
		return OutcomeFailed, fmt.Errorf("%w: merge %s: %w", ErrConflictOrTransient, subject, err)
	}

	w.logger.WithFields(logrus.Fields{
		"orderId":  task.OrderID,
		"courseId": task.CourseID,
		"subject":  subject.String(),
	}).Info("enrollment applied")
	return OutcomeApplied, nil
}

// Execute is Apply on the task's own subject, shaped for dispatch.Run.
func (w *Writer) Execute(ctx context.Context, task Task) (Outcome, error) {
	return w.Apply(ctx, task.Subject, task)
}
