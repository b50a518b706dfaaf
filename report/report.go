package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/enrollment_backend/dispatch"
	"bitbucket.org/mmdatafocus/enrollment_backend/reconcile"
)

const (
	JobReconcile = "reconcile"
	JobEscrow    = "escrow"
)

// TaskLine is one dispatched (or, in a dry run, planned) task.
type TaskLine struct {
	OrderID    string `json:"orderId"`
	Subject    string `json:"subject,omitempty"`
	Email      string `json:"email,omitempty"`
	CourseID   string `json:"courseId,omitempty"`
	CourseName string `json:"courseName,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// Unresolved is an order that never became a task: no email, unknown course, no subject.
type Unresolved struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Report is the artifact of one run. Reconciliation is nil for escrow runs.
type Report struct {
	RunID       string    `json:"runId"`
	Job         string    `json:"job"`
	GeneratedAt time.Time `json:"generatedAt"`
	DryRun      bool      `json:"dryRun"`

	Reconciliation *reconcile.Summary `json:"reconciliation,omitempty"`

	Dispatch   dispatch.Summary `json:"dispatch"`
	Outcomes   map[string]int   `json:"outcomes"`
	Tasks      []TaskLine       `json:"tasks"`
	Unresolved []Unresolved     `json:"unresolved"`
}

func New(runID, job string, dryRun bool, now time.Time) *Report {
	return &Report{
		RunID:       runID,
		Job:         job,
		GeneratedAt: now,
		DryRun:      dryRun,
		Outcomes:    map[string]int{},
		Tasks:       []TaskLine{},
		Unresolved:  []Unresolved{},
	}
}

// AddTask records a task line and counts its outcome.
func (r *Report) AddTask(line TaskLine) {
	r.Tasks = append(r.Tasks, line)
	r.Outcomes[line.Outcome]++
}

func (r *Report) AddUnresolved(orderID string, err error) {
	r.Unresolved = append(r.Unresolved, Unresolved{OrderID: orderID, Reason: err.Error()})
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteXLSX renders the report as a workbook: a summary sheet plus one sheet per list.
func (r *Report) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	summary := "Summary"
	if err := f.SetSheetName(f.GetSheetName(0), summary); err != nil {
		return err
	}
	rows := [][]interface{}{
		{"Run", r.RunID},
		{"Job", r.Job},
		{"Generated", r.GeneratedAt.Format(time.RFC3339)},
		{"Dry run", r.DryRun},
		{"Tasks", r.Dispatch.Total},
		{"Succeeded", r.Dispatch.SuccessCount},
		{"Failed", r.Dispatch.FailCount},
		{"Unresolved", len(r.Unresolved)},
	}
	if s := r.Reconciliation; s != nil {
		rows = append(rows,
			[]interface{}{"Window start", s.WindowStart.Format(time.RFC3339)},
			[]interface{}{"Window end", s.WindowEnd.Format(time.RFC3339)},
			[]interface{}{"Fetched", s.Fetched},
			[]interface{}{"Eligible", s.Eligible},
			[]interface{}{"Store orders", s.StoreOrders},
			[]interface{}{"Matched", s.Matched},
			[]interface{}{"Gateway only", s.GatewayOnly},
			[]interface{}{"Gateway only amount", s.GatewayOnlyAmount.InexactFloat64()},
			[]interface{}{"Store only", s.StoreOnly},
			[]interface{}{"Store only (manual)", s.StoreOnlyManual},
			[]interface{}{"Store only (other)", s.StoreOnlyOther},
			[]interface{}{"Conflicts", s.Conflicts},
		)
	}
	for outcome, n := range r.Outcomes {
		rows = append(rows, []interface{}{"Outcome " + outcome, n})
	}
	if err := writeRows(f, summary, nil, rows); err != nil {
		return err
	}

	taskRows := make([][]interface{}, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		taskRows = append(taskRows, []interface{}{t.OrderID, t.Subject, t.Email, t.CourseID, t.CourseName, t.Amount, t.Outcome, t.Error})
	}
	if err := newSheet(f, "Tasks", []string{"OrderID", "Subject", "Email", "CourseID", "CourseName", "Amount", "Outcome", "Error"}, taskRows); err != nil {
		return err
	}

	unresolvedRows := make([][]interface{}, 0, len(r.Unresolved))
	for _, u := range r.Unresolved {
		unresolvedRows = append(unresolvedRows, []interface{}{u.OrderID, u.Reason})
	}
	if err := newSheet(f, "Unresolved", []string{"OrderID", "Reason"}, unresolvedRows); err != nil {
		return err
	}

	if s := r.Reconciliation; s != nil {
		gwRows := make([][]interface{}, 0, len(s.GatewayOnlySamples))
		for _, g := range s.GatewayOnlySamples {
			gwRows = append(gwRows, []interface{}{g.OrderID, g.PaymentKey, g.Amount, g.Method, g.OccurredAt.Format(time.RFC3339)})
		}
		if err := newSheet(f, "GatewayOnly", []string{"OrderID", "PaymentKey", "Amount", "Method", "TransactionAt"}, gwRows); err != nil {
			return err
		}

		storeRows := make([][]interface{}, 0, len(s.StoreOnlySamples))
		for _, so := range s.StoreOnlySamples {
			storeRows = append(storeRows, []interface{}{so.OrderID, so.Subject.String(), so.Email, so.Name, amountCell(so.Amount), so.PaymentDate, so.Manual})
		}
		if err := newSheet(f, "StoreOnly", []string{"OrderID", "Subject", "Email", "Name", "Amount", "PaymentDate", "Manual"}, storeRows); err != nil {
			return err
		}

		conflictRows := make([][]interface{}, 0, len(s.ConflictSamples))
		for _, c := range s.ConflictSamples {
			for _, subject := range c.Subjects {
				conflictRows = append(conflictRows, []interface{}{c.OrderID, subject.String()})
			}
		}
		if err := newSheet(f, "Conflicts", []string{"OrderID", "Subject"}, conflictRows); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func newSheet(f *excelize.File, name string, header []string, rows [][]interface{}) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	return writeRows(f, name, header, rows)
}

func writeRows(f *excelize.File, sheet string, header []string, rows [][]interface{}) error {
	rowNo := 1
	if len(header) > 0 {
		for i, h := range header {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, h); err != nil {
				return err
			}
		}
		rowNo++
	}
	for _, row := range rows {
		for i, v := range row {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("sheet %s cell %s: %w", sheet, cell, err)
			}
		}
		rowNo++
	}
	return nil
}

func amountCell(d decimal.Decimal) interface{} {
	if d.IsInteger() {
		return d.IntPart()
	}
	return d.InexactFloat64()
}
