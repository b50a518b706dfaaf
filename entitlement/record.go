package entitlement

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FieldEnrolledCourses is the entity property holding the JSON-encoded entitlement document.
// The store only has flat string/number columns, so the whole document travels as one string.
const FieldEnrolledCourses = "enrolledCourses"

const (
	StatusActive = "active"
)

var ErrMalformedDocument = errors.New("enrolledCourses is not valid json")

// SubjectKey identifies one entity in the partitioned store.
type SubjectKey struct {
	PartitionKey string `json:"partitionKey"`
	RowKey       string `json:"rowKey"`
}

func (k SubjectKey) String() string {
	return k.PartitionKey + "/" + k.RowKey
}

func (k SubjectKey) IsZero() bool {
	return k.PartitionKey == "" && k.RowKey == ""
}

// Enrollment is one granted course. Entries read from the store keep their original bytes so
// fields this service does not know about survive a read-merge-write.
type Enrollment struct {
	CourseID   string
	CourseName string
	EnrolledAt string
	Status     string
	PaymentID  string
	Progress   int

	raw json.RawMessage
}

type enrollmentJSON struct {
	CourseID   string `json:"courseId"`
	CourseName string `json:"courseName,omitempty"`
	EnrolledAt string `json:"enrolledAt,omitempty"`
	Status     string `json:"status,omitempty"`
	PaymentID  string `json:"paymentId,omitempty"`
	Progress   int    `json:"progress"`
}

func (e *Enrollment) UnmarshalJSON(b []byte) error {
	var v struct {
		CourseID   flexString `json:"courseId"`
		CourseName string     `json:"courseName"`
		EnrolledAt string     `json:"enrolledAt"`
		Status     string     `json:"status"`
		PaymentID  flexString `json:"paymentId"`
		Progress   float64    `json:"progress"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = Enrollment{
		CourseID:   string(v.CourseID),
		CourseName: v.CourseName,
		EnrolledAt: v.EnrolledAt,
		Status:     v.Status,
		PaymentID:  string(v.PaymentID),
		Progress:   int(v.Progress),
		raw:        append(json.RawMessage(nil), b...),
	}
	return nil
}

func (e Enrollment) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(enrollmentJSON{
		CourseID:   e.CourseID,
		CourseName: e.CourseName,
		EnrolledAt: e.EnrolledAt,
		Status:     e.Status,
		PaymentID:  e.PaymentID,
		Progress:   e.Progress,
	})
}

// Payment is one settled order as recorded on the subject.
type Payment struct {
	OrderID     string
	Amount      decimal.Decimal
	CourseID    string
	PaymentDate string
	CreatedAt   string
	Method      string

	raw json.RawMessage
}

type paymentJSON struct {
	OrderID     string      `json:"orderId"`
	Amount      json.Number `json:"amount"`
	CourseID    string      `json:"courseId,omitempty"`
	PaymentDate string      `json:"paymentDate,omitempty"`
	Method      string      `json:"method,omitempty"`
}

func (p *Payment) UnmarshalJSON(b []byte) error {
	var v struct {
		OrderID     flexString       `json:"orderId"`
		Amount      *decimal.Decimal `json:"amount"`
		CourseID    flexString       `json:"courseId"`
		PaymentDate string           `json:"paymentDate"`
		CreatedAt   string           `json:"createdAt"`
		Method      string           `json:"method"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	amount := decimal.Zero
	if v.Amount != nil {
		amount = *v.Amount
	}
	*p = Payment{
		OrderID:     string(v.OrderID),
		Amount:      amount,
		CourseID:    string(v.CourseID),
		PaymentDate: v.PaymentDate,
		CreatedAt:   v.CreatedAt,
		Method:      v.Method,
		raw:         append(json.RawMessage(nil), b...),
	}
	return nil
}

func (p Payment) MarshalJSON() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return json.Marshal(paymentJSON{
		OrderID:     p.OrderID,
		Amount:      json.Number(p.Amount.String()),
		CourseID:    p.CourseID,
		PaymentDate: p.PaymentDate,
		Method:      p.Method,
	})
}

// PaidAt parses paymentDate, falling back to createdAt. Timestamps without an offset are read
// in loc. ok is false when neither parses.
func (p Payment) PaidAt(loc *time.Location) (time.Time, bool) {
	for _, s := range []string{p.PaymentDate, p.CreatedAt} {
		if t, ok := parseTimestamp(s, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Record is a subject's entitlement state. It is only ever changed by AddEnrollment and
// AddPayment; everything else in the stored document is carried through untouched.
type Record struct {
	Key         SubjectKey
	Email       string
	Name        string
	ETag        string
	Enrollments []Enrollment
	Payments    []Payment

	// DecodeErr is set when enrolledCourses existed but could not be parsed. Such a record
	// is still reported but must never be written back.
	DecodeErr error

	docExtra map[string]json.RawMessage
}

// NewRecord is the empty record used when the subject has no entity yet.
func NewRecord(key SubjectKey) Record {
	return Record{Key: key}
}

func (r Record) HasCourse(courseID string) bool {
	for _, e := range r.Enrollments {
		if e.CourseID == courseID {
			return true
		}
	}
	return false
}

func (r Record) HasOrder(orderID string) bool {
	for _, p := range r.Payments {
		if p.OrderID == orderID {
			return true
		}
	}
	return false
}

// AddEnrollment appends e unless the course is already granted. It reports whether it appended.
func (r *Record) AddEnrollment(e Enrollment) bool {
	if e.CourseID == "" || r.HasCourse(e.CourseID) {
		return false
	}
	e.raw = nil
	r.Enrollments = append(r.Enrollments, e)
	return true
}

// AddPayment appends p unless its order id is already recorded.
func (r *Record) AddPayment(p Payment) bool {
	if p.OrderID == "" || r.HasOrder(p.OrderID) {
		return false
	}
	p.raw = nil
	r.Payments = append(r.Payments, p)
	return true
}

// EncodeDocument renders the enrolledCourses document. Unknown top-level keys come back
// with their original bytes.
func (r Record) EncodeDocument() (string, error) {
	doc := make(map[string]any, len(r.docExtra)+2)
	for k, v := range r.docExtra {
		doc[k] = v
	}
	enrollments := r.Enrollments
	if enrollments == nil {
		enrollments = []Enrollment{}
	}
	doc["enrollments"] = enrollments
	if r.Payments != nil || r.docExtra != nil {
		payments := r.Payments
		if payments == nil {
			payments = []Payment{}
		}
		doc["payments"] = payments
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", FieldEnrolledCourses, err)
	}
	return string(b), nil
}

// MergeFields is the partial-update body for a merge write: only the entitlement document.
func (r Record) MergeFields() (map[string]any, error) {
	if r.DecodeErr != nil {
		return nil, r.DecodeErr
	}
	doc, err := r.EncodeDocument()
	if err != nil {
		return nil, err
	}
	return map[string]any{FieldEnrolledCourses: doc}, nil
}

// DecodeEntity turns one store entity into a Record. A malformed entitlement document does not
// fail the decode; it is reported through Record.DecodeErr.
func DecodeEntity(raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("decode entity: %w", err)
	}
	var rec Record
	rec.Key.PartitionKey = stringField(fields, "PartitionKey")
	rec.Key.RowKey = stringField(fields, "RowKey")
	rec.Email = stringField(fields, "email")
	rec.Name = stringField(fields, "name")
	rec.ETag = stringField(fields, "odata.etag")

	if docRaw, ok := fields[FieldEnrolledCourses]; ok {
		if err := rec.decodeDocument(docRaw); err != nil {
			rec.DecodeErr = fmt.Errorf("%w: %s: %v", ErrMalformedDocument, rec.Key, err)
		}
	}
	return rec, nil
}

func (r *Record) decodeDocument(docRaw json.RawMessage) error {
	docRaw = bytes.TrimSpace(docRaw)
	if len(docRaw) == 0 || bytes.Equal(docRaw, []byte("null")) {
		return nil
	}
	// Normally a JSON string holding JSON; older rows stored the object inline.
	if docRaw[0] == '"' {
		var s string
		if err := json.Unmarshal(docRaw, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		docRaw = json.RawMessage(s)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(docRaw, &doc); err != nil {
		return err
	}
	if v, ok := doc["enrollments"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Enrollments); err != nil {
			return fmt.Errorf("enrollments: %w", err)
		}
	}
	if v, ok := doc["payments"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Payments); err != nil {
			return fmt.Errorf("payments: %w", err)
		}
	}
	delete(doc, "enrollments")
	delete(doc, "payments")
	r.docExtra = doc
	return nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s flexString
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return string(s)
}

func isNull(b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

// flexString accepts both "123" and 123; some course ids were written as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
