package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PageSize is the fixed page size of the transactions feed. A shorter page is the last one.
const PageSize = 100

// DefaultCursorParam is the query parameter that carries the previous page's last
// transactionKey.
const DefaultCursorParam = "lastCursor"

const (
	StatusPending  = "PENDING"
	StatusDone     = "DONE"
	StatusCanceled = "CANCELED"
	StatusFailed   = "FAILED"
)

// Method spellings as the feed reports them. Older merchants see the Korean labels.
const (
	MethodVirtualAccount   = "VIRTUAL_ACCOUNT"
	MethodVirtualAccountKR = "가상계좌"
	MethodTransfer         = "TRANSFER"
	MethodTransferKR       = "계좌이체"
	MethodCard             = "CARD"
	MethodCardKR           = "카드"
)

// Transaction is an immutable snapshot of one feed entry.
type Transaction struct {
	TransactionKey string    `json:"transactionKey"`
	PaymentKey     string    `json:"paymentKey"`
	OrderID        string    `json:"orderId"`
	Status         string    `json:"status"`
	Method         string    `json:"method"`
	Amount         int64     `json:"amount"`
	OccurredAt     time.Time `json:"transactionAt"`
	CustomerName   string    `json:"customerName,omitempty"`
	CustomerEmail  string    `json:"customerEmail,omitempty"`
	OrderName      string    `json:"orderName,omitempty"`
}

func (t Transaction) IsDone() bool {
	return t.Status == StatusDone
}

type transactionJSON struct {
	TransactionKey string          `json:"transactionKey"`
	PaymentKey     string          `json:"paymentKey"`
	OrderID        string          `json:"orderId"`
	Status         string          `json:"status"`
	Method         string          `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	TransactionAt  string          `json:"transactionAt"`
	CustomerName   string          `json:"customerName"`
	CustomerEmail  string          `json:"customerEmail"`
	OrderName      string          `json:"orderName"`
}

func decodeTransactions(body []byte) ([]Transaction, error) {
	var raw []transactionJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(raw))
	for _, r := range raw {
		out = append(out, Transaction{
			TransactionKey: r.TransactionKey,
			PaymentKey:     r.PaymentKey,
			OrderID:        r.OrderID,
			Status:         strings.ToUpper(strings.TrimSpace(r.Status)),
			Method:         strings.TrimSpace(r.Method),
			Amount:         r.Amount.IntPart(),
			OccurredAt:     parseTimeOrZero(r.TransactionAt),
			CustomerName:   r.CustomerName,
			CustomerEmail:  r.CustomerEmail,
			OrderName:      r.OrderName,
		})
	}
	return out, nil
}

// PageCursor is the position to resume the feed from. The feed has no server cursor token:
// the cursor is the transactionKey of the last item on the previous page, so pagination is
// only correct as long as the gateway returns entries in a stable order between requests.
// Entries inserted ahead of the cursor mid-scan are not seen; overlapping pages are logged.
type PageCursor struct {
	after string
}

// CursorAfter builds the cursor that resumes after tx.
func CursorAfter(tx Transaction) PageCursor {
	return PageCursor{after: tx.TransactionKey}
}

func (c PageCursor) IsStart() bool {
	return c.after == ""
}

func (c PageCursor) String() string {
	return c.after
}

// PaymentDetail is the subset of a single payment lookup this service uses.
type PaymentDetail struct {
	PaymentKey    string `json:"paymentKey"`
	OrderID       string `json:"orderId"`
	OrderName     string `json:"orderName"`
	Status        string `json:"status"`
	Method        string `json:"method"`
	TotalAmount   int64  `json:"totalAmount"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
	CourseID      string `json:"courseId"`
	ApprovedAt    string `json:"approvedAt"`
}

type paymentDetailJSON struct {
	PaymentKey    string          `json:"paymentKey"`
	OrderID       string          `json:"orderId"`
	OrderName     string          `json:"orderName"`
	Status        string          `json:"status"`
	Method        string          `json:"method"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	ApprovedAt    string          `json:"approvedAt"`
	CustomerEmail string          `json:"customerEmail"`
	CustomerName  string          `json:"customerName"`
	Customer      *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer"`
	Receipt *struct {
		CustomerEmail string `json:"customerEmail"`
	} `json:"receipt"`
	VirtualAccount *struct {
		CustomerEmail string `json:"customerEmail"`
		CustomerName  string `json:"customerName"`
	} `json:"virtualAccount"`
	Metadata map[string]any `json:"metadata"`
}

func decodePaymentDetail(body []byte) (*PaymentDetail, error) {
	var raw paymentDetailJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	d := &PaymentDetail{
		PaymentKey:  raw.PaymentKey,
		OrderID:     raw.OrderID,
		OrderName:   raw.OrderName,
		Status:      raw.Status,
		Method:      raw.Method,
		TotalAmount: raw.TotalAmount.IntPart(),
		ApprovedAt:  raw.ApprovedAt,
		CourseID:    metadataString(raw.Metadata, "courseId"),
	}

	// Checkout widgets put the buyer email in different places depending on the method.
	emails := []string{metadataString(raw.Metadata, "customerEmail"), raw.CustomerEmail}
	names := []string{raw.CustomerName}
	if raw.Customer != nil {
		emails = append(emails, raw.Customer.Email)
		names = append([]string{raw.Customer.Name}, names...)
	}
	if raw.Receipt != nil {
		emails = append(emails, raw.Receipt.CustomerEmail)
	}
	if raw.VirtualAccount != nil {
		emails = append(emails, raw.VirtualAccount.CustomerEmail)
		names = append(names, raw.VirtualAccount.CustomerName)
	}
	names = append(names, metadataString(raw.Metadata, "customerName"))

	d.CustomerEmail = strings.ToLower(firstNonEmpty(emails...))
	d.CustomerName = firstNonEmpty(names...)
	return d, nil
}

func metadataString(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
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

func parseTimeOrZero(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05-0700", v); err == nil {
		return t
	}
	return time.Time{}
}
