package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
)

// ManualOrderPrefix marks order ids granted by hand from the admin page, not by checkout.
const ManualOrderPrefix = "manual_"

const DefaultSampleSize = 100

type AmountBucket struct {
	Amount int64 `json:"amount"`
	Count  int   `json:"count"`
}

type MonthBucket struct {
	Month  string          `json:"month"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type GatewayOnlyItem struct {
	OrderID    string    `json:"orderId"`
	PaymentKey string    `json:"paymentKey"`
	Amount     int64     `json:"amount"`
	Method     string    `json:"method"`
	OccurredAt time.Time `json:"transactionAt"`
}

type StoreOnlyItem struct {
	OrderID     string                 `json:"orderId"`
	Subject     entitlement.SubjectKey `json:"subject"`
	Email       string                 `json:"email"`
	Name        string                 `json:"name"`
	Amount      decimal.Decimal        `json:"amount"`
	PaymentDate string                 `json:"paymentDate"`
	Manual      bool                   `json:"manual"`
}

// Summary is the report view of a Result. Sample lists are capped so a bad day does not
// produce a multi-megabyte report.
type Summary struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`

	Fetched     int `json:"fetched"`
	Eligible    int `json:"eligible"`
	StoreOrders int `json:"storeOrders"`

	Matched     int `json:"matched"`
	GatewayOnly int `json:"gatewayOnly"`
	StoreOnly   int `json:"storeOnly"`
	Conflicts   int `json:"conflicts"`

	GatewayOnlyAmount   decimal.Decimal `json:"gatewayOnlyAmount"`
	GatewayOnlyByAmount []AmountBucket  `json:"gatewayOnlyByAmount"`
	GatewayOnlyByMonth  []MonthBucket   `json:"gatewayOnlyByMonth"`

	StoreOnlyManual int `json:"storeOnlyManual"`
	StoreOnlyOther  int `json:"storeOnlyOther"`

	GatewayOnlySamples []GatewayOnlyItem       `json:"gatewayOnlySamples"`
	StoreOnlySamples   []StoreOnlyItem         `json:"storeOnlySamples"`
	ConflictSamples    []ConflictingAssignment `json:"conflictSamples"`
}

// BuildSummary counts and samples a Result. sampleSize <= 0 uses DefaultSampleSize.
func BuildSummary(res Result, sampleSize int) Summary {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	loc := res.Window.Start.Location()

	s := Summary{
		WindowStart:        res.Window.Start,
		WindowEnd:          res.Window.End,
		Fetched:            res.Fetched,
		Eligible:           res.Eligible,
		StoreOrders:        res.StoreOrders,
		Matched:            len(res.Matched),
		GatewayOnly:        len(res.GatewayOnly),
		StoreOnly:          len(res.StoreOnly),
		Conflicts:          len(res.Conflicts),
		GatewayOnlyAmount:  decimal.Zero,
		GatewayOnlySamples: []GatewayOnlyItem{},
		StoreOnlySamples:   []StoreOnlyItem{},
		ConflictSamples:    []ConflictingAssignment{},
	}

	byAmount := make(map[int64]int)
	byMonth := make(map[string]*MonthBucket)
	for _, orderID := range res.GatewayOnly {
		tx := res.Transactions[orderID]
		amount := decimal.NewFromInt(tx.Amount)
		s.GatewayOnlyAmount = s.GatewayOnlyAmount.Add(amount)
		byAmount[tx.Amount]++

		month := tx.OccurredAt.In(loc).Format("2006-01")
		b, ok := byMonth[month]
		if !ok {
			b = &MonthBucket{Month: month, Amount: decimal.Zero}
			byMonth[month] = b
		}
		b.Count++
		b.Amount = b.Amount.Add(amount)

		if len(s.GatewayOnlySamples) < sampleSize {
			s.GatewayOnlySamples = append(s.GatewayOnlySamples, GatewayOnlyItem{
				OrderID:    tx.OrderID,
				PaymentKey: tx.PaymentKey,
				Amount:     tx.Amount,
				Method:     tx.Method,
				OccurredAt: tx.OccurredAt,
			})
		}
	}
	for amount, count := range byAmount {
		s.GatewayOnlyByAmount = append(s.GatewayOnlyByAmount, AmountBucket{Amount: amount, Count: count})
	}
	sort.Slice(s.GatewayOnlyByAmount, func(i, j int) bool {
		a, b := s.GatewayOnlyByAmount[i], s.GatewayOnlyByAmount[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Amount < b.Amount
	})
	for _, b := range byMonth {
		s.GatewayOnlyByMonth = append(s.GatewayOnlyByMonth, *b)
	}
	sort.Slice(s.GatewayOnlyByMonth, func(i, j int) bool { return s.GatewayOnlyByMonth[i].Month < s.GatewayOnlyByMonth[j].Month })

	for _, orderID := range res.StoreOnly {
		entry := res.StoreEntries[orderID]
		manual := strings.HasPrefix(orderID, ManualOrderPrefix)
		if manual {
			s.StoreOnlyManual++
		} else {
			s.StoreOnlyOther++
		}
		if len(s.StoreOnlySamples) < sampleSize {
			date := entry.Payment.PaymentDate
			if date == "" {
				date = entry.Payment.CreatedAt
			}
			s.StoreOnlySamples = append(s.StoreOnlySamples, StoreOnlyItem{
				OrderID:     orderID,
				Subject:     entry.Subject,
				Email:       entry.Email,
				Name:        entry.Name,
				Amount:      entry.Payment.Amount,
				PaymentDate: date,
				Manual:      manual,
			})
		}
	}

	for i, c := range res.Conflicts {
		if i >= sampleSize {
			break
		}
		s.ConflictSamples = append(s.ConflictSamples, c)
	}
	return s
}
