package reconcile

import (
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
	"bitbucket.org/mmdatafocus/enrollment_backend/gateway"
)

// Window is an inclusive time range. Both ends count as inside.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(w.Start) && !t.After(w.End)
}

// MethodFilter decides which payment methods take part in reconciliation.
type MethodFilter func(method string) bool

var methodAliases = map[string][]string{
	"VIRTUAL_ACCOUNT": {gateway.MethodVirtualAccount, gateway.MethodVirtualAccountKR},
	"TRANSFER":        {gateway.MethodTransfer, gateway.MethodTransferKR},
	"CARD":            {gateway.MethodCard, gateway.MethodCardKR},
}

// DefaultMethods is bank-settled money only: virtual account and transfer, either spelling.
func DefaultMethods() MethodFilter {
	return MethodsFrom(nil)
}

// MethodsFrom builds a filter from configured names. English codes also match their Korean
// label. "*" lets every method through; an empty list means DefaultMethods.
func MethodsFrom(names []string) MethodFilter {
	if len(names) == 0 {
		names = []string{"VIRTUAL_ACCOUNT", "TRANSFER"}
	}
	allowed := make(map[string]struct{})
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "*" {
			return func(string) bool { return true }
		}
		key := strings.ToUpper(n)
		if spellings, ok := methodAliases[key]; ok {
			for _, s := range spellings {
				allowed[s] = struct{}{}
			}
			continue
		}
		allowed[n] = struct{}{}
	}
	return func(method string) bool {
		method = strings.TrimSpace(method)
		if _, ok := allowed[method]; ok {
			return true
		}
		_, ok := allowed[strings.ToUpper(method)]
		return ok
	}
}

type Options struct {
	Methods MethodFilter
	// Location reads store payment dates that carry no offset. Defaults to the window start's.
	Location *time.Location
}

// ConflictingAssignment is an order id recorded on more than one subject. It is reported,
// never resolved automatically.
type ConflictingAssignment struct {
	OrderID  string                   `json:"orderId"`
	Subjects []entitlement.SubjectKey `json:"subjects"`
}

// StoreEntry is the first place an order id was found in the store.
type StoreEntry struct {
	Subject entitlement.SubjectKey
	Email   string
	Name    string
	Payment entitlement.Payment
}

type Result struct {
	Window      Window
	Matched     []string
	GatewayOnly []string
	StoreOnly   []string
	Conflicts   []ConflictingAssignment

	// Fetched is every transaction handed in; Eligible is the distinct order ids that passed
	// the status, window and method filter; StoreOrders is the distinct order ids in the store.
	Fetched     int
	Eligible    int
	StoreOrders int

	// Transactions holds the first eligible transaction per gateway order id.
	Transactions map[string]gateway.Transaction
	// StoreEntries holds the first store occurrence per order id.
	StoreEntries map[string]StoreEntry

	matched     map[string]struct{}
	gatewayOnly map[string]struct{}
	storeOnly   map[string]struct{}
}

func (r Result) IsMatched(orderID string) bool {
	_, ok := r.matched[orderID]
	return ok
}

func (r Result) IsGatewayOnly(orderID string) bool {
	_, ok := r.gatewayOnly[orderID]
	return ok
}

func (r Result) IsStoreOnly(orderID string) bool {
	_, ok := r.storeOnly[orderID]
	return ok
}

// Reconcile diffs the gateway's settled orders against the orders recorded in the store. It
// does no I/O and returns the same result for the same input.
func Reconcile(txs []gateway.Transaction, records []entitlement.Record, w Window, opts Options) Result {
	methods := opts.Methods
	if methods == nil {
		methods = DefaultMethods()
	}
	loc := opts.Location
	if loc == nil {
		loc = w.Start.Location()
	}

	res := Result{
		Window:       w,
		Fetched:      len(txs),
		Transactions: make(map[string]gateway.Transaction),
		StoreEntries: make(map[string]StoreEntry),
		matched:      make(map[string]struct{}),
		gatewayOnly:  make(map[string]struct{}),
		storeOnly:    make(map[string]struct{}),
	}

	for _, tx := range txs {
		if tx.OrderID == "" || !tx.IsDone() || !w.Contains(tx.OccurredAt) || !methods(tx.Method) {
			continue
		}
		if _, seen := res.Transactions[tx.OrderID]; !seen {
			res.Transactions[tx.OrderID] = tx
		}
	}
	res.Eligible = len(res.Transactions)

	owners := make(map[string][]entitlement.SubjectKey)
	for _, rec := range records {
		for _, p := range rec.Payments {
			if p.OrderID == "" {
				continue
			}
			if !containsKey(owners[p.OrderID], rec.Key) {
				owners[p.OrderID] = append(owners[p.OrderID], rec.Key)
			}
			if _, seen := res.StoreEntries[p.OrderID]; !seen {
				res.StoreEntries[p.OrderID] = StoreEntry{Subject: rec.Key, Email: rec.Email, Name: rec.Name, Payment: p}
			}
		}
	}
	res.StoreOrders = len(res.StoreEntries)

	for orderID, subjects := range owners {
		if len(subjects) > 1 {
			res.Conflicts = append(res.Conflicts, ConflictingAssignment{OrderID: orderID, Subjects: subjects})
		}
	}

	for orderID := range res.Transactions {
		if _, ok := res.StoreEntries[orderID]; ok {
			res.matched[orderID] = struct{}{}
		} else {
			res.gatewayOnly[orderID] = struct{}{}
		}
	}
	for orderID, entry := range res.StoreEntries {
		if _, ok := res.Transactions[orderID]; ok {
			continue
		}
		paidAt, ok := entry.Payment.PaidAt(loc)
		if ok && w.Contains(paidAt) {
			res.storeOnly[orderID] = struct{}{}
		}
	}

	res.Matched = sortedKeys(res.matched)
	res.GatewayOnly = sortedKeys(res.gatewayOnly)
	res.StoreOnly = sortedKeys(res.storeOnly)
	sort.Slice(res.Conflicts, func(i, j int) bool { return res.Conflicts[i].OrderID < res.Conflicts[j].OrderID })
	return res
}

func containsKey(keys []entitlement.SubjectKey, k entitlement.SubjectKey) bool {
	for _, existing := range keys {
		if existing == k {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
