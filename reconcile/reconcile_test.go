package reconcile

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
	"bitbucket.org/mmdatafocus/enrollment_backend/gateway"
)

var kst = mustLoad("Asia/Seoul")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func window(fromDay, toDay int) Window {
	return Window{
		Start: time.Date(2025, 12, fromDay, 0, 0, 0, 0, kst),
		End:   time.Date(2025, 12, toDay, 23, 59, 59, 999999999, kst),
	}
}

func tx(orderID, status, method string, at time.Time) gateway.Transaction {
	return gateway.Transaction{
		TransactionKey: "tk-" + orderID,
		PaymentKey:     "pk-" + orderID,
		OrderID:        orderID,
		Status:         status,
		Method:         method,
		Amount:         45000,
		OccurredAt:     at,
	}
}

func record(t *testing.T, rowKey string, payments ...map[string]any) entitlement.Record {
	t.Helper()
	doc, err := json.Marshal(map[string]any{"enrollments": []any{}, "payments": payments})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"PartitionKey":    "user",
		"RowKey":          rowKey,
		"email":           rowKey,
		"enrolledCourses": string(doc),
	})
	require.NoError(t, err)
	rec, err := entitlement.DecodeEntity(raw)
	require.NoError(t, err)
	return rec
}

func payment(orderID, date string) map[string]any {
	return map[string]any{"orderId": orderID, "amount": 45000, "paymentDate": date}
}

func TestReconcileBasicScenario(t *testing.T) {
	txs := []gateway.Transaction{
		tx("A", gateway.StatusDone, gateway.MethodVirtualAccountKR, time.Date(2025, 12, 5, 10, 0, 0, 0, kst)),
		tx("B", gateway.StatusDone, gateway.MethodTransferKR, time.Date(2025, 12, 5, 11, 0, 0, 0, kst)),
		tx("C", gateway.StatusCanceled, gateway.MethodVirtualAccountKR, time.Date(2025, 12, 5, 12, 0, 0, 0, kst)),
	}
	records := []entitlement.Record{
		record(t, "a@example.com", payment("A", "2025-12-05T10:00:00+09:00")),
		record(t, "d@example.com", payment("D", "2025-12-05T13:00:00+09:00")),
	}

	res := Reconcile(txs, records, window(5, 5), Options{})
	assert.Equal(t, []string{"A"}, res.Matched)
	assert.Equal(t, []string{"B"}, res.GatewayOnly)
	assert.Equal(t, []string{"D"}, res.StoreOnly)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.IsMatched("A"))
	assert.True(t, res.IsGatewayOnly("B"))
	assert.True(t, res.IsStoreOnly("D"))
	assert.False(t, res.IsGatewayOnly("C"))
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Eligible)
}

func TestReconcileCardExcludedAndStoreOnlyOutsideWindow(t *testing.T) {
	txs := []gateway.Transaction{
		tx("E", gateway.StatusDone, gateway.MethodCardKR, time.Date(2025, 12, 5, 10, 0, 0, 0, kst)),
	}
	records := []entitlement.Record{
		record(t, "f@example.com", payment("F", "2025-11-01T10:00:00+09:00")),
	}

	res := Reconcile(txs, records, window(5, 5), Options{})
	assert.Empty(t, res.Matched)
	assert.Empty(t, res.GatewayOnly)
	assert.Empty(t, res.StoreOnly)
}

func TestReconcileWindowIsInclusive(t *testing.T) {
	w := window(5, 7)
	txs := []gateway.Transaction{
		tx("start", gateway.StatusDone, gateway.MethodVirtualAccount, w.Start),
		tx("end", gateway.StatusDone, gateway.MethodVirtualAccount, w.End),
		tx("before", gateway.StatusDone, gateway.MethodVirtualAccount, w.Start.Add(-time.Nanosecond)),
		tx("after", gateway.StatusDone, gateway.MethodVirtualAccount, w.End.Add(time.Nanosecond)),
	}
	res := Reconcile(txs, nil, w, Options{})
	assert.Equal(t, []string{"end", "start"}, res.GatewayOnly)
}

func TestReconcileConflictingAssignment(t *testing.T) {
	records := []entitlement.Record{
		record(t, "x@example.com", payment("G", "2025-12-05T10:00:00+09:00")),
		record(t, "y@example.com", payment("G", "2025-12-06T10:00:00+09:00")),
	}
	res := Reconcile(nil, records, window(5, 5), Options{})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "G", res.Conflicts[0].OrderID)
	assert.Len(t, res.Conflicts[0].Subjects, 2)
	// first occurrence wins for the date
	assert.Equal(t, []string{"G"}, res.StoreOnly)
	assert.Equal(t, "x@example.com", res.StoreEntries["G"].Email)
}

func TestReconcileMethodFilter(t *testing.T) {
	at := time.Date(2025, 12, 5, 10, 0, 0, 0, kst)
	txs := []gateway.Transaction{
		tx("va", gateway.StatusDone, gateway.MethodVirtualAccount, at),
		tx("card", gateway.StatusDone, gateway.MethodCard, at),
		tx("card-kr", gateway.StatusDone, gateway.MethodCardKR, at),
	}

	res := Reconcile(txs, nil, window(5, 5), Options{Methods: MethodsFrom([]string{"card"})})
	assert.Equal(t, []string{"card", "card-kr"}, res.GatewayOnly)

	res = Reconcile(txs, nil, window(5, 5), Options{Methods: MethodsFrom([]string{"*"})})
	assert.Len(t, res.GatewayOnly, 3)
}

func TestReconcilePartitionProperty(t *testing.T) {
	w := window(1, 10)
	methods := []string{gateway.MethodVirtualAccountKR, gateway.MethodTransfer, gateway.MethodCard}
	statuses := []string{gateway.StatusDone, gateway.StatusDone, gateway.StatusCanceled, "WAITING_FOR_DEPOSIT"}

	var txs []gateway.Transaction
	var records []entitlement.Record
	for i := 0; i < 60; i++ {
		orderID := fmt.Sprintf("order_%02d", i)
		at := time.Date(2025, 11, 28+i%15, i%24, 0, 0, 0, kst)
		txs = append(txs, tx(orderID, statuses[i%len(statuses)], methods[i%len(methods)], at))
		if i%3 == 0 {
			records = append(records, record(t, fmt.Sprintf("u%d@example.com", i), payment(orderID, at.Format(time.RFC3339))))
		}
		if i%7 == 0 {
			records = append(records, record(t, fmt.Sprintf("s%d@example.com", i), payment("store_"+orderID, at.Format(time.RFC3339))))
		}
	}

	res := Reconcile(txs, records, w, Options{})

	for _, id := range res.Matched {
		assert.False(t, res.IsGatewayOnly(id), "matched and gateway-only: %s", id)
		assert.False(t, res.IsStoreOnly(id), "matched and store-only: %s", id)
	}
	filter := DefaultMethods()
	for _, tr := range txs {
		eligible := tr.IsDone() && w.Contains(tr.OccurredAt) && filter(tr.Method)
		in := res.IsMatched(tr.OrderID) || res.IsGatewayOnly(tr.OrderID)
		assert.Equal(t, eligible, in, "order %s", tr.OrderID)
		assert.False(t, res.IsMatched(tr.OrderID) && res.IsGatewayOnly(tr.OrderID))
	}

	again := Reconcile(txs, records, w, Options{})
	assert.Equal(t, res.Matched, again.Matched)
	assert.Equal(t, res.GatewayOnly, again.GatewayOnly)
	assert.Equal(t, res.StoreOnly, again.StoreOnly)
}

func TestBuildSummary(t *testing.T) {
	txs := []gateway.Transaction{
		tx("order_1", gateway.StatusDone, gateway.MethodVirtualAccountKR, time.Date(2025, 12, 5, 10, 0, 0, 0, kst)),
		tx("order_2", gateway.StatusDone, gateway.MethodVirtualAccountKR, time.Date(2025, 12, 6, 10, 0, 0, 0, kst)),
		tx("order_3", gateway.StatusDone, gateway.MethodTransferKR, time.Date(2025, 12, 6, 11, 0, 0, 0, kst)),
	}
	txs[2].Amount = 95000
	records := []entitlement.Record{
		record(t, "m@example.com", payment("manual_1", "2025-12-05T09:00:00+09:00")),
		record(t, "o@example.com", payment("order_9", "2025-12-05T09:00:00+09:00")),
	}

	res := Reconcile(txs, records, window(5, 7), Options{})
	s := BuildSummary(res, 2)

	assert.Equal(t, 3, s.GatewayOnly)
	assert.True(t, s.GatewayOnlyAmount.Equal(decimal.NewFromInt(185000)))
	assert.Equal(t, []AmountBucket{{Amount: 45000, Count: 2}, {Amount: 95000, Count: 1}}, s.GatewayOnlyByAmount)
	require.Len(t, s.GatewayOnlyByMonth, 1)
	assert.Equal(t, "2025-12", s.GatewayOnlyByMonth[0].Month)
	assert.Equal(t, 3, s.GatewayOnlyByMonth[0].Count)
	assert.Len(t, s.GatewayOnlySamples, 2)

	assert.Equal(t, 2, s.StoreOnly)
	assert.Equal(t, 1, s.StoreOnlyManual)
	assert.Equal(t, 1, s.StoreOnlyOther)
	assert.True(t, s.StoreOnlySamples[0].Manual)
}

func TestReconcileSingleOrderScenarios(t *testing.T) {
	txs := []gateway.Transaction{
		tx("A", gateway.StatusDone, gateway.MethodVirtualAccount, time.Date(2025, 12, 5, 9, 0, 0, 0, kst)),
	}

	t.Run("no entitlements", func(t *testing.T) {
		res := Reconcile(txs, nil, window(5, 5), Options{})
		assert.Equal(t, []string{"A"}, res.GatewayOnly)
		assert.Empty(t, res.Matched)
		assert.Empty(t, res.StoreOnly)
	})

	t.Run("entitled", func(t *testing.T) {
		records := []entitlement.Record{record(t, "a@example.com", map[string]any{"orderId": "A"})}
		res := Reconcile(txs, records, window(5, 5), Options{})
		assert.Equal(t, []string{"A"}, res.Matched)
		assert.Empty(t, res.GatewayOnly)
		assert.Empty(t, res.StoreOnly)
	})
}
