package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(config.GatewayConfig{
		BaseURL:   srv.URL,
		SecretKey: "test_sk",
		Timeout:   5 * time.Second,
	}, quietLogger(), opts...)
	require.NoError(t, err)
	return c
}

func feedItems(from, n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, map[string]any{
			"transactionKey": "tk-" + strconv.Itoa(i),
			"paymentKey":     "pk-" + strconv.Itoa(i),
			"orderId":        "order_" + strconv.Itoa(i),
			"method":         "가상계좌",
			"status":         "DONE",
			"transactionAt":  "2025-12-05T10:00:00+09:00",
			"amount":         45000,
		})
	}
	return out
}

func TestFetchTransactionsPaginates(t *testing.T) {
	var (
		mu      sync.Mutex
		cursors []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions", r.URL.Path)
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("test_sk:")), r.Header.Get("Authorization"))
		assert.Equal(t, "2025-12-05", r.URL.Query().Get("startDate"))
		assert.Equal(t, "2025-12-08", r.URL.Query().Get("endDate"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		cursor := r.URL.Query().Get("lastCursor")
		mu.Lock()
		cursors = append(cursors, cursor)
		mu.Unlock()

		var items []map[string]any
		switch cursor {
		case "":
			items = feedItems(0, 100)
		case "tk-99":
			items = feedItems(100, 100)
		case "tk-199":
			items = feedItems(200, 50)
		default:
			t.Errorf("unexpected cursor %q", cursor)
		}
		_ = json.NewEncoder(w).Encode(items)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	kst, _ := time.LoadLocation("Asia/Seoul")
	txs, err := c.FetchTransactions(context.Background(),
		time.Date(2025, 12, 5, 0, 0, 0, 0, kst),
		time.Date(2025, 12, 8, 0, 0, 0, 0, kst))
	require.NoError(t, err)
	require.Len(t, txs, 250)
	assert.Equal(t, []string{"", "tk-99", "tk-199"}, cursors)

	first := txs[0]
	assert.Equal(t, "order_0", first.OrderID)
	assert.Equal(t, int64(45000), first.Amount)
	assert.True(t, first.IsDone())
	assert.Equal(t, MethodVirtualAccountKR, first.Method)
	assert.Equal(t, 2025, first.OccurredAt.Year())
}

func TestFetchTransactionsCustomCursorParam(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors = append(cursors, r.URL.Query().Get("startingAfter"))
		assert.Empty(t, r.URL.Query().Get(DefaultCursorParam))
		if r.URL.Query().Get("startingAfter") == "" {
			_ = json.NewEncoder(w).Encode(feedItems(0, 100))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c, err := NewClient(config.GatewayConfig{
		BaseURL:     srv.URL,
		SecretKey:   "test_sk",
		CursorParam: "startingAfter",
		Timeout:     5 * time.Second,
	}, quietLogger())
	require.NoError(t, err)
	txs, err := c.FetchTransactions(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, txs, 100)
	assert.Equal(t, []string{"", "tk-99"}, cursors)
}

func TestFetchTransactionsEmptyFirstPage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	txs, err := newTestClient(t, srv).FetchTransactions(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTransactionsExactMultipleStopsOnEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lastCursor") == "" {
			_ = json.NewEncoder(w).Encode(feedItems(0, 100))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	txs, err := newTestClient(t, srv).FetchTransactions(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, txs, 100)
}

func TestFetchTransactionsStalledCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(feedItems(0, 100))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchTransactions(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCursorStalled)
}

func TestFetchTransactionsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lastCursor") != "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED_KEY","message":"인증되지 않은 시크릿 키"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(feedItems(0, 100))
	}))
	defer srv.Close()

	txs, err := newTestClient(t, srv).FetchTransactions(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.Nil(t, txs)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, http.StatusUnauthorized, gerr.Status)
	assert.Equal(t, "UNAUTHORIZED_KEY", gerr.Code)
}

func TestFetchTransactionsKeepsOverlappingEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lastCursor") == "" {
			_ = json.NewEncoder(w).Encode(feedItems(0, 100))
			return
		}
		_ = json.NewEncoder(w).Encode(feedItems(95, 10))
	}))
	defer srv.Close()

	txs, err := newTestClient(t, srv).FetchTransactions(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, txs, 110)
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string]*PaymentDetail
}

func (m *memoryCache) Get(_ context.Context, key string) (*PaymentDetail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	return d, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, d *PaymentDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = d
	return nil
}

func TestGetPaymentEmailPriorityAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/payments/pk-1", r.URL.Path)
		_, _ = fmt.Fprint(w, `{
			"paymentKey":"pk-1","orderId":"order_1","orderName":"AI 에이전트 비기너","totalAmount":95000,
			"customerEmail":"second@example.com",
			"customer":{"email":"third@example.com","name":"김정호"},
			"virtualAccount":{"customerEmail":"last@example.com"},
			"metadata":{"customerEmail":"First@Example.com","courseId":1002}
		}`)
	}))
	defer srv.Close()

	cache := &memoryCache{data: map[string]*PaymentDetail{}}
	c := newTestClient(t, srv, WithDetailCache(cache))

	d, err := c.GetPayment(context.Background(), "pk-1")
	require.NoError(t, err)
	assert.Equal(t, "first@example.com", d.CustomerEmail)
	assert.Equal(t, "김정호", d.CustomerName)
	assert.Equal(t, "1002", d.CourseID)
	assert.Equal(t, int64(95000), d.TotalAmount)

	again, err := c.GetPayment(context.Background(), "pk-1")
	require.NoError(t, err)
	assert.Equal(t, d, again)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetPaymentEmailFallbacks(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"customer", `{"customer":{"email":"a@x.com"}}`, "a@x.com"},
		{"receipt", `{"receipt":{"customerEmail":"b@x.com"}}`, "b@x.com"},
		{"virtual account", `{"virtualAccount":{"customerEmail":"c@x.com"}}`, "c@x.com"},
		{"none", `{}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := decodePaymentDetail([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.CustomerEmail)
		})
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND_PAYMENT","message":"존재하지 않는 결제 정보 입니다."}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).GetPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}
