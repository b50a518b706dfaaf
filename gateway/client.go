package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
)

const dateLayout = "2006-01-02"

// Client reads the gateway's transaction feed and single payments.
type Client struct {
	baseURL     string
	authHeader  string
	cursorParam string
	http        *http.Client
	limiter     <-chan time.Time
	cache       DetailCache
	logger      *logrus.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithDetailCache puts a cache in front of GetPayment.
func WithDetailCache(cache DetailCache) Option {
	return func(c *Client) { c.cache = cache }
}

func NewClient(cfg config.GatewayConfig, logger *logrus.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("gateway secret key is empty")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway base url is empty")
	}
	cursorParam := strings.TrimSpace(cfg.CursorParam)
	if cursorParam == "" {
		cursorParam = DefaultCursorParam
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Client{
		baseURL:     baseURL,
		authHeader:  "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.SecretKey+":")),
		cursorParam: cursorParam,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
	}
	if cfg.RateLimitPerMin > 0 {
		c.limiter = time.Tick(time.Minute / time.Duration(cfg.RateLimitPerMin))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchTransactions returns every feed entry between the two dates (inclusive, by calendar day
// in the dates' location). Any page error aborts the whole fetch; no partial result is returned.
// Entries repeated across pages are kept as returned and only logged.
func (c *Client) FetchTransactions(ctx context.Context, startDate, endDate time.Time) ([]Transaction, error) {
	var (
		all      []Transaction
		cursor   PageCursor
		seen     = make(map[string]struct{})
		overlaps int
	)
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("startDate", startDate.Format(dateLayout))
		params.Set("endDate", endDate.Format(dateLayout))
		// pinned so a short page always means the end of the feed, whatever the server default
		params.Set("limit", strconv.Itoa(PageSize))
		if !cursor.IsStart() {
			params.Set(c.cursorParam, cursor.String())
		}

		body, err := c.get(ctx, "/v1/transactions", params)
		if err != nil {
			return nil, err
		}
		items, err := decodeTransactions(body)
		if err != nil {
			return nil, fmt.Errorf("%w: decode transactions page %d: %v", ErrGatewayUnavailable, page, err)
		}

		for _, tx := range items {
			if _, dup := seen[tx.TransactionKey]; dup {
				overlaps++
				c.logger.WithFields(logrus.Fields{
					"page":           page,
					"transactionKey": tx.TransactionKey,
					"orderId":        tx.OrderID,
				}).Warn("transaction feed returned an entry already seen on an earlier page")
			}
			seen[tx.TransactionKey] = struct{}{}
			all = append(all, tx)
		}
		c.logger.WithFields(logrus.Fields{
			"page":  page,
			"items": len(items),
			"total": len(all),
		}).Debug("transactions page loaded")

		if len(items) < PageSize {
			break
		}
		next := CursorAfter(items[len(items)-1])
		if next.IsStart() || next == cursor {
			return nil, fmt.Errorf("%w: page %d ended on %q", ErrCursorStalled, page, next.String())
		}
		cursor = next
	}
	if overlaps > 0 {
		c.logger.WithField("overlaps", overlaps).Warn("transaction feed pages overlapped; feed ordering may have shifted during the scan")
	}
	return all, nil
}

// GetPayment looks up one payment by its key.
func (c *Client) GetPayment(ctx context.Context, paymentKey string) (*PaymentDetail, error) {
	paymentKey = strings.TrimSpace(paymentKey)
	if paymentKey == "" {
		return nil, fmt.Errorf("payment key is empty")
	}
	if c.cache != nil {
		if d, ok, err := c.cache.Get(ctx, paymentKey); err != nil {
			c.logger.WithField("paymentKey", paymentKey).Warnf("payment detail cache read failed: %v", err)
		} else if ok {
			return d, nil
		}
	}

	body, err := c.get(ctx, "/v1/payments/"+url.PathEscape(paymentKey), nil)
	if err != nil {
		return nil, err
	}
	d, err := decodePaymentDetail(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode payment %s: %v", ErrGatewayUnavailable, paymentKey, err)
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, paymentKey, d); err != nil {
			c.logger.WithField("paymentKey", paymentKey).Warnf("payment detail cache write failed: %v", err)
		}
	}
	return d, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.limiter:
		}
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &GatewayError{cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Status: resp.StatusCode, cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &GatewayError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil {
			gerr.Code = payload.Code
			gerr.Message = payload.Message
		}
		return nil, gerr
	}
	return body, nil
}
