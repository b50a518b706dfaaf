package tablestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
)

const (
	apiVersion           = "2020-04-08"
	acceptNoMetadata     = "application/json;odata=nometadata"
	headerNextPartition  = "x-ms-continuation-NextPartitionKey"
	headerNextRow        = "x-ms-continuation-NextRowKey"
	methodMerge          = "MERGE"
	ifMatchAny           = "*"
	defaultClientTimeout = 30 * time.Second
)

var (
	ErrStoreUnavailable   = errors.New("entity store unavailable")
	ErrPreconditionFailed = errors.New("entity changed since it was read")
)

// StoreError is a non-2xx answer from the store (Status 0 when no answer came back).
type StoreError struct {
	Op     string
	Status int
	Body   string

	cause error
}

func (e *StoreError) Error() string {
	if e.Status == 0 && e.cause != nil {
		return fmt.Sprintf("store %s failed: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("store %s error %d: %s", e.Op, e.Status, e.Body)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *StoreError) Unwrap() error {
	return e.cause
}

// Client talks to a table-style entity store authorised with a SAS query string.
type Client struct {
	baseURL    string
	sas        url.Values
	ifMatchAny bool
	http       *http.Client
	logger     *logrus.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(cfg config.StoreConfig, logger *logrus.Logger, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("store base url is empty")
	}
	sas, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(cfg.SASToken), "?"))
	if err != nil {
		return nil, fmt.Errorf("parse sas token: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		baseURL:    baseURL,
		sas:        sas,
		ifMatchAny: cfg.IfMatchAny,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type queryResponse struct {
	Value []json.RawMessage `json:"value"`
}

// ScanAll reads every entity of table. The scan continues only while the response carries
// both continuation headers; a response with just one of them ends it. An entity that is not
// a keyed object fails the scan rather than shrinking the result.
func (c *Client) ScanAll(ctx context.Context, table string) ([]entitlement.Record, error) {
	var (
		out    []entitlement.Record
		nextPK string
		nextRK string
		page   int
	)
	for {
		page++
		params := c.query()
		if nextPK != "" && nextRK != "" {
			params.Set("NextPartitionKey", nextPK)
			params.Set("NextRowKey", nextRK)
		}

		resp, body, err := c.do(ctx, "scan", http.MethodGet, c.tableURL(table, params), nil, nil)
		if err != nil {
			return nil, err
		}
		var parsed queryResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, &StoreError{Op: "scan", Status: resp.StatusCode, Body: truncate(body), cause: err}
		}
		for _, raw := range parsed.Value {
			rec, err := entitlement.DecodeEntity(raw)
			if err != nil {
				return nil, &StoreError{Op: fmt.Sprintf("scan page %d", page), Status: resp.StatusCode, Body: truncate(raw), cause: err}
			}
			if rec.DecodeErr != nil {
				c.logger.WithFields(logrus.Fields{
					"partitionKey": rec.Key.PartitionKey,
					"rowKey":       rec.Key.RowKey,
				}).Warn(rec.DecodeErr.Error())
			}
			out = append(out, rec)
		}

		nextPK = resp.Header.Get(headerNextPartition)
		nextRK = resp.Header.Get(headerNextRow)
		if nextPK == "" || nextRK == "" {
			break
		}
	}
	c.logger.WithFields(logrus.Fields{
		"table":   table,
		"pages":   page,
		"records": len(out),
	}).Info("store scan complete")
	return out, nil
}

// Get reads one entity. found is false on 404.
func (c *Client) Get(ctx context.Context, table string, key entitlement.SubjectKey) (entitlement.Record, bool, error) {
	resp, body, err := c.do(ctx, "get", http.MethodGet, c.entityURL(table, key), nil, nil)
	if err != nil {
		var serr *StoreError
		if errors.As(err, &serr) && serr.Status == http.StatusNotFound {
			return entitlement.Record{}, false, nil
		}
		return entitlement.Record{}, false, err
	}
	rec, err := entitlement.DecodeEntity(body)
	if err != nil {
		return entitlement.Record{}, false, &StoreError{Op: "get", Status: resp.StatusCode, Body: truncate(body), cause: err}
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		rec.ETag = etag
	}
	if rec.Key.IsZero() {
		rec.Key = key
	}
	return rec, true, nil
}

// Merge applies a partial update. With an etag the write only lands if the entity is unchanged
// (or with "*" when the client is configured that way); an empty etag is an unconditional
// insert-or-merge for subjects that have no entity yet.
func (c *Client) Merge(ctx context.Context, table string, key entitlement.SubjectKey, fields map[string]any, etag string) error {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["PartitionKey"] = key.PartitionKey
	payload["RowKey"] = key.RowKey
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode merge body: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	conditional := false
	if etag != "" {
		conditional = true
		if c.ifMatchAny {
			headers.Set("If-Match", ifMatchAny)
		} else {
			headers.Set("If-Match", etag)
		}
	}

	_, _, err = c.do(ctx, "merge", methodMerge, c.entityURL(table, key), bytes.NewReader(b), headers)
	if err != nil {
		var serr *StoreError
		if errors.As(err, &serr) {
			if serr.Status == http.StatusPreconditionFailed || (conditional && serr.Status == http.StatusNotFound) {
				return fmt.Errorf("%w: %s: %w", ErrPreconditionFailed, key, err)
			}
		}
		return err
	}
	return nil
}

func (c *Client) query() url.Values {
	q := url.Values{}
	for k, vs := range c.sas {
		q[k] = append([]string(nil), vs...)
	}
	return q
}

func (c *Client) tableURL(table string, params url.Values) string {
	return c.baseURL + "/" + url.PathEscape(table) + "?" + params.Encode()
}

func (c *Client) entityURL(table string, key entitlement.SubjectKey) string {
	return fmt.Sprintf("%s/%s(PartitionKey='%s',RowKey='%s')?%s",
		c.baseURL,
		url.PathEscape(table),
		escapeKey(key.PartitionKey),
		escapeKey(key.RowKey),
		c.query().Encode(),
	)
}

// escapeKey doubles single quotes (OData literal) and percent-escapes the rest for the path.
func escapeKey(v string) string {
	return url.PathEscape(strings.ReplaceAll(v, "'", "''"))
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body io.Reader, headers http.Header) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", acceptNoMetadata)
	req.Header.Set("x-ms-version", apiVersion)
	req.Header.Set("DataServiceVersion", "3.0")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &StoreError{Op: op, cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &StoreError{Op: op, Status: resp.StatusCode, cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, respBody, &StoreError{Op: op, Status: resp.StatusCode, Body: truncate(respBody)}
	}
	return resp, respBody, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
