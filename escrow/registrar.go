package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
)

const (
	// DeliveryTypeComplete is "delivered, not by courier": digital goods are handed over at payment.
	DeliveryTypeComplete = "01"
	ReceiverRelationSelf = "본인"
	DefaultReceiverName  = "구매자"
	ReceiveDateLayout    = "200601021504"
	OrderIDPrefix        = "order_"
	contentType          = "application/x-www-form-urlencoded; charset=euc-kr"
)

var ErrRegistrationRejected = errors.New("escrow registration rejected")

// SuccessPredicate decides from the decoded response body whether the endpoint accepted the
// registration. The endpoint answers 200 either way and signals success with a marker in the
// body, so this is a known integration quirk, not a protocol.
type SuccessPredicate func(body string) bool

func ContainsMarker(marker string) SuccessPredicate {
	return func(body string) bool {
		return strings.Contains(body, marker)
	}
}

// Order is one escrow delivery-completion registration.
type Order struct {
	OrderID      string `json:"oid" validate:"required,startswith=order_"`
	ReceiverName string `json:"rcvname" validate:"required"`
	ReceiveDate  string `json:"rcvdate" validate:"required,len=12,numeric"`
}

type Registrar struct {
	endpoint    string
	merchantID  string
	merchantKey string
	success     SuccessPredicate
	http        *http.Client
	validate    *validator.Validate
	logger      *logrus.Logger
}

type Option func(*Registrar)

func WithHTTPClient(h *http.Client) Option {
	return func(r *Registrar) { r.http = h }
}

func WithSuccessPredicate(p SuccessPredicate) Option {
	return func(r *Registrar) { r.success = p }
}

func NewRegistrar(cfg config.EscrowConfig, logger *logrus.Logger, opts ...Option) (*Registrar, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("escrow url is empty")
	}
	if cfg.MerchantID == "" || cfg.MerchantKey == "" {
		return nil, errors.New("escrow merchant id and key are required")
	}
	marker := cfg.SuccessMarker
	if marker == "" {
		marker = "OK"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registrar{
		endpoint:    cfg.URL,
		merchantID:  cfg.MerchantID,
		merchantKey: cfg.MerchantKey,
		success:     ContainsMarker(marker),
		http:        &http.Client{Timeout: timeout},
		validate:    validator.New(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Body builds the signed form body. Exposed for the dry-run listing.
func (r *Registrar) Body(o Order) (string, error) {
	if err := r.validate.Struct(o); err != nil {
		return "", fmt.Errorf("invalid escrow order %s: %w", o.OrderID, err)
	}
	name, err := EncodeLegacy(o.ReceiverName)
	if err != nil {
		return "", err
	}
	relation, err := EncodeLegacy(ReceiverRelationSelf)
	if err != nil {
		return "", err
	}
	parts := []string{
		"mid=" + url.QueryEscape(r.merchantID),
		"oid=" + url.QueryEscape(o.OrderID),
		"dlvtype=" + DeliveryTypeComplete,
		"rcvdate=" + o.ReceiveDate,
		"rcvname=" + name,
		"rcvrelation=" + relation,
		"hashdata=" + Sign(r.merchantID, o.OrderID, DeliveryTypeComplete, o.ReceiveDate, r.merchantKey),
	}
	return strings.Join(parts, "&"), nil
}

// Register posts one order and returns the decoded response body. A body the success
// predicate rejects comes back as ErrRegistrationRejected with the body in the message.
func (r *Registrar) Register(ctx context.Context, o Order) (string, error) {
	body, err := r.Body(o)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("escrow request %s: %w", o.OrderID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("escrow response %s: %w", o.OrderID, err)
	}
	text, err := DecodeLegacy(raw)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !r.success(text) {
		r.logger.WithFields(logrus.Fields{
			"oid":    o.OrderID,
			"status": resp.StatusCode,
		}).Warnf("escrow registration rejected: %s", text)
		return text, fmt.Errorf("%w: %s: http %d: %s", ErrRegistrationRejected, o.OrderID, resp.StatusCode, text)
	}
	return text, nil
}
