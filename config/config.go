package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultGatewayBaseURL = "https://api.tosspayments.com"
	defaultEscrowURL      = "https://pgweb.tosspayments.com/pg/wmp/mertadmin/jsp/escrow/rcvdlvinfo.jsp"
	defaultTimezone       = "Asia/Seoul"
	dateLayout            = "2006-01-02"
)

var validate = validator.New()

// Config is everything the jobs need, injected from main. Nothing in the engine reads the
// environment on its own.
type Config struct {
	Env       string
	Port      string
	LogLevel  string
	LogFormat string

	Gateway      GatewayConfig
	Store        StoreConfig
	Escrow       EscrowConfig
	Reconcile    ReconcileConfig
	Dispatch     DispatchConfig
	Report       ReportConfig
	Database     DatabaseConfig
	PubSub       PubSubConfig
	RedisAddress string
	// RunLockTTL bounds how long a crashed run keeps its job locked.
	RunLockTTL time.Duration
}

type GatewayConfig struct {
	BaseURL         string        `validate:"required,url"`
	SecretKey       string        `validate:"required"`
	CursorParam     string        `validate:"required"`
	RateLimitPerMin int           `validate:"gte=0"`
	Timeout         time.Duration `validate:"gt=0"`
	DetailCacheTTL  time.Duration `validate:"gte=0"`
}

type StoreConfig struct {
	BaseURL    string `validate:"required,url"`
	Table      string `validate:"required"`
	SASToken   string `validate:"required"`
	IfMatchAny bool
	Timeout    time.Duration `validate:"gt=0"`
}

type EscrowConfig struct {
	URL           string        `validate:"required,url"`
	MerchantID    string        `validate:"required"`
	MerchantKey   string        `validate:"required"`
	SuccessMarker string        `validate:"required"`
	Timeout       time.Duration `validate:"gt=0"`
}

type ReconcileConfig struct {
	WindowStart string `validate:"omitempty,datetime=2006-01-02"`
	WindowEnd   string `validate:"omitempty,datetime=2006-01-02"`
	Timezone    string `validate:"required"`
	Methods     []string
	CatalogPath string
	DryRun      bool
}

type DispatchConfig struct {
	Concurrency     int           `validate:"gte=1"`
	InterBatchDelay time.Duration `validate:"gte=0"`
}

type ReportConfig struct {
	SampleSize         int `validate:"gte=0"`
	Bucket             string
	Dir                string
	GCSCredentialsJSON string
}

type DatabaseConfig struct {
	User            string
	Password        string
	Host            string
	Port            string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Enabled reports whether run history should be persisted. The batch tools work without a database.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.Host) != ""
}

type PubSubConfig struct {
	ProjectID       string
	CredentialsJSON string
	Topic           string
	CreateTopic     bool
}

// Load reads .env (when present) and the process environment. Validation is per job, see ValidateReconcile/ValidateEscrow.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:       strings.TrimSpace(os.Getenv("GO_ENV")),
		Port:      firstNonEmpty(os.Getenv("PORT"), "8080"),
		LogLevel:  firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
		LogFormat: strings.TrimSpace(os.Getenv("LOG_FORMAT")),
		Gateway: GatewayConfig{
			BaseURL:         strings.TrimRight(firstNonEmpty(os.Getenv("GATEWAY_BASE_URL"), defaultGatewayBaseURL), "/"),
			SecretKey:       strings.TrimSpace(os.Getenv("GATEWAY_SECRET_KEY")),
			CursorParam:     firstNonEmpty(os.Getenv("GATEWAY_CURSOR_PARAM"), "lastCursor"),
			RateLimitPerMin: intFromEnv("GATEWAY_RATE_LIMIT_PER_MIN", 0),
			Timeout:         time.Duration(intFromEnv("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
			DetailCacheTTL:  time.Duration(intFromEnv("GATEWAY_DETAIL_CACHE_SECONDS", 3600)) * time.Second,
		},
		Store: StoreConfig{
			BaseURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("STORE_BASE_URL")), "/"),
			Table:      firstNonEmpty(os.Getenv("STORE_TABLE"), "users"),
			SASToken:   strings.TrimPrefix(strings.TrimSpace(os.Getenv("STORE_SAS_TOKEN")), "?"),
			IfMatchAny: envBoolDefault("STORE_IF_MATCH_ANY", false),
			Timeout:    time.Duration(intFromEnv("STORE_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Escrow: EscrowConfig{
			URL:           firstNonEmpty(os.Getenv("ESCROW_URL"), defaultEscrowURL),
			MerchantID:    strings.TrimSpace(os.Getenv("ESCROW_MERCHANT_ID")),
			MerchantKey:   strings.TrimSpace(os.Getenv("ESCROW_MERCHANT_KEY")),
			SuccessMarker: firstNonEmpty(os.Getenv("ESCROW_SUCCESS_MARKER"), "OK"),
			Timeout:       time.Duration(intFromEnv("ESCROW_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Reconcile: ReconcileConfig{
			WindowStart: strings.TrimSpace(os.Getenv("RECONCILE_WINDOW_START")),
			WindowEnd:   strings.TrimSpace(os.Getenv("RECONCILE_WINDOW_END")),
			Timezone:    firstNonEmpty(os.Getenv("RECONCILE_TIMEZONE"), defaultTimezone),
			Methods:     splitAndTrim(os.Getenv("RECONCILE_METHODS")),
			CatalogPath: strings.TrimSpace(os.Getenv("COURSE_CATALOG_PATH")),
			DryRun:      envBoolDefault("DRY_RUN", true),
		},
		Dispatch: DispatchConfig{
			Concurrency:     intFromEnv("DISPATCH_CONCURRENCY", 5),
			InterBatchDelay: time.Duration(intFromEnv("DISPATCH_DELAY_MS", 300)) * time.Millisecond,
		},
		Report: ReportConfig{
			SampleSize: intFromEnv("REPORT_SAMPLE_SIZE", 100),
			Bucket:     strings.TrimSpace(os.Getenv("REPORT_BUCKET")),
			Dir:        firstNonEmpty(os.Getenv("REPORT_DIR"), os.TempDir()),

			GCSCredentialsJSON: os.Getenv("GCS_CREDENTIALS_JSON"),
		},
		Database: DatabaseConfig{
			User:            os.Getenv("DB_USER"),
			Password:        os.Getenv("DB_PASSWORD"),
			Host:            os.Getenv("DB_HOST"),
			Port:            firstNonEmpty(os.Getenv("DB_PORT"), "3306"),
			Name:            os.Getenv("DB_NAME"),
			MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		},
		PubSub: PubSubConfig{
			ProjectID:       firstNonEmpty(os.Getenv("PUBSUB_PROJECT_ID"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
			CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
			Topic:           firstNonEmpty(os.Getenv("RECONCILE_TOPIC"), "enrollment-reconcile"),
			CreateTopic:     envBoolDefault("RECONCILE_CREATE_TOPIC", false),
		},
		RedisAddress: strings.TrimSpace(os.Getenv("REDIS_ADDRESS")),
		RunLockTTL:   time.Duration(intFromEnv("RUN_LOCK_TTL_SECONDS", 1800)) * time.Second,
	}
}

// ValidateReconcile checks the settings the reconciliation job cannot run without.
func (c *Config) ValidateReconcile() error {
	return validateAll(c.Gateway, c.Store, c.Reconcile, c.Dispatch, c.Report)
}

// ValidateEscrow checks the settings the escrow registration job cannot run without.
func (c *Config) ValidateEscrow() error {
	return validateAll(c.Escrow, c.Dispatch)
}

func validateAll(sections ...any) error {
	var errs []error
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			errs = append(errs, describeValidation(err))
		}
	}
	return errors.Join(errs...)
}

// describeValidation flattens validator output into "Struct.Field: tag" pairs.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", ve.Namespace(), ve.Tag()))
	}
	sort.Strings(parts)
	return fmt.Errorf("invalid config: %s", strings.Join(parts, ", "))
}

// Window resolves the configured reconciliation dates into an inclusive [start, end] range in the
// configured timezone. Both dates empty means "today"; a missing end means "same day as start".
func (r ReconcileConfig) Window(now time.Time) (time.Time, time.Time, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load timezone %q: %w", r.Timezone, err)
	}
	startStr, endStr := r.WindowStart, r.WindowEnd
	if startStr == "" && endStr == "" {
		today := now.In(loc).Format(dateLayout)
		startStr, endStr = today, today
	}
	if startStr == "" {
		startStr = endStr
	}
	if endStr == "" {
		endStr = startStr
	}
	start, err := time.ParseInLocation(dateLayout, startStr, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse window start: %w", err)
	}
	endDay, err := time.ParseInLocation(dateLayout, endStr, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse window end: %w", err)
	}
	if endDay.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end %s is before start %s", endStr, startStr)
	}
	end := endDay.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
