package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Payments     PaymentsConfig
	Reconcile    ReconcileConfig
	Webhook      WebhookConfig
	Stripe       StripeConfig
	Satispay     SatispayConfig
	PayPal       PayPalConfig
	SumUp        SumUpConfig
	Nexi         NexiConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"RESIDENZA_APP_ENV" required:"true"`
	Port         string   `envconfig:"RESIDENZA_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"RESIDENZA_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"RESIDENZA_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"RESIDENZA_CORS_ALLOWED_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

// ServiceConfig identifies the running binary. Workers without an HTTP
// surface expose /metrics on MetricsAddr when it is set.
type ServiceConfig struct {
	Kind        string `envconfig:"RESIDENZA_SERVICE_KIND" default:"api"`
	MetricsAddr string `envconfig:"RESIDENZA_METRICS_ADDR"`
}

type DBConfig struct {
	DSN    string `envconfig:"RESIDENZA_DB_DSN"`
	Driver string `envconfig:"RESIDENZA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"RESIDENZA_DB_HOST"`
	LegacyPort     int    `envconfig:"RESIDENZA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RESIDENZA_DB_USER"`
	LegacyPassword string `envconfig:"RESIDENZA_DB_PASSWORD"`
	LegacyName     string `envconfig:"RESIDENZA_DB_NAME"`
	LegacySSLMode  string `envconfig:"RESIDENZA_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"RESIDENZA_SQLITE_PATH" default:"residenza.db"`

	MaxOpenConns    int           `envconfig:"RESIDENZA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RESIDENZA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RESIDENZA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RESIDENZA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"RESIDENZA_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RESIDENZA_REDIS_URL"`
	Address      string        `envconfig:"RESIDENZA_REDIS_ADDR"`
	Password     string        `envconfig:"RESIDENZA_REDIS_PASSWORD"`
	DB           int           `envconfig:"RESIDENZA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RESIDENZA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RESIDENZA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RESIDENZA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RESIDENZA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RESIDENZA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type JWTConfig struct {
	Secret string `envconfig:"RESIDENZA_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"RESIDENZA_JWT_ISSUER" default:"residenza"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"RESIDENZA_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"RESIDENZA_AUTO_MIGRATE" default:"false"`
}

type PaymentsConfig struct {
	Currency      string `envconfig:"RESIDENZA_PAYMENTS_CURRENCY" default:"EUR"`
	MinAmount     string `envconfig:"RESIDENZA_PAYMENTS_MIN_AMOUNT" default:"0.50"`
	MaxAmount     string `envconfig:"RESIDENZA_PAYMENTS_MAX_AMOUNT" default:"500.00"`
	PublicBaseURL string `envconfig:"RESIDENZA_PUBLIC_BASE_URL" default:"http://localhost:8080"`
}

// MinAmountDecimal returns the configured lower bound for a payment order.
func (p PaymentsConfig) MinAmountDecimal() decimal.Decimal {
	return decimal.RequireFromString(p.MinAmount)
}

// MaxAmountDecimal returns the configured upper bound for a payment order.
func (p PaymentsConfig) MaxAmountDecimal() decimal.Decimal {
	return decimal.RequireFromString(p.MaxAmount)
}

func (p PaymentsConfig) validate() error {
	minAmount, err := decimal.NewFromString(p.MinAmount)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", EnvPaymentsMinAmount, err)
	}
	maxAmount, err := decimal.NewFromString(p.MaxAmount)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", EnvPaymentsMaxAmount, err)
	}
	if !minAmount.IsPositive() || maxAmount.LessThan(minAmount) {
		return fmt.Errorf("payment bounds must satisfy 0 < %s <= %s", EnvPaymentsMinAmount, EnvPaymentsMaxAmount)
	}
	return nil
}

type ReconcileConfig struct {
	SweepInterval   time.Duration `envconfig:"RESIDENZA_RECONCILE_SWEEP_INTERVAL" default:"5m"`
	GracePeriod     time.Duration `envconfig:"RESIDENZA_RECONCILE_GRACE_PERIOD" default:"5m"`
	SweepBatchSize  int           `envconfig:"RESIDENZA_RECONCILE_SWEEP_BATCH_SIZE" default:"100"`
	DailyReportHour int           `envconfig:"RESIDENZA_RECONCILE_DAILY_REPORT_HOUR" default:"7"`
	PollInterval    time.Duration `envconfig:"RESIDENZA_RECONCILE_POLL_INTERVAL" default:"3s"`
	PollCeiling     time.Duration `envconfig:"RESIDENZA_RECONCILE_POLL_CEILING" default:"5m"`
}

// RateLimitConfig throttles payment creation per client IP and per sigla.
type RateLimitConfig struct {
	Window     time.Duration `envconfig:"RESIDENZA_RATE_LIMIT_WINDOW" default:"1m"`
	IPLimit    int           `envconfig:"RESIDENZA_RATE_LIMIT_IP" default:"30"`
	SiglaLimit int           `envconfig:"RESIDENZA_RATE_LIMIT_SIGLA" default:"5"`
}

type WebhookConfig struct {
	SharedSecret       string        `envconfig:"RESIDENZA_WEBHOOK_SECRET"`
	TimestampTolerance time.Duration `envconfig:"RESIDENZA_WEBHOOK_TIMESTAMP_TOLERANCE" default:"5m"`
	IdempotencyTTL     time.Duration `envconfig:"RESIDENZA_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type StripeConfig struct {
	APIKey string `envconfig:"RESIDENZA_STRIPE_API_KEY"`
	Secret string `envconfig:"RESIDENZA_STRIPE_SECRET"`
	Env    string `envconfig:"RESIDENZA_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// Configured reports whether real Stripe credentials are present.
func (s StripeConfig) Configured() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

type SatispayConfig struct {
	KeyID          string `envconfig:"RESIDENZA_SATISPAY_KEY_ID"`
	PrivateKeyPEM  string `envconfig:"RESIDENZA_SATISPAY_PRIVATE_KEY"`
	PrivateKeyPath string `envconfig:"RESIDENZA_SATISPAY_PRIVATE_KEY_PATH"`
	Env            string `envconfig:"RESIDENZA_SATISPAY_ENV" default:"sandbox"`
}

// Environment returns the normalized Satispay environment (sandbox/production).
func (s SatispayConfig) Environment() string {
	return normalizeSandboxEnv(s.Env)
}

// Configured reports whether a key id and a private key source are present.
func (s SatispayConfig) Configured() bool {
	return strings.TrimSpace(s.KeyID) != "" &&
		(strings.TrimSpace(s.PrivateKeyPEM) != "" || strings.TrimSpace(s.PrivateKeyPath) != "")
}

type PayPalConfig struct {
	ClientID     string `envconfig:"RESIDENZA_PAYPAL_CLIENT_ID"`
	ClientSecret string `envconfig:"RESIDENZA_PAYPAL_CLIENT_SECRET"`
	WebhookID    string `envconfig:"RESIDENZA_PAYPAL_WEBHOOK_ID"`
	Env          string `envconfig:"RESIDENZA_PAYPAL_ENV" default:"sandbox"`
}

// Environment returns the normalized PayPal environment (sandbox/production).
func (p PayPalConfig) Environment() string {
	return normalizeSandboxEnv(p.Env)
}

// Configured reports whether OAuth client credentials are present.
func (p PayPalConfig) Configured() bool {
	return strings.TrimSpace(p.ClientID) != "" && strings.TrimSpace(p.ClientSecret) != ""
}

type SumUpConfig struct {
	APIKey         string `envconfig:"RESIDENZA_SUMUP_API_KEY"`
	MerchantCode   string `envconfig:"RESIDENZA_SUMUP_MERCHANT_CODE"`
	BaseURL        string `envconfig:"RESIDENZA_SUMUP_BASE_URL" default:"https://api.sumup.com"`
	HostedCheckout bool   `envconfig:"RESIDENZA_SUMUP_HOSTED_CHECKOUT" default:"true"`
}

// Configured reports whether an API key and merchant code are present.
func (s SumUpConfig) Configured() bool {
	return strings.TrimSpace(s.APIKey) != "" && strings.TrimSpace(s.MerchantCode) != ""
}

type NexiConfig struct {
	APIKey string `envconfig:"RESIDENZA_NEXI_API_KEY"`
	Env    string `envconfig:"RESIDENZA_NEXI_ENV" default:"sandbox"`
}

// Environment returns the normalized Nexi environment (sandbox/production).
func (n NexiConfig) Environment() string {
	return normalizeSandboxEnv(n.Env)
}

// Configured reports whether an API key is present.
func (n NexiConfig) Configured() bool {
	return strings.TrimSpace(n.APIKey) != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"RESIDENZA_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"RESIDENZA_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// BigQueryConfig points the daily report export at a dataset. Export is off
// when Dataset is empty.
type BigQueryConfig struct {
	Dataset          string `envconfig:"RESIDENZA_BIGQUERY_DATASET"`
	DailyReportTable string `envconfig:"RESIDENZA_BIGQUERY_DAILY_REPORT_TABLE" default:"daily_payment_report"`
}

// Enabled reports whether the report export is configured.
func (b BigQueryConfig) Enabled() bool {
	return strings.TrimSpace(b.Dataset) != ""
}

type PubSubConfig struct {
	PaymentsTopic string `envconfig:"RESIDENZA_PUBSUB_PAYMENTS_TOPIC" default:"residenza-payment-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"RESIDENZA_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"RESIDENZA_OUTBOX_PUBLISH_POLL_MS" default:"1000"`
	MaxAttempts    int `envconfig:"RESIDENZA_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func normalizeSandboxEnv(raw string) string {
	env := strings.TrimSpace(strings.ToLower(raw))
	switch env {
	case "prod", "production", "live":
		return "production"
	default:
		return "sandbox"
	}
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		if strings.TrimSpace(db.SQLitePath) == "" {
			return fmt.Errorf("%s is required when sqlite is enabled", EnvSQLitePath)
		}
		db.Driver = DriverSQLite
		return nil
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
