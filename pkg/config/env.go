package config

const (
	EnvPrefix = "RESIDENZA"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	EnvAppEnv     = "RESIDENZA_APP_ENV"
	EnvPort       = "RESIDENZA_APP_PORT"
	EnvDBDSN      = "RESIDENZA_DB_DSN"
	EnvDBHost     = "RESIDENZA_DB_HOST"
	EnvDBUser     = "RESIDENZA_DB_USER"
	EnvDBName     = "RESIDENZA_DB_NAME"
	EnvSQLitePath = "RESIDENZA_SQLITE_PATH"
	EnvUseSQLite  = "RESIDENZA_USE_SQLITE"
	EnvRedisURL   = "RESIDENZA_REDIS_URL"
	EnvJWTSecret  = "RESIDENZA_JWT_SECRET"

	EnvPaymentsMinAmount = "RESIDENZA_PAYMENTS_MIN_AMOUNT"
	EnvPaymentsMaxAmount = "RESIDENZA_PAYMENTS_MAX_AMOUNT"

	EnvReconcileSweepInterval = "RESIDENZA_RECONCILE_SWEEP_INTERVAL"
	EnvWebhookSecret          = "RESIDENZA_WEBHOOK_SECRET"
	EnvStripeAPIKey           = "RESIDENZA_STRIPE_API_KEY"
	EnvSatispayKeyID          = "RESIDENZA_SATISPAY_KEY_ID"
	EnvSatispayPrivateKey     = "RESIDENZA_SATISPAY_PRIVATE_KEY"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
