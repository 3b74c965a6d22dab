package config

// EnvPrefix is empty because every variable carries the RATO_ prefix in its tag.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced outside struct tags.
const (
	EnvAppEnv        = "RATO_APP_ENV"
	EnvPort          = "RATO_APP_PORT"
	EnvDBDSN         = "RATO_DB_DSN"
	EnvDBHost        = "RATO_DB_HOST"
	EnvDBUser        = "RATO_DB_USER"
	EnvDBName        = "RATO_DB_NAME"
	EnvRedisURL      = "RATO_REDIS_URL"
	EnvJWTSecret     = "RATO_JWT_SECRET"
	EnvJWTIssuer     = "RATO_JWT_ISSUER"
	EnvLicenseSecret = "RATO_LICENSE_SECRET"
)

var fallbackDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
