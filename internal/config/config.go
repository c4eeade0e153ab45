package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Cohort query strategies.
const (
	StrategyCTE      = "CTE"
	StrategyCTEOR    = "CTEOR"
	StrategyParallel = "PARALLEL"
)

// Authentication mechanisms.
const (
	AuthUnsecured = "unsecured"
	AuthJWT       = "jwt"
	AuthSAML2     = "saml2"
)

var procedurePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var dateShiftIncrements = map[string]bool{
	"MINUTE": true, "HOUR": true, "DAY": true, "WEEK": true, "MONTH": true, "YEAR": true,
}

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	AppDBURL       string `mapstructure:"APP_DB_URL"`
	AppDBTimeout   int    `mapstructure:"APP_DB_TIMEOUT"`
	ClinDBURL      string `mapstructure:"CLIN_DB_URL"`
	ClinDBTimeout  int    `mapstructure:"CLIN_DB_TIMEOUT"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string `mapstructure:"MIGRATIONS_DIR"`
	DemographicSQL string `mapstructure:"DEMOGRAPHICS_SQL"`

	Cohort   CohortConfig   `mapstructure:",squash"`
	Compiler CompilerConfig `mapstructure:",squash"`
	Deident  DeidentConfig  `mapstructure:",squash"`
	Auth     AuthConfig     `mapstructure:",squash"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout int      `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	TracingEnabled bool     `mapstructure:"TRACING_ENABLED"`
}

// CohortConfig governs how panel queries are executed against the clinical database.
type CohortConfig struct {
	QueryStrategy      string `mapstructure:"COHORT_QUERY_STRATEGY"`
	MaxParallelThreads int    `mapstructure:"COHORT_MAX_PARALLEL_THREADS"`
	OverrideProcedure  string `mapstructure:"COHORT_OVERRIDE_PROCEDURE"`
	RowLimit           int    `mapstructure:"COHORT_ROW_LIMIT"`
	ExportLimit        int    `mapstructure:"COHORT_EXPORT_LIMIT"`
}

type CompilerConfig struct {
	Alias            string `mapstructure:"COMPILER_ALIAS"`
	FieldPersonID    string `mapstructure:"COMPILER_FIELD_PERSON_ID"`
	FieldEncounterID string `mapstructure:"COMPILER_FIELD_ENCOUNTER_ID"`
}

type DeidentConfig struct {
	PatientEnabled     bool   `mapstructure:"DEIDENT_PATIENT_ENABLED"`
	DateShiftIncrement string `mapstructure:"DEIDENT_DATE_SHIFT_INCREMENT"`
	DateShiftLower     int    `mapstructure:"DEIDENT_DATE_SHIFT_LOWER"`
	DateShiftUpper     int    `mapstructure:"DEIDENT_DATE_SHIFT_UPPER"`

	NoiseEnabled bool `mapstructure:"DEIDENT_COHORT_NOISE_ENABLED"`
	NoiseLower   int  `mapstructure:"DEIDENT_COHORT_NOISE_LOWER"`
	NoiseUpper   int  `mapstructure:"DEIDENT_COHORT_NOISE_UPPER"`

	LowCellEnabled   bool `mapstructure:"DEIDENT_COHORT_LOW_CELL_ENABLED"`
	LowCellThreshold int  `mapstructure:"DEIDENT_COHORT_LOW_CELL_THRESHOLD"`
}

type AuthConfig struct {
	Mechanism           string `mapstructure:"AUTH_MECHANISM"`
	Issuer              string `mapstructure:"AUTH_ISSUER"`
	Audience            string `mapstructure:"AUTH_AUDIENCE"`
	JWKSURL             string `mapstructure:"AUTH_JWKS_URL"`
	SigningKey          string `mapstructure:"AUTH_SIGNING_KEY"`
	SAML2IdentityHeader string `mapstructure:"AUTH_SAML2_IDENTITY_HEADER"`
	SAML2RolesHeader    string `mapstructure:"AUTH_SAML2_ROLES_HEADER"`
	SAML2GroupsHeader   string `mapstructure:"AUTH_SAML2_GROUPS_HEADER"`
}

var envKeys = []string{
	"PORT", "ENV", "APP_DB_URL", "APP_DB_TIMEOUT", "CLIN_DB_URL", "CLIN_DB_TIMEOUT",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "DEMOGRAPHICS_SQL",
	"COHORT_QUERY_STRATEGY", "COHORT_MAX_PARALLEL_THREADS", "COHORT_OVERRIDE_PROCEDURE",
	"COHORT_ROW_LIMIT", "COHORT_EXPORT_LIMIT",
	"COMPILER_ALIAS", "COMPILER_FIELD_PERSON_ID", "COMPILER_FIELD_ENCOUNTER_ID",
	"DEIDENT_PATIENT_ENABLED", "DEIDENT_DATE_SHIFT_INCREMENT", "DEIDENT_DATE_SHIFT_LOWER", "DEIDENT_DATE_SHIFT_UPPER",
	"DEIDENT_COHORT_NOISE_ENABLED", "DEIDENT_COHORT_NOISE_LOWER", "DEIDENT_COHORT_NOISE_UPPER",
	"DEIDENT_COHORT_LOW_CELL_ENABLED", "DEIDENT_COHORT_LOW_CELL_THRESHOLD",
	"AUTH_MECHANISM", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"AUTH_SAML2_IDENTITY_HEADER", "AUTH_SAML2_ROLES_HEADER", "AUTH_SAML2_GROUPS_HEADER",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TRACING_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("APP_DB_TIMEOUT", 60)
	v.SetDefault("CLIN_DB_TIMEOUT", 180)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("DEMOGRAPHICS_SQL", defaultDemographicSQL)
	v.SetDefault("COHORT_QUERY_STRATEGY", StrategyCTE)
	v.SetDefault("COHORT_MAX_PARALLEL_THREADS", 5)
	v.SetDefault("COHORT_ROW_LIMIT", 200000)
	v.SetDefault("COHORT_EXPORT_LIMIT", 5000)
	v.SetDefault("COMPILER_ALIAS", "@")
	v.SetDefault("COMPILER_FIELD_PERSON_ID", "person_id")
	v.SetDefault("COMPILER_FIELD_ENCOUNTER_ID", "encounter_id")
	v.SetDefault("DEIDENT_DATE_SHIFT_INCREMENT", "DAY")
	v.SetDefault("AUTH_MECHANISM", "") // inferred from ENV and AUTH_ISSUER
	v.SetDefault("AUTH_SAML2_IDENTITY_HEADER", "eppn")
	v.SetDefault("AUTH_SAML2_ROLES_HEADER", "entitlement")
	v.SetDefault("AUTH_SAML2_GROUPS_HEADER", "isMemberOf")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", 300)
	v.SetDefault("BODY_LIMIT", "2M")

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.Cohort.QueryStrategy = strings.ToUpper(strings.TrimSpace(cfg.Cohort.QueryStrategy))
	cfg.Deident.DateShiftIncrement = strings.ToUpper(strings.TrimSpace(cfg.Deident.DateShiftIncrement))

	if cfg.AppDBURL == "" {
		return nil, fmt.Errorf("APP_DB_URL is required")
	}
	if cfg.ClinDBURL == "" {
		return nil, fmt.Errorf("CLIN_DB_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMechanism returns AUTH_MECHANISM when set. Otherwise development
// runs unsecured, and any other environment uses JWT.
func (c *Config) ResolvedAuthMechanism() string {
	if c.Auth.Mechanism != "" {
		return strings.ToLower(c.Auth.Mechanism)
	}
	if c.IsDev() {
		return AuthUnsecured
	}
	return AuthJWT
}

// Validate checks the loaded values for combinations the server cannot run with.
func (c *Config) Validate() error {
	if err := c.Cohort.Validate(); err != nil {
		return err
	}
	if err := c.Deident.Validate(); err != nil {
		return err
	}
	if c.ClinDBTimeout <= 0 {
		return fmt.Errorf("CLIN_DB_TIMEOUT must be greater than 0")
	}

	switch mech := c.ResolvedAuthMechanism(); mech {
	case AuthUnsecured:
		if !c.IsDev() {
			return fmt.Errorf("AUTH_MECHANISM %q is only permitted when ENV=development (current ENV=%q)", mech, c.Env)
		}
	case AuthJWT:
		if c.Auth.Issuer == "" && c.Auth.SigningKey == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MECHANISM is %q", mech)
		}
	case AuthSAML2:
		if c.Auth.SAML2IdentityHeader == "" {
			return fmt.Errorf("AUTH_SAML2_IDENTITY_HEADER is required when AUTH_MECHANISM is %q", mech)
		}
	default:
		return fmt.Errorf("AUTH_MECHANISM must be %q, %q or %q, got %q", AuthUnsecured, AuthJWT, AuthSAML2, mech)
	}
	return nil
}

// Validate checks the cohort strategy and the options each strategy depends on.
func (c CohortConfig) Validate() error {
	switch c.QueryStrategy {
	case StrategyCTE:
	case StrategyParallel:
		if c.MaxParallelThreads <= 0 {
			return fmt.Errorf("COHORT_MAX_PARALLEL_THREADS must be greater than 0 when strategy is %s", StrategyParallel)
		}
	case StrategyCTEOR:
		if c.OverrideProcedure == "" {
			return fmt.Errorf("COHORT_OVERRIDE_PROCEDURE is required when strategy is %s", StrategyCTEOR)
		}
		if !procedurePattern.MatchString(c.OverrideProcedure) {
			return fmt.Errorf("COHORT_OVERRIDE_PROCEDURE %q is not a valid function name", c.OverrideProcedure)
		}
	default:
		return fmt.Errorf("%s is not a supported cohort query strategy", c.QueryStrategy)
	}
	if c.RowLimit <= 0 {
		return fmt.Errorf("COHORT_ROW_LIMIT must be greater than 0")
	}
	if c.ExportLimit < 0 {
		return fmt.Errorf("COHORT_EXPORT_LIMIT must not be negative")
	}
	return nil
}

// Validate checks date shifting, noise and low cell masking bounds.
func (c DeidentConfig) Validate() error {
	if c.PatientEnabled {
		if !dateShiftIncrements[c.DateShiftIncrement] {
			return fmt.Errorf("DEIDENT_DATE_SHIFT_INCREMENT %q is not supported", c.DateShiftIncrement)
		}
		if c.DateShiftLower == 0 && c.DateShiftUpper == 0 {
			return fmt.Errorf("DEIDENT_DATE_SHIFT_LOWER and DEIDENT_DATE_SHIFT_UPPER cannot both be 0")
		}
		if c.DateShiftLower >= c.DateShiftUpper {
			return fmt.Errorf("DEIDENT_DATE_SHIFT_LOWER must be less than DEIDENT_DATE_SHIFT_UPPER")
		}
	}
	if c.NoiseEnabled {
		if c.NoiseLower == 0 && c.NoiseUpper == 0 {
			return fmt.Errorf("DEIDENT_COHORT_NOISE_LOWER and DEIDENT_COHORT_NOISE_UPPER cannot both be 0")
		}
		if c.NoiseLower >= c.NoiseUpper {
			return fmt.Errorf("DEIDENT_COHORT_NOISE_LOWER must be less than DEIDENT_COHORT_NOISE_UPPER")
		}
	}
	if c.LowCellEnabled && c.LowCellThreshold < 1 {
		return fmt.Errorf("DEIDENT_COHORT_LOW_CELL_THRESHOLD must be at least 1")
	}
	return nil
}

const defaultDemographicSQL = `SELECT person_id::text, gender, birth_date, deceased, race, language
FROM person WHERE person_id::text = ANY($1)`
