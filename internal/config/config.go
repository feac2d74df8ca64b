package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Signaling SignalingConfig
	Summary   SummaryConfig
	ICE       ICEConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// SignalingConfig bounds call lifecycles and the websocket channel.
type SignalingConfig struct {
	RingTimeout         time.Duration
	ConnectTimeout      time.Duration
	MaxCallsPerCustomer int

	WriteTimeout time.Duration
	PingInterval time.Duration

	// AllowedOrigins is checked on websocket upgrade; "*" allows any origin.
	AllowedOrigins []string

	// Retention is how long terminal sessions stay queryable in memory.
	Retention time.Duration
}

type SummaryConfig struct {
	Stream string
}

// ICEConfig is handed to clients; STUN/TURN run as external infrastructure.
type ICEConfig struct {
	URLs       []string
	Username   string
	Credential string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied by applyDefaults.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Signaling.RingTimeout = mustDuration("SIGNALING_RING_TIMEOUT")
	c.Signaling.ConnectTimeout = mustDuration("SIGNALING_CONNECT_TIMEOUT")
	c.Signaling.WriteTimeout = mustDuration("SIGNALING_WRITE_TIMEOUT")
	c.Signaling.PingInterval = mustDuration("SIGNALING_PING_INTERVAL")
	c.Signaling.Retention = mustDuration("SIGNALING_SESSION_RETENTION")
	{
		n, err := optionalInt("SIGNALING_MAX_CALLS_PER_CUSTOMER")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Signaling.MaxCallsPerCustomer = n
	}
	c.Signaling.AllowedOrigins = splitList(os.Getenv("SIGNALING_ALLOWED_ORIGINS"))

	c.Summary.Stream = strings.TrimSpace(os.Getenv("SUMMARY_STREAM"))

	c.ICE = loadICE()

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DB.SSLMode) == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.Signaling.RingTimeout <= 0 {
		c.Signaling.RingTimeout = 30 * time.Second
	}
	if c.Signaling.ConnectTimeout <= 0 {
		c.Signaling.ConnectTimeout = 45 * time.Second
	}
	if c.Signaling.MaxCallsPerCustomer == 0 {
		c.Signaling.MaxCallsPerCustomer = 1
	}
	if c.Signaling.WriteTimeout <= 0 {
		c.Signaling.WriteTimeout = 10 * time.Second
	}
	if c.Signaling.PingInterval <= 0 {
		c.Signaling.PingInterval = 25 * time.Second
	}
	if c.Signaling.Retention <= 0 {
		c.Signaling.Retention = 10 * time.Minute
	}
	if len(c.Signaling.AllowedOrigins) == 0 && !c.IsProduction() {
		c.Signaling.AllowedOrigins = []string{"*"}
	}

	if c.Summary.Stream == "" {
		c.Summary.Stream = "calls:transcripts"
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Signaling.MaxCallsPerCustomer < 0 {
		errs = append(errs, fmt.Errorf("SIGNALING_MAX_CALLS_PER_CUSTOMER must not be negative, got %d", c.Signaling.MaxCallsPerCustomer))
	}
	if c.Signaling.RingTimeout <= 0 || c.Signaling.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("SIGNALING_RING_TIMEOUT and SIGNALING_CONNECT_TIMEOUT must be positive"))
	}
	if len(c.Signaling.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("SIGNALING_ALLOWED_ORIGINS is required in production"))
	}
	for _, u := range c.ICE.URLs {
		if !isICEURL(u) {
			errs = append(errs, fmt.Errorf("ICE_URLS entry must start with stun:, turn: or turns:, got %q", u))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ProbeConfig configures cmd/callprobe, a headless call participant.
type ProbeConfig struct {
	ServerURL   string
	Token       string
	Role        string
	TargetAgent string
	CallerName  string
	CallerPhone string
	ICE         ICEConfig
}

func LoadProbe() (ProbeConfig, error) {
	p := ProbeConfig{
		ServerURL:   strings.TrimSpace(os.Getenv("PROBE_SERVER_URL")),
		Token:       strings.TrimSpace(os.Getenv("PROBE_TOKEN")),
		Role:        strings.TrimSpace(os.Getenv("PROBE_ROLE")),
		TargetAgent: strings.TrimSpace(os.Getenv("PROBE_TARGET_AGENT")),
		CallerName:  strings.TrimSpace(os.Getenv("PROBE_CALLER_NAME")),
		CallerPhone: strings.TrimSpace(os.Getenv("PROBE_CALLER_PHONE")),
		ICE:         loadICE(),
	}
	if p.Role == "" {
		p.Role = "customer"
	}
	if err := p.Validate(); err != nil {
		return ProbeConfig{}, err
	}
	return p, nil
}

func (p ProbeConfig) Validate() error {
	var errs []error
	if p.ServerURL == "" {
		errs = append(errs, errors.New("PROBE_SERVER_URL is required"))
	} else if u, err := url.Parse(p.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("PROBE_SERVER_URL must be a ws:// or wss:// url, got %q", p.ServerURL))
	}
	if p.Token == "" {
		errs = append(errs, errors.New("PROBE_TOKEN is required"))
	}
	if p.Role != "customer" && p.Role != "agent" {
		errs = append(errs, fmt.Errorf("PROBE_ROLE must be customer or agent, got %q", p.Role))
	}
	for _, u := range p.ICE.URLs {
		if !isICEURL(u) {
			errs = append(errs, fmt.Errorf("ICE_URLS entry must start with stun:, turn: or turns:, got %q", u))
		}
	}
	return joinErrors(errs)
}

func loadICE() ICEConfig {
	return ICEConfig{
		URLs:       splitList(os.Getenv("ICE_URLS")),
		Username:   strings.TrimSpace(os.Getenv("ICE_USERNAME")),
		Credential: os.Getenv("ICE_CREDENTIAL"),
	}
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isICEURL(v string) bool {
	return strings.HasPrefix(v, "stun:") || strings.HasPrefix(v, "turn:") || strings.HasPrefix(v, "turns:")
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
