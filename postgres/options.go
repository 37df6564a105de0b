package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/HonestMajority/lana-bank/internal/logging"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 5432
)

// SSLMode represents PostgreSQL SSL connection modes.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"     // No SSL
	SSLModeAllow      SSLMode = "allow"       // Try non-SSL first, then SSL
	SSLModePrefer     SSLMode = "prefer"      // Try SSL first, then non-SSL (default)
	SSLModeRequire    SSLMode = "require"     // Only SSL (no certificate verification)
	SSLModeVerifyCA   SSLMode = "verify-ca"   // SSL with CA verification
	SSLModeVerifyFull SSLMode = "verify-full" // SSL with CA and hostname verification
)

// Config is the connection configuration as it is usually supplied by a
// config file. Zero values mean "unset"; unset fields keep their defaults
// when the Config is applied with [WithConfig].
type Config struct {
	Host     string  `yaml:"host" json:"host"`
	Port     int     `yaml:"port" json:"port"`
	Database string  `yaml:"database" json:"database"`
	User     string  `yaml:"user" json:"user"`
	Password string  `yaml:"password" json:"password"`
	SSLMode  SSLMode `yaml:"sslmode" json:"sslmode"`
}

// Option is a functional option for configuring a KeyReader.
type Option func(*options)

// dialFunc opens the single connection owned by a KeyReader.
type dialFunc func(ctx context.Context, config *pgx.ConnConfig) (conn, error)

type options struct {
	host     string
	port     int
	user     string
	password string
	database string
	sslMode  SSLMode
	logger   logrus.FieldLogger
	dial     dialFunc
}

func newOptions() *options {
	return &options{
		host:    DefaultHost,
		port:    DefaultPort,
		sslMode: SSLModePrefer,
		logger:  logging.Discard(),
		dial:    dialPgx,
	}
}

func dialPgx(ctx context.Context, config *pgx.ConnConfig) (conn, error) {
	c, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

func WithUser(user string) Option {
	return func(o *options) { o.user = user }
}

func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

func WithDatabase(database string) Option {
	return func(o *options) { o.database = database }
}

func WithSSLMode(mode SSLMode) Option {
	return func(o *options) { o.sslMode = mode }
}

// WithConfig applies every non-zero field of cfg. Fields left empty keep
// their current value, so port and sslmode fall back to 5432 and "prefer".
//
// User and Database have no fallback: leaving them empty makes Connect fail
// with [ErrConnection]. libpq-style defaults (the OS user, dbname = user)
// are not applied.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		if cfg.Host != "" {
			o.host = cfg.Host
		}

		if cfg.Port != 0 {
			o.port = cfg.Port
		}

		if cfg.Database != "" {
			o.database = cfg.Database
		}

		if cfg.User != "" {
			o.user = cfg.User
		}

		if cfg.Password != "" {
			o.password = cfg.Password
		}

		if cfg.SSLMode != "" {
			o.sslMode = cfg.SSLMode
		}
	}
}

// WithLogger sets the logger used for connection lifecycle messages. The
// default discards everything.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func (o *options) validate() error {
	if o.host == "" {
		return errors.New("host is required")
	}

	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", o.port)
	}

	if o.user == "" {
		return errors.New("user is required")
	}

	if o.database == "" {
		return errors.New("database is required")
	}

	if !o.sslMode.isValid() {
		return fmt.Errorf("invalid SSL mode: %s", o.sslMode)
	}

	return nil
}

// isValid returns true if the SSL mode is a valid PostgreSQL SSL mode.
func (s SSLMode) isValid() bool {
	switch s {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

func (o *options) connectionString() string {
	host := net.JoinHostPort(o.host, strconv.Itoa(o.port))

	user := url.QueryEscape(o.user)

	if o.password != "" {
		user += ":" + url.QueryEscape(o.password)
	}

	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s", user, host, url.PathEscape(o.database), o.sslMode)
}
