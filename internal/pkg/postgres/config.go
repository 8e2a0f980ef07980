package postgres

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	. "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/jackc/pgx/v5/pgxpool"
)

// connsPerWrite is the most a single write path call holds at once: its own
// transaction and the detached one that appends reviewer history.
const connsPerWrite = 2

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	Schema          string
	SSLMode         string
	ApplicationName string

	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	AcquireTimeout    time.Duration
}

// DSN renders a keyword/value connection string with quoted values.
func (c *Config) DSN() string {
	parts := []string{
		dsnPair("host", c.Host),
		dsnPair("port", strconv.Itoa(c.Port)),
		dsnPair("user", c.Username),
		dsnPair("password", c.Password),
		dsnPair("dbname", c.Database),
		dsnPair("sslmode", c.SSLMode),
	}
	if c.Schema != "" && c.Schema != "public" {
		parts = append(parts, dsnPair("search_path", c.Schema))
	}
	if c.ApplicationName != "" {
		parts = append(parts, dsnPair("application_name", c.ApplicationName))
	}
	if c.ConnectTimeout > 0 {
		parts = append(parts, dsnPair("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds()))))
	}
	return strings.Join(parts, " ")
}

func dsnPair(key, value string) string {
	if value != "" && !strings.ContainsAny(value, ` '\`) {
		return key + "=" + value
	}
	return key + "='" + dsnEscaper.Replace(value) + "'"
}

// PoolConfig parses the DSN and applies the pool limits.
func (c *Config) PoolConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = c.MaxConns
	cfg.MinConns = c.MinConns
	cfg.MaxConnLifetime = c.MaxConnLifetime
	cfg.MaxConnIdleTime = c.MaxConnIdleTime
	cfg.HealthCheckPeriod = c.HealthCheckPeriod
	return cfg, nil
}

// RequireConns fails when the pool is too small to run workers metric
// transactions next to a write path call. A smaller pool deadlocks once
// every worker waits for a connection held by another.
func (c *Config) RequireConns(workers int) error {
	need := int32(workers) + connsPerWrite
	if c.MaxConns < need {
		return fmt.Errorf("max_conns %d is below %d needed by %d workers and the write path", c.MaxConns, need, workers)
	}
	return nil
}

func (c *Config) Validate() error {
	return ValidateStruct(c,
		Field(&c.Host, Required, is.Host),
		Field(&c.Port, Required, Min(1), Max(65535)),
		Field(&c.Username, Required, Length(1, 63)),
		Field(&c.Password, Required),
		Field(&c.Database, Required, Length(1, 63)),
		Field(&c.SSLMode, Required, In("disable", "allow", "prefer", "require", "verify-ca", "verify-full")),
		Field(&c.ApplicationName, Length(0, 63)),

		Field(&c.MaxConns, Required, Min(int32(connsPerWrite)), Max(int32(1000))),
		Field(&c.MinConns, Min(int32(0)), Max(c.MaxConns)),
		Field(&c.MaxConnLifetime, Required, Min(time.Minute), Max(24*time.Hour)),
		Field(&c.MaxConnIdleTime, Required, Min(time.Second), Max(time.Hour)),
		Field(&c.HealthCheckPeriod, Required, Min(10*time.Second), Max(10*time.Minute)),
		Field(&c.ConnectTimeout, Min(time.Duration(0)), Max(time.Minute)),
		Field(&c.AcquireTimeout, Min(time.Duration(0)), Max(time.Minute)),
	)
}
