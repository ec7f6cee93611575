package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// ErrHostRequired is returned when no ClickHouse host is configured.
var ErrHostRequired = errors.New("clickhouse: host is required")

// Client is a pooled ClickHouse connection used by the opportunity archive.
type Client struct {
	db   *sql.DB
	addr string
}

// NewClient opens the pool and pings the server within the dial timeout, so
// a misconfigured archive fails at startup instead of on the first insert.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := ClientConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		return nil, ErrHostRequired
	}

	addr := hostPort(cfg)
	db, err := sql.Open("clickhouse", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("clickhouse %s: open: %w", addr, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c := &Client{db: db, addr: addr}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) DB() *sql.DB { return c.db }

// Addr returns host:port for logs.
func (c *Client) Addr() string { return c.addr }

func (c *Client) Health(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("clickhouse %s: ping: %w", c.addr, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// InitSchema runs idempotent DDL statements in order and stops at the first
// failure.
func (c *Client) InitSchema(ctx context.Context, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse %s: schema statement %d (%s): %w", c.addr, i+1, ddlSubject(stmt), err)
		}
	}
	return nil
}

// ddlSubject returns the leading "CREATE ... name" part of a statement.
func ddlSubject(stmt string) string {
	fields := strings.Fields(stmt)
	for i, f := range fields {
		if strings.HasPrefix(f, "(") {
			fields = fields[:i]
			break
		}
	}
	if len(fields) > 6 {
		fields = fields[:6]
	}
	return strings.Join(fields, " ")
}

func hostPort(cfg ClientConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 9000
		if cfg.UseHTTP {
			port = 8123
		}
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// buildDSN renders the clickhouse-go DSN. Settings keep a fixed order so the
// string is stable across runs.
func buildDSN(cfg ClientConfig) string {
	u := url.URL{
		Scheme: "clickhouse",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   hostPort(cfg),
		Path:   "/" + cfg.Database,
	}
	if cfg.UseHTTP {
		u.Scheme = "clickhouse+http"
	}

	var params []string
	set := func(key string, val any) {
		params = append(params, key+"="+url.QueryEscape(fmt.Sprint(val)))
	}
	if cfg.DialTimeout > 0 {
		set("dial_timeout", cfg.DialTimeout)
	}
	if cfg.ReadTimeout > 0 {
		set("read_timeout", cfg.ReadTimeout)
	}
	// write_timeout stays client-side; some server versions reject it
	if cfg.MaxExecTime > 0 {
		set("max_execution_time", int(cfg.MaxExecTime.Seconds()))
	}
	if cfg.AsyncInsert {
		set("async_insert", 1)
		if cfg.WaitForAsync {
			set("wait_for_async_insert", 1)
		}
	}
	u.RawQuery = strings.Join(params, "&")
	return u.String()
}
