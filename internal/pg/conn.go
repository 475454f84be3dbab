// Package pg builds and runs PostgreSQL client tool invocations.
package pg

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Conn identifies a database on a PostgreSQL server.
type Conn struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// hosts that only accept TLS connections
var managedHostSuffixes = []string{"amazonaws.com", "render.com", "herokuapp.com"}

// NormalizeURL rewrites postgres:// to postgresql:// and requires TLS for
// well known managed database hosts unless sslmode is already present.
func NormalizeURL(raw string) string {
	if strings.HasPrefix(raw, "postgres://") {
		raw = "postgresql://" + strings.TrimPrefix(raw, "postgres://")
	}
	if strings.Contains(raw, "sslmode=") {
		return raw
	}
	for _, suffix := range managedHostSuffixes {
		if strings.Contains(raw, suffix) {
			sep := "?"
			if strings.Contains(raw, "?") {
				sep = "&"
			}
			return raw + sep + "sslmode=require"
		}
	}
	return raw
}

// ParseURL parses a postgresql:// connection URL.
func ParseURL(raw string) (Conn, error) {
	u, err := url.Parse(NormalizeURL(raw))
	if err != nil {
		return Conn{}, fmt.Errorf("invalid connection url: %w", err)
	}
	if u.Scheme != "postgresql" {
		return Conn{}, fmt.Errorf("invalid connection url: unsupported scheme %q", u.Scheme)
	}

	c := Conn{
		Host:     u.Hostname(),
		Port:     5432,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Conn{}, fmt.Errorf("invalid connection url: bad port %q", p)
		}
		c.Port = port
	}
	if u.User != nil {
		c.User = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	if c.Database == "" {
		return Conn{}, fmt.Errorf("invalid connection url: database name is required")
	}
	return c, nil
}

// WithDatabase returns a copy of c pointing at another database on the same server.
func (c Conn) WithDatabase(name string) Conn {
	c.Database = name
	return c
}

// Args are the libpq connection flags shared by psql, pg_dump and pg_restore.
func (c Conn) Args() []string {
	args := []string{"-h", c.Host, "-p", strconv.Itoa(c.Port)}
	if c.User != "" {
		args = append(args, "-U", c.User)
	}
	return args
}

// Env carries secrets and TLS mode to the child so they never appear in argv.
func (c Conn) Env() []string {
	var env []string
	if c.Password != "" {
		env = append(env, "PGPASSWORD="+c.Password)
	}
	if c.SSLMode != "" {
		env = append(env, "PGSSLMODE="+c.SSLMode)
	}
	return env
}

// Address is host:port.
func (c Conn) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Identity is a stable key for the database, used for locking.
func (c Conn) Identity() string {
	return c.Address() + "/" + c.Database
}

// IsLocal reports whether the server runs on this machine.
func (c Conn) IsLocal() bool {
	if c.Host == "localhost" || strings.HasPrefix(c.Host, "/") {
		return true
	}
	ip := net.ParseIP(c.Host)
	return ip != nil && ip.IsLoopback()
}

// Redacted renders the connection without its password.
func (c Conn) Redacted() string {
	u := url.URL{Scheme: "postgresql", Host: c.Address(), Path: "/" + c.Database}
	if c.User != "" {
		u.User = url.User(c.User)
	}
	return u.String()
}

// QuoteIdent quotes a possibly schema-qualified identifier for SQL.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// QuoteLiteral quotes a string literal for SQL.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
