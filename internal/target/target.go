// Package target describes the databases a restore can be applied to.
package target

import (
	"context"

	"pgdrill/internal/pg"
)

type Kind string

const (
	KindEphemeral Kind = "ephemeral"
	KindNamed     Kind = "named"
)

// Target is a restore destination. Every target can be connected to.
type Target interface {
	Kind() Kind
	Conn() pg.Conn
	// LockKey identifies the target for advisory locking.
	LockKey() string
	// Local reports whether the server runs on this machine.
	Local() bool
}

// Lifecycle is implemented by targets whose server this process starts and
// stops itself.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Named is an externally managed, already running database.
type Named struct {
	conn pg.Conn
}

func NewNamed(conn pg.Conn) *Named {
	return &Named{conn: conn}
}

// ParseNamed builds a Named target from a connection URL.
func ParseNamed(url string) (*Named, error) {
	conn, err := pg.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewNamed(conn), nil
}

func (n *Named) Kind() Kind      { return KindNamed }
func (n *Named) Conn() pg.Conn   { return n.conn }
func (n *Named) LockKey() string { return "named:" + n.conn.Identity() }
func (n *Named) Local() bool     { return n.conn.IsLocal() }

// Ephemeral is a drill database inside a cluster owned by a Lifecycle.
type Ephemeral struct {
	DataDir   string
	conn      pg.Conn
	lifecycle Lifecycle
}

func NewEphemeral(dataDir string, conn pg.Conn, lifecycle Lifecycle) *Ephemeral {
	return &Ephemeral{DataDir: dataDir, conn: conn, lifecycle: lifecycle}
}

func (e *Ephemeral) Kind() Kind      { return KindEphemeral }
func (e *Ephemeral) Conn() pg.Conn   { return e.conn }
func (e *Ephemeral) LockKey() string { return "ephemeral:" + e.DataDir }
func (e *Ephemeral) Local() bool     { return true }

func (e *Ephemeral) Start(ctx context.Context) error {
	return e.lifecycle.Start(ctx)
}

func (e *Ephemeral) Stop(ctx context.Context) error {
	return e.lifecycle.Stop(ctx)
}

var _ Lifecycle = (*Ephemeral)(nil)
