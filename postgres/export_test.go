package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Export internal symbols for testing.
// This file is only compiled during testing.

var (
	ExportValidate = func(opts ...Option) error {
		o := newOptions()
		for _, opt := range opts {
			opt(o)
		}

		return o.validate()
	}

	ExportConnectionString = func(opts ...Option) string {
		o := newOptions()
		for _, opt := range opts {
			opt(o)
		}

		return o.connectionString()
	}
)

// Conn exports the internal conn interface for testing.
type Conn = conn

// SetConn sets the connection for testing purposes.
func (r *KeyReader) SetConn(c Conn) {
	r.conn = c
}

// SetDialer replaces the function used by Connect to open the connection.
func (r *KeyReader) SetDialer(dial func(ctx context.Context, config *pgx.ConnConfig) (Conn, error)) {
	r.opts.dial = dial
}

// IsConnected reports whether the reader currently holds a connection.
func (r *KeyReader) IsConnected() bool {
	return r.conn != nil
}
