package pool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maestro-run/maestro/pkg/store"
)

// StoreConn adapts a dedicated database/sql session to the pool's Conn
// interface. Borrowers get exclusive use of the underlying session for
// the lifetime of their handle.
type StoreConn struct {
	conn *sql.Conn
}

// Ping verifies the session is still usable.
func (c *StoreConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// Close returns the session to the driver.
func (c *StoreConn) Close() error {
	return c.conn.Close()
}

// Raw exposes the session for queries.
func (c *StoreConn) Raw() *sql.Conn {
	return c.conn
}

// NewStoreFactory returns a Factory that checks out dedicated sessions
// from the store's backend.
func NewStoreFactory(st *store.Store) Factory {
	return func(ctx context.Context) (Conn, error) {
		conn, err := st.DB().Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("checkout store connection: %w", err)
		}
		return &StoreConn{conn: conn}, nil
	}
}
