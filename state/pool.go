package state

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
)

// Pool is a bounded connection pool with validated checkout: connections
// are liveness-probed before use, and dead ones are discarded rather than
// handed back to callers.
type Pool struct {
	db     *sql.DB
	driver string
}

// NewPool opens a bounded pool against the configured database.
func NewPool(conf cfg.StateStoreConfiguration) (*Pool, error) {
	db, err := sql.Open(conf.Driver, conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", conf.Driver, err)
	}

	db.SetMaxOpenConns(conf.PoolSize)
	db.SetMaxIdleConns(conf.PoolSize)
	db.SetConnMaxIdleTime(time.Duration(conf.MaxIdleTimeSeconds) * time.Second)
	db.SetConnMaxLifetime(time.Duration(conf.MaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s pool: %w", conf.Driver, err)
	}

	return &Pool{db: db, driver: conf.Driver}, nil
}

// NewPoolFromDB wraps an existing handle, for tests.
func NewPoolFromDB(db *sql.DB, driverName string) *Pool {
	return &Pool{db: db, driver: driverName}
}

// Acquire checks out a validated connection. A connection that fails its
// liveness probe is discarded from the pool and another is tried.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			return nil, err
		}

		if err := conn.PingContext(ctx); err != nil {
			lastErr = err
			discard(conn)
			continue
		}

		// Reset any transaction state left by a previous holder.
		// Errors are expected on drivers that reject a bare ROLLBACK.
		_, _ = conn.ExecContext(ctx, "ROLLBACK")

		return conn, nil
	}

	return nil, fmt.Errorf("no healthy connection after 3 attempts: %w", lastErr)
}

// discard forces the pool to drop a dead connection instead of pooling it.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(driverConn interface{}) error {
		return driver.ErrBadConn
	})
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close discarded connection")
	}
}

// DB exposes the underlying handle for query building.
func (p *Pool) DB() *sql.DB { return p.db }

// Driver returns the driver name the pool was opened with.
func (p *Pool) Driver() string { return p.driver }

func (p *Pool) Close() error { return p.db.Close() }
