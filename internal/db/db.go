// Package db opens the store selected by configuration.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskboard/internal/config"
	"taskboard/pkg/store"
)

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// ConnectMySQL opens a MySQL connection pool with the options MySQLStore
// relies on.
func ConnectMySQL(ctx context.Context, dsn string, maxConns int32) (*sql.DB, error) {
	mcfg, err := MySQLConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if maxConns > 0 {
		db.SetMaxOpenConns(int(maxConns))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// MySQLConfig parses dsn and forces parseTime and clientFoundRows.
func MySQLConfig(dsn string) (*mysql.Config, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	mcfg.ClientFoundRows = true
	return mcfg, nil
}

// Open returns the store for cfg.DBDriver and ensures its schema.
func Open(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var s store.Store
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		s = store.NewPgStore(pool)
	case config.DriverMySQL:
		db, err := ConnectMySQL(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		s = store.NewMySQLStore(db)
	case config.DriverMemory:
		log.Printf("db: using in-memory store, data is lost on exit")
		s = store.NewMemStore()
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.DBDriver)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
