package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestPgStoreContract(t *testing.T) {
	url := os.Getenv("TASKBOARD_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TASKBOARD_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	s := NewPgStore(pool)
	defer s.Close()
	require.NoError(t, s.EnsureSchema(ctx))
	testContract(t, s)
}

func TestMySQLStoreContract(t *testing.T) {
	dsn := os.Getenv("TASKBOARD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TASKBOARD_TEST_MYSQL_DSN not set")
	}
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	connector, err := mysql.NewConnector(cfg)
	require.NoError(t, err)

	s := NewMySQLStore(sql.OpenDB(connector))
	defer s.Close()
	require.NoError(t, s.EnsureSchema(context.Background()))
	testContract(t, s)
}
