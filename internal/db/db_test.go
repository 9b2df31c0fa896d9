package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/config"
	"taskboard/pkg/store"
)

func TestMySQLConfigForcesOptions(t *testing.T) {
	mcfg, err := MySQLConfig("tb:pw@tcp(localhost:3306)/taskboard")
	require.NoError(t, err)
	assert.True(t, mcfg.ParseTime)
	assert.True(t, mcfg.ClientFoundRows)
	assert.Equal(t, "taskboard", mcfg.DBName)

	_, err = MySQLConfig("::not a dsn")
	assert.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), &config.Config{DBDriver: config.DriverMemory})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &store.MemStore{}, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{DBDriver: "sqlite"})
	assert.Error(t, err)
}
