package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PebbleSuite struct {
	StoreSuite
}

func TestPebbleSuite(t *testing.T) {
	s := &PebbleSuite{}
	s.newDB = func() ExpiryDB {
		db := NewPebbleDB(filepath.Join(s.T().TempDir(), "expiry"))
		require.NoError(s.T(), db.Open(context.Background()))
		return db
	}
	suite.Run(t, s)
}

func TestNewEngines(t *testing.T) {
	d, err := New(EnginePebble, "/tmp/x")
	require.NoError(t, err)
	require.IsType(t, &PebbleDB{}, d)

	d, err = New(EnginePostgres, "postgres://localhost/x")
	require.NoError(t, err)
	require.IsType(t, &PostgresDB{}, d)

	_, err = New("sqlite", "")
	require.Error(t, err)
}

func TestPebbleReopenKeepsRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "expiry")
	ctx := context.Background()

	db := NewPebbleDB(dir)
	require.NoError(t, db.Open(ctx))
	require.NoError(t, db.Upsert(ctx, Record{Name: "example.org"}))
	require.NoError(t, db.Close())

	db = NewPebbleDB(dir)
	require.NoError(t, db.Open(ctx))
	defer db.Close()
	_, ok, err := db.Get(ctx, "example.org")
	require.NoError(t, err)
	require.True(t, ok)
}
