//go:build integration

package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type PostgresSuite struct {
	StoreSuite
	container *tcpostgres.PostgresContainer
	url       string
}

func TestPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("expirywatch"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	s.url, err = container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.newDB = func() ExpiryDB {
		db := NewPostgresDB(s.url)
		require.NoError(s.T(), db.Open(context.Background()))
		_, err := db.Pool.Exec(context.Background(), `TRUNCATE domains`)
		require.NoError(s.T(), err)
		return db
	}
}

func (s *PostgresSuite) TearDownSuite() {
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

// A name longer than the column allows fails inside the transaction, after the other
// statements of the batch already ran.
func (s *PostgresSuite) TestUpsertManyRollsBackOnDatabaseError() {
	err := s.db.UpsertMany(s.ctx, []Record{
		s.record("first.org", s.at(0), s.now),
		s.record(strings.Repeat("x", 300)+".org", nil, s.now),
	})
	var storeErr *StoreError
	s.Require().True(errors.As(err, &storeErr))

	_, ok, err := s.db.Get(s.ctx, "first.org")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *PostgresSuite) TestOpenIsRepeatable() {
	again := NewPostgresDB(s.url)
	s.Require().NoError(again.Open(s.ctx))
	s.Require().NoError(again.Close())
}
