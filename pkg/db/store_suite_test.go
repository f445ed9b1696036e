package db

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
)

// StoreSuite holds the behaviour every engine must share. Engine tests embed it and provide
// a fresh, opened database per test.
type StoreSuite struct {
	suite.Suite
	newDB func() ExpiryDB
	db    ExpiryDB
	ctx   context.Context
	now   time.Time
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Second)
	s.db = s.newDB()
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.db.Close())
}

func (s *StoreSuite) record(name string, expiry *time.Time, checkedAt time.Time) Record {
	return Record{Name: name, ExpiryDate: expiry, IsExpired: expiry != nil && expiry.Before(checkedAt), CheckedAt: checkedAt}
}

func (s *StoreSuite) at(d time.Duration) *time.Time {
	t := s.now.Add(d)
	return &t
}

func (s *StoreSuite) TestUpsertIsIdempotent() {
	rec := s.record("example.org", s.at(48*time.Hour), s.now)
	s.Require().NoError(s.db.Upsert(s.ctx, rec))
	first, ok, err := s.db.Get(s.ctx, "example.org")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().NoError(s.db.Upsert(s.ctx, rec))
	second, ok, err := s.db.Get(s.ctx, "example.org")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Equal(first, second)
	s.True(first.ExpiryDate.Equal(*rec.ExpiryDate))
	s.True(first.CheckedAt.Equal(s.now))
	s.False(first.IsExpired)

	all, err := s.db.QueryMany(s.ctx, []string{"example.org"})
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *StoreSuite) TestUpsertLastWriterWins() {
	s.Require().NoError(s.db.Upsert(s.ctx, s.record("example.org", s.at(-time.Hour), s.now)))
	s.Require().NoError(s.db.Upsert(s.ctx, s.record("example.org", nil, s.now.Add(time.Minute))))

	rec, ok, err := s.db.Get(s.ctx, "example.org")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Nil(rec.ExpiryDate)
	s.False(rec.IsExpired)
}

func (s *StoreSuite) TestUpsertRejectsEmptyName() {
	err := s.db.Upsert(s.ctx, Record{CheckedAt: s.now})
	s.True(errors.Is(err, ErrInvalidRecord))
}

func (s *StoreSuite) TestGetMissing() {
	_, ok, err := s.db.Get(s.ctx, "nope.org")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestExistsAndFresh() {
	window := 30 * 24 * time.Hour
	s.Require().NoError(s.db.Upsert(s.ctx, s.record("recent.org", s.at(time.Hour), s.now.Add(-24*time.Hour))))
	s.Require().NoError(s.db.Upsert(s.ctx, s.record("old.org", s.at(time.Hour), s.now.Add(-31*24*time.Hour))))

	ok, err := s.db.ExistsAndFresh(s.ctx, "recent.org", s.now, window)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.db.ExistsAndFresh(s.ctx, "old.org", s.now, window)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.db.ExistsAndFresh(s.ctx, "missing.org", s.now, window)
	s.Require().NoError(err)
	s.False(ok)

	stale, err := s.db.Stale(s.ctx, []string{"recent.org", "old.org", "missing.org"}, s.now, window)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"old.org", "missing.org"}, stale)
}

func (s *StoreSuite) TestDueForCheck() {
	horizon := 30 * 24 * time.Hour
	s.Require().NoError(s.db.UpsertMany(s.ctx, []Record{
		s.record("never.org", nil, s.now),
		s.record("soon.org", s.at(5*24*time.Hour), s.now),
		s.record("edge.org", s.at(horizon), s.now),
		s.record("gone.org", s.at(-24*time.Hour), s.now),
		s.record("later.org", s.at(horizon+time.Second), s.now),
	}))

	due, err := s.db.DueForCheck(s.ctx, s.now, horizon)
	s.Require().NoError(err)
	names := make([]string, 0, len(due))
	for _, d := range due {
		names = append(names, d.Name)
	}
	s.ElementsMatch([]string{"never.org", "soon.org", "edge.org", "gone.org"}, names)
}

func (s *StoreSuite) TestUpsertManyIsAllOrNothing() {
	s.Require().NoError(s.db.Upsert(s.ctx, s.record("kept.org", s.at(time.Hour), s.now)))

	err := s.db.UpsertMany(s.ctx, []Record{
		s.record("kept.org", nil, s.now),
		s.record("fresh.org", s.at(time.Hour), s.now),
		{Name: "", CheckedAt: s.now},
	})
	var storeErr *StoreError
	s.Require().True(errors.As(err, &storeErr))
	s.Equal(3, storeErr.Size)

	rec, ok, err := s.db.Get(s.ctx, "kept.org")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.NotNil(rec.ExpiryDate)

	_, ok, err = s.db.Get(s.ctx, "fresh.org")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestConcurrentUpserts() {
	var wg sync.WaitGroup
	names := []string{"a.org", "b.org", "c.org", "d.org", "e.org", "f.org", "g.org", "h.org"}
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.NoError(s.db.Upsert(s.ctx, s.record(name, s.at(time.Hour), s.now)))
		}(name)
	}
	wg.Wait()

	got, err := s.db.QueryMany(s.ctx, append(names, "unknown.org"))
	s.Require().NoError(err)
	s.Len(got, len(names))
}

func (s *StoreSuite) TestDelete() {
	s.Require().NoError(s.db.UpsertMany(s.ctx, []Record{
		s.record("a.org", nil, s.now),
		s.record("b.org", nil, s.now),
		s.record("c.org", nil, s.now),
	}))

	s.Require().NoError(s.db.Delete(s.ctx, "a.org"))
	s.True(errors.Is(s.db.Delete(s.ctx, "a.org"), ErrNotFound))

	s.Require().NoError(s.db.DeleteMany(s.ctx, []string{"b.org", "c.org"}))
	got, err := s.db.QueryMany(s.ctx, []string{"a.org", "b.org", "c.org"})
	s.Require().NoError(err)
	s.Empty(got)
}
