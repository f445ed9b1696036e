// Package db provides a unified interface to record, refresh and query the last known expiry
// date of domains, backed by any supported database.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is the persisted expiry state of a single domain
type Record struct {
	// Domain name, normalized (lowercase, no trailing dot)
	Name string `json:"domain"`
	// ExpiryDate is nil when the domain was never successfully resolved
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	// IsExpired is a snapshot taken at CheckedAt, it is not recomputed on read
	IsExpired bool `json:"is_expired"`
	// CheckedAt is when the lookup that produced this record ran
	CheckedAt time.Time `json:"checked_at"`
}

// Due is a domain the maintenance run should look at again
type Due struct {
	Name       string     `json:"domain"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

//go:generate mockgen -source=db.go -destination=mocks/mocks.go -package=mocks ExpiryDB

// ExpiryDB is the interface that must be implemented by any database that is to be used
type ExpiryDB interface {
	// Open opens a connection to the database
	Open(ctx context.Context) error
	// Close closes the connection to the database
	Close() error
	// Get returns the record for a domain and whether it exists
	Get(ctx context.Context, name string) (Record, bool, error)
	// ExistsAndFresh reports whether a record exists that was checked after now-window
	ExistsAndFresh(ctx context.Context, name string, now time.Time, window time.Duration) (bool, error)
	// Stale returns the subset of names that have no record checked after now-window
	Stale(ctx context.Context, names []string, now time.Time, window time.Duration) ([]string, error)
	// DueForCheck returns every record without an expiry date or expiring by now+horizon
	DueForCheck(ctx context.Context, now time.Time, horizon time.Duration) ([]Due, error)
	// Upsert inserts or overwrites one record. Safe for concurrent use.
	Upsert(ctx context.Context, rec Record) error
	// UpsertMany inserts or overwrites records in a single all-or-nothing transaction
	UpsertMany(ctx context.Context, recs []Record) error
	// Delete removes a domain from the database
	Delete(ctx context.Context, name string) error
	// DeleteMany removes multiple domains from the database
	DeleteMany(ctx context.Context, names []string) error
	// QueryMany returns the records that exist among names
	QueryMany(ctx context.Context, names []string) ([]Record, error)
}

// ErrNotFound is returned by Delete when the domain has no record
var ErrNotFound = errors.New("domain not found")

// ErrInvalidRecord is returned for records that cannot be stored, such as an empty name
var ErrInvalidRecord = errors.New("invalid record")

// StoreError reports a failed batch. Nothing from the batch was committed.
type StoreError struct {
	Size int
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("batch upsert of %d records failed: %v", e.Size, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Engine names accepted by New
const (
	EnginePebble   = "pebble"
	EnginePostgres = "postgres"
)

// New builds an unopened database for engine. uri is a directory for pebble and a connection
// string for postgres.
func New(engine, uri string) (ExpiryDB, error) {
	switch engine {
	case EnginePebble:
		return NewPebbleDB(uri), nil
	case EnginePostgres:
		return NewPostgresDB(uri), nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %q", engine)
	}
}

func validate(rec Record) error {
	if rec.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRecord)
	}
	return nil
}

func fresh(rec Record, now time.Time, window time.Duration) bool {
	return rec.CheckedAt.After(now.Add(-window))
}

func due(rec Record, now time.Time, horizon time.Duration) bool {
	return rec.ExpiryDate == nil || !rec.ExpiryDate.After(now.Add(horizon))
}
