package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleDB is a wrapper around a Pebble database.
type PebbleDB struct {
	Path string
	DB   *pebble.DB
}

// NewPebbleDB creates a new PebbleDB instance.
// Note that the database is not opened until Open() is called.
func NewPebbleDB(path string) *PebbleDB {
	return &PebbleDB{Path: path}
}

// Value is what gets saved inside the K/V store. The key is the domain name
type Value struct {
	ExpiryDate *int64 `json:"expiry_date,omitempty"`
	IsExpired  bool   `json:"is_expired"`
	CheckedAt  int64  `json:"checked_at"`
}

func encode(rec Record) ([]byte, error) {
	value := Value{
		IsExpired: rec.IsExpired,
		CheckedAt: rec.CheckedAt.Unix(),
	}
	if rec.ExpiryDate != nil {
		unix := rec.ExpiryDate.Unix()
		value.ExpiryDate = &unix
	}
	return json.Marshal(value)
}

func decode(name string, raw []byte) (Record, error) {
	var value Value
	if err := json.Unmarshal(raw, &value); err != nil {
		return Record{}, fmt.Errorf("decoding %s: %w", name, err)
	}
	rec := Record{
		Name:      name,
		IsExpired: value.IsExpired,
		CheckedAt: time.Unix(value.CheckedAt, 0).UTC(),
	}
	if value.ExpiryDate != nil {
		expiry := time.Unix(*value.ExpiryDate, 0).UTC()
		rec.ExpiryDate = &expiry
	}
	return rec, nil
}

// Open opens the database located at path.
func (db *PebbleDB) Open(_ context.Context) error {
	var err error
	db.DB, err = pebble.Open(db.Path, &pebble.Options{})
	return err
}

// Close closes the database.
func (db *PebbleDB) Close() error {
	if db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// Get reads a single record.
func (db *PebbleDB) Get(_ context.Context, name string) (Record, bool, error) {
	v, closer, err := db.DB.Get([]byte(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()
	rec, err := decode(name, v)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ExistsAndFresh reports whether name was checked within window before now.
func (db *PebbleDB) ExistsAndFresh(ctx context.Context, name string, now time.Time, window time.Duration) (bool, error) {
	rec, ok, err := db.Get(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	return fresh(rec, now, window), nil
}

// Stale point-reads every name; pebble lookups are cheap enough that no join is needed.
func (db *PebbleDB) Stale(ctx context.Context, names []string, now time.Time, window time.Duration) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := db.ExistsAndFresh(ctx, name, now, window)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// DueForCheck scans the whole keyspace.
func (db *PebbleDB) DueForCheck(ctx context.Context, now time.Time, horizon time.Duration) ([]Due, error) {
	iter, err := db.DB.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Due
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := string(iter.Key())
		rec, err := decode(name, iter.Value())
		if err != nil {
			return nil, err
		}
		if due(rec, now, horizon) {
			out = append(out, Due{Name: rec.Name, ExpiryDate: rec.ExpiryDate})
		}
	}
	return out, iter.Error()
}

// Upsert writes a single record. pebble.DB.Set is safe for concurrent use.
func (db *PebbleDB) Upsert(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	j, err := encode(rec)
	if err != nil {
		return err
	}
	return db.DB.Set([]byte(rec.Name), j, pebble.Sync)
}

// UpsertMany writes all records in one batch. A pebble batch commits atomically, so either
// every record lands or none does.
func (db *PebbleDB) UpsertMany(_ context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := db.DB.NewBatch()
	defer batch.Close()
	for _, rec := range recs {
		if err := validate(rec); err != nil {
			return &StoreError{Size: len(recs), Err: err}
		}
		j, err := encode(rec)
		if err != nil {
			return &StoreError{Size: len(recs), Err: err}
		}
		if err := batch.Set([]byte(rec.Name), j, nil); err != nil {
			return &StoreError{Size: len(recs), Err: err}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return &StoreError{Size: len(recs), Err: err}
	}
	return nil
}

// Delete deletes an entry from the database.
func (db *PebbleDB) Delete(ctx context.Context, name string) error {
	_, ok, err := db.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return db.DB.Delete([]byte(name), pebble.Sync)
}

// DeleteMany deletes many entries from the database.
func (db *PebbleDB) DeleteMany(_ context.Context, names []string) error {
	batch := db.DB.NewBatch()
	defer batch.Close()
	for _, name := range names {
		if err := batch.Delete([]byte(name), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// QueryMany queries the database for every name and skips the ones it does not know.
func (db *PebbleDB) QueryMany(ctx context.Context, names []string) ([]Record, error) {
	entries := make([]Record, 0, len(names))
	for _, name := range names {
		rec, ok, err := db.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, rec)
		}
	}
	return entries, nil
}
