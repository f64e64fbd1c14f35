package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/metrics"
)

// Key layout. IDs may not contain NUL, so NUL separators keep byte order
// equal to (user, job) tuple order.
//
//	r\x00<user>\x00<job>                      -> JSON row
//	k\x00<user>\x00<^scorebits><job>          -> empty, ranking index
//	c                                         -> row count (uint64 BE)
var (
	rowPrefix  = []byte("r\x00")
	rankPrefix = []byte("k\x00")
	countKey   = []byte("c")
)

func rowKey(userID, jobID string) []byte {
	k := make([]byte, 0, len(rowPrefix)+len(userID)+1+len(jobID))
	k = append(k, rowPrefix...)
	k = append(k, userID...)
	k = append(k, 0)
	return append(k, jobID...)
}

func rankUserPrefix(userID string) []byte {
	k := make([]byte, 0, len(rankPrefix)+len(userID)+1)
	k = append(k, rankPrefix...)
	k = append(k, userID...)
	return append(k, 0)
}

// rankKey sorts by score descending then job id ascending. Scores are
// non-negative so their IEEE bits order like the values; inverting them
// reverses the order.
func rankKey(userID, jobID string, score float64) []byte {
	k := rankUserPrefix(userID)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], ^math.Float64bits(score))
	k = append(k, b[:]...)
	return append(k, jobID...)
}

const maxConflictRetries = 64

// BadgerStore is a durable Store on an embedded badger database.
type BadgerStore struct {
	db   *badger.DB
	opts options
}

// OpenBadgerStore opens (or creates) a badger store at path.
func OpenBadgerStore(path string, opts ...Option) (*BadgerStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	bopts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(o.syncWrites)
	if o.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db, opts: o}, nil
}

// UpsertBatch implements Store. Rows are committed in transactions of at
// most txnRows rows; each row and its ranking entry share a transaction.
func (s *BadgerStore) UpsertBatch(ctx context.Context, rows []model.SimilarityScore) (int, error) {
	start := time.Now()
	defer func() {
		metrics.RecordCacheUpsertLatency(float64(time.Since(start).Milliseconds()))
	}()

	for _, r := range rows {
		if err := ValidateRow(r); err != nil {
			return 0, err
		}
	}

	written := 0
	for lo := 0; lo < len(rows); lo += s.opts.txnRows {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk := rows[lo:min(lo+s.opts.txnRows, len(rows))]
		var err error
		// Overlapping writers conflict on the count key; badger rejects the
		// later commit and the chunk is simply replayed.
		for attempt := 0; attempt < maxConflictRetries; attempt++ {
			err = s.db.Update(func(txn *badger.Txn) error {
				return s.writeChunk(txn, chunk)
			})
			if !errors.Is(err, badger.ErrConflict) {
				break
			}
		}
		if err != nil {
			return written, fmt.Errorf("upsert rows: %w", err)
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *BadgerStore) writeChunk(txn *badger.Txn, chunk []model.SimilarityScore) error {
	added := uint64(0)
	for _, r := range chunk {
		key := rowKey(r.UserID, r.JobID)
		old, err := readRow(txn, key)
		switch {
		case errors.Is(err, ErrNotFound):
			added++
		case err != nil:
			return err
		default:
			if err := txn.Delete(rankKey(old.UserID, old.JobID, old.Score)); err != nil {
				return fmt.Errorf("delete rank entry: %w", err)
			}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set row: %w", err)
		}
		if err := txn.Set(rankKey(r.UserID, r.JobID, r.Score), nil); err != nil {
			return fmt.Errorf("set rank entry: %w", err)
		}
	}
	if added == 0 {
		return nil
	}
	n, err := readCount(txn)
	if err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n+added)
	if err := txn.Set(countKey, b[:]); err != nil {
		return fmt.Errorf("set count: %w", err)
	}
	metrics.UpdateCacheRows(int(n + added))
	return nil
}

func readRow(txn *badger.Txn, key []byte) (model.SimilarityScore, error) {
	var row model.SimilarityScore
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("get row: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	})
	return row, err
}

func readCount(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(countKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get count: %w", err)
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt count value of %d bytes", len(val))
		}
		n = binary.BigEndian.Uint64(val)
		return nil
	})
	return n, err
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, userID, jobID string) (model.SimilarityScore, error) {
	var row model.SimilarityScore
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		row, err = readRow(txn, rowKey(userID, jobID))
		return err
	})
	return row, err
}

// Ranked implements Store.
func (s *BadgerStore) Ranked(_ context.Context, userID string, offset, limit int) ([]model.SimilarityScore, error) {
	if err := validateWindow(offset, limit); err != nil {
		return nil, err
	}
	var out []model.SimilarityScore
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		prefix := rankUserPrefix(userID)
		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			key := it.Item().Key()
			jobID := string(key[len(prefix)+8:])
			row, err := readRow(txn, rowKey(userID, jobID))
			if err != nil {
				return err
			}
			out = append(out, row)
			if len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Page implements Store.
func (s *BadgerStore) Page(_ context.Context, offset, limit int) ([]model.SimilarityScore, error) {
	if err := validateWindow(offset, limit); err != nil {
		return nil, err
	}
	out := make([]model.SimilarityScore, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = rowPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(rowPrefix); it.ValidForPrefix(rowPrefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			var row model.SimilarityScore
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode row %q: %w", bytes.ReplaceAll(it.Item().Key(), []byte{0}, []byte("/")), err)
			}
			out = append(out, row)
			if len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Count implements Store.
func (s *BadgerStore) Count(_ context.Context) (int, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = readCount(txn)
		return err
	})
	return int(n), err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
