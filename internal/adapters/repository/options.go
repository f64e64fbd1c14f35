package repository

import (
	"fmt"
	"strings"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/logger"
)

// Option configures the persistent stores.
type Option func(*options)

type options struct {
	prefix     string
	txnRows    int
	logger     logger.Logger
	inMemory   bool
	syncWrites bool
}

func defaultOptions() options {
	return options{prefix: "skillmatch", txnRows: 256}
}

// WithPrefix namespaces redis keys.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTxnRows caps rows written per badger transaction.
func WithTxnRows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.txnRows = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithInMemory runs badger without touching disk.
func WithInMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// WithSyncWrites makes badger fsync every commit.
func WithSyncWrites(sync bool) Option {
	return func(o *options) { o.syncWrites = sync }
}

// ValidateRow rejects rows whose ids cannot be stored.
func ValidateRow(r model.SimilarityScore) error {
	if r.UserID == "" || r.JobID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidKey)
	}
	if strings.ContainsRune(r.UserID, 0) || strings.ContainsRune(r.JobID, 0) {
		return fmt.Errorf("%w: NUL in id", ErrInvalidKey)
	}
	return nil
}

func validateWindow(offset, limit int) error {
	if offset < 0 || limit < 1 {
		return fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidLimit, offset, limit)
	}
	return nil
}
