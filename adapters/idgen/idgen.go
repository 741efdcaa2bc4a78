// Package idgen supplies primary key strategies for backends that
// mint keys on save.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/modelq"
)

// UUID mints random version 4 UUIDs, the default strategy for stores
// that persist across runs.
type UUID struct{}

var _ modelq.IDGenerator = UUID{}

func (UUID) New() string { return uuid.New().String() }

// Sequential mints "<prefix>1", "<prefix>2", ... so tests and fixtures
// can assert on stable primary keys. Safe for concurrent use.
type Sequential struct {
	prefix  string
	counter uint64
}

var _ modelq.IDGenerator = (*Sequential)(nil)

// NewSequential creates a counter-backed generator with the given key
// prefix.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(atomic.AddUint64(&s.counter, 1), 10)
}

// Reset rewinds the counter so a fresh fixture starts at 1 again.
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}
