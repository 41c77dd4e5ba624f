package service

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"gigverify/internal/verification/models"
	dErrors "gigverify/pkg/domain-errors"
	txcontext "gigverify/pkg/platform/tx"
)

// Tx is the transactional boundary around one transition: the entity read,
// guard check, entity write and ledger append for a single entity.
//
// Atomic reports whether a failure inside fn rolls back every write made
// through ctx. When it does not, the service compensates the entity write
// itself.
type Tx interface {
	RunInTx(ctx context.Context, ref models.EntityRef, fn func(ctx context.Context) error) error
	Atomic() bool
}

// numShards spreads entities over independent locks so transitions on
// different entities do not contend.
const numShards = 128

const defaultTxTimeout = 5 * time.Second

// ShardedTx serializes transitions per entity with sharded mutexes. It suits
// stores without transactions of their own (memory, Redis).
type ShardedTx struct {
	shards  [numShards]sync.Mutex
	timeout time.Duration
}

func NewShardedTx() *ShardedTx {
	return &ShardedTx{timeout: defaultTxTimeout}
}

func (t *ShardedTx) Atomic() bool { return false }

func (t *ShardedTx) RunInTx(ctx context.Context, ref models.EntityRef, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	shard := &t.shards[hashRef(ref.String())%numShards]
	shard.Lock()
	defer shard.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx)
}

// hashRef is FNV-1a.
func hashRef(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}

// SQLTx runs each transition in one PostgreSQL transaction shared by the
// entity and ledger stores through the context.
type SQLTx struct {
	db *sql.DB
}

func NewSQLTx(db *sql.DB) *SQLTx {
	return &SQLTx{db: db}
}

func (t *SQLTx) Atomic() bool { return true }

func (t *SQLTx) RunInTx(ctx context.Context, _ models.EntityRef, fn func(ctx context.Context) error) error {
	return txcontext.Run(ctx, t.db, fn)
}
