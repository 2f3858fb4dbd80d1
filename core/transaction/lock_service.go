package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// DefaultTimeout bounds every lock acquisition when no pragma says otherwise.
const DefaultTimeout = time.Minute

// maxTransactions is the weight of the transaction semaphore. Each open
// transaction holds one unit; exclusive access takes them all.
const maxTransactions = 1 << 20

// LockService coordinates transactions. Open transactions share the
// transaction lock; checkpoint, shrink and rebuild take it exclusively. A
// write snapshot holds its collection lock until the transaction ends, and
// catalog changes (collections, pragmas) additionally hold the reserved lock.
//
// Waiting exclusive requests block later shared requests, so writers are
// not starved by a stream of new transactions.
type LockService struct {
	transaction *semaphore.Weighted
	reserved    *semaphore.Weighted

	mu          sync.Mutex
	collections map[string]*semaphore.Weighted
	active      int

	timeout atomic.Int64

	logger  *zap.Logger
	metrics *telemetry.StorageMetrics
}

// NewLockService creates a lock service with the given acquisition timeout.
func NewLockService(timeout time.Duration, logger *zap.Logger, metrics *telemetry.StorageMetrics) *LockService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NoopStorageMetrics()
	}
	l := &LockService{
		transaction: semaphore.NewWeighted(maxTransactions),
		reserved:    semaphore.NewWeighted(1),
		collections: make(map[string]*semaphore.Weighted),
		logger:      logger,
		metrics:     metrics,
	}
	l.SetTimeout(timeout)
	return l
}

// Timeout is the current acquisition timeout.
func (l *LockService) Timeout() time.Duration { return time.Duration(l.timeout.Load()) }

// SetTimeout changes the acquisition timeout; zero or less restores the default.
func (l *LockService) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	l.timeout.Store(int64(d))
}

func (l *LockService) acquire(ctx context.Context, sem *semaphore.Weighted, n int64, name string) error {
	start := time.Now()
	timeout := l.Timeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := sem.Acquire(waitCtx, n)
	l.metrics.ObserveLockWait(ctx, name, start)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		l.metrics.LockTimeouts.Add(ctx, 1)
		l.logger.Warn("lock timeout", zap.String("lock", name), zap.Duration("timeout", timeout))
		return fmt.Errorf("%w: %s lock not acquired within %s", dberror.ErrLockTimeout, name, timeout)
	}
	return err
}

// EnterTransaction takes a shared transaction lock. onFirst, when not nil,
// runs before the lock is counted if no other transaction is open.
func (l *LockService) EnterTransaction(ctx context.Context, onFirst func() error) error {
	if err := l.acquire(ctx, l.transaction, 1, "transaction"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == 0 && onFirst != nil {
		if err := onFirst(); err != nil {
			l.transaction.Release(1)
			return err
		}
	}
	l.active++
	return nil
}

// ExitTransaction releases a shared transaction lock.
func (l *LockService) ExitTransaction() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	l.transaction.Release(1)
}

// ActiveTransactions is the number of open transactions.
func (l *LockService) ActiveTransactions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// EnterExclusive waits until no transaction is open and blocks new ones.
func (l *LockService) EnterExclusive(ctx context.Context) error {
	return l.acquire(ctx, l.transaction, maxTransactions, "exclusive")
}

// TryEnterExclusive takes exclusive access only if it is free right now.
func (l *LockService) TryEnterExclusive() bool {
	return l.transaction.TryAcquire(maxTransactions)
}

func (l *LockService) ExitExclusive() {
	l.transaction.Release(maxTransactions)
}

// EnterLock takes the write lock of one collection.
func (l *LockService) EnterLock(ctx context.Context, collection string) error {
	l.mu.Lock()
	sem, ok := l.collections[collection]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.collections[collection] = sem
	}
	l.mu.Unlock()
	return l.acquire(ctx, sem, 1, "collection "+collection)
}

func (l *LockService) ExitLock(collection string) {
	l.mu.Lock()
	sem := l.collections[collection]
	l.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

// EnterReserved takes the catalog lock that guards collection and pragma
// changes in the header.
func (l *LockService) EnterReserved(ctx context.Context) error {
	return l.acquire(ctx, l.reserved, 1, "reserved")
}

func (l *LockService) ExitReserved() {
	l.reserved.Release(1)
}
