// Package queue is the client-resident offline reconciliation queue: a
// durable, ordered list of sales that could not reach the settlement engine,
// replayed once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"tillpoint/internal/domain"
	"tillpoint/internal/xid"
)

// TransportError marks a connectivity-level failure: the request never got a
// business answer, so the entry stays queued and is retried on the next
// flush.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Settler submits one sale for settlement. Implementations return a
// *TransportError for connectivity failures and plain errors for business
// rejections.
type Settler interface {
	Settle(ctx context.Context, req domain.SaleRequest) (domain.SettleResult, error)
}

// Probe reports whether the settlement engine is reachable.
type Probe interface {
	Ping(ctx context.Context) error
}

type FlushResult struct {
	Synced    int
	Remaining []domain.OfflineQueueEntry
}

// Queue owns the on-disk entry list. All mutations read, modify and rewrite
// the whole file under the mutex, so no interleaving can lose an entry.
type Queue struct {
	path    string
	settler Settler
	probe   Probe
	logger  *zap.Logger

	mu       sync.Mutex
	flushing bool
	online   bool
}

func New(path string, settler Settler, probe Probe, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		path:    path,
		settler: settler,
		probe:   probe,
		logger:  logger,
	}
}

// Enqueue assigns a client reference if the request lacks one and appends
// the entry to durable storage.
func (q *Queue) Enqueue(_ context.Context, req domain.SaleRequest) (domain.OfflineQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.ClientRef == "" {
		req.ClientRef = xid.New("ref")
	}

	entries, err := q.load()
	if err != nil {
		return domain.OfflineQueueEntry{}, err
	}

	entry := domain.OfflineQueueEntry{
		ClientRef: req.ClientRef,
		Request:   req,
		QueuedAt:  time.Now().UTC(),
	}
	entries = append(entries, entry)

	if err := q.save(entries); err != nil {
		return domain.OfflineQueueEntry{}, err
	}

	q.logger.Info("sale queued offline",
		zap.String("client_ref", entry.ClientRef),
		zap.Int("pending", len(entries)))

	return entry, nil
}

// Flush replays queued entries strictly in enqueue order. Settled and
// already-settled entries are removed; a transport failure stops the flush,
// keeping that entry and everything after it; a business failure keeps the
// entry annotated with the error and moves on. A flush already in progress
// suppresses this one. Sales enqueued while the settle loop is running
// survive the final rewrite of the queue file.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	if q.flushing {
		entries, err := q.load()
		q.mu.Unlock()
		if err != nil {
			return FlushResult{}, err
		}
		return FlushResult{Remaining: entries}, nil
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	q.mu.Lock()
	entries, err := q.load()
	q.mu.Unlock()
	if err != nil {
		return FlushResult{}, err
	}

	// The settle loop runs outside the mutex, so sales can be enqueued while
	// it is in flight. Remember which references this flush is working from;
	// anything else found in the file afterwards must be carried over.
	snapshotRefs := make(map[string]bool, len(entries))
	for _, entry := range entries {
		snapshotRefs[entry.ClientRef] = true
	}

	synced := 0
	remaining := make([]domain.OfflineQueueEntry, 0, len(entries))
	stopped := false

	for i, entry := range entries {
		if stopped {
			remaining = append(remaining, entry)
			continue
		}

		result, err := q.settler.Settle(ctx, entry.Request)
		switch {
		case err == nil:
			synced++
			if result.AlreadySettled {
				q.logger.Info("queued sale already settled",
					zap.String("client_ref", entry.ClientRef),
					zap.String("sale_id", result.Sale.ID))
			} else {
				q.logger.Info("queued sale settled",
					zap.String("client_ref", entry.ClientRef),
					zap.String("sale_id", result.Sale.ID))
			}
		case IsTransport(err):
			q.setOnline(false)
			q.logger.Warn("flush stopped: engine unreachable",
				zap.String("client_ref", entry.ClientRef),
				zap.Int("remaining", len(entries)-i),
				zap.Error(err))
			remaining = append(remaining, entry)
			stopped = true
		default:
			entry.LastError = err.Error()
			q.logger.Warn("queued sale rejected, retained for review",
				zap.String("client_ref", entry.ClientRef),
				zap.Error(err))
			remaining = append(remaining, entry)
		}
	}

	q.mu.Lock()
	latest, err := q.load()
	if err != nil {
		q.mu.Unlock()
		return FlushResult{Synced: synced, Remaining: remaining}, err
	}
	for _, entry := range latest {
		if !snapshotRefs[entry.ClientRef] {
			remaining = append(remaining, entry)
		}
	}
	err = q.save(remaining)
	q.mu.Unlock()
	if err != nil {
		return FlushResult{Synced: synced, Remaining: remaining}, err
	}

	return FlushResult{Synced: synced, Remaining: remaining}, nil
}

func (q *Queue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := domain.QueueStatus{
		IsOnline:   q.online,
		IsFlushing: q.flushing,
	}
	entries, err := q.load()
	if err != nil {
		q.logger.Warn("failed to read queue file", zap.Error(err))
		return status
	}
	status.PendingCount = len(entries)
	return status
}

// Run flushes on the interval and immediately on an offline-to-online
// transition detected by the probe.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasOnline := q.isOnline()
			online := q.probe.Ping(ctx) == nil
			q.setOnline(online)

			if !online {
				continue
			}
			if !wasOnline {
				q.logger.Info("connectivity restored, flushing queue")
			}
			if _, err := q.Flush(ctx); err != nil {
				q.logger.Warn("queue flush failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) isOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) setOnline(online bool) {
	q.mu.Lock()
	q.online = online
	q.mu.Unlock()
}

// load reads the whole queue file. A missing file is an empty queue.
func (q *Queue) load() ([]domain.OfflineQueueEntry, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.OfflineQueueEntry{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []domain.OfflineQueueEntry{}, nil
	}

	var entries []domain.OfflineQueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("queue file corrupt: %w", err)
	}
	return entries, nil
}

// save rewrites the queue file via a temp file and rename so a crash
// mid-write never leaves a torn queue.
func (q *Queue) save(entries []domain.OfflineQueueEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".queue-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, q.path)
}
