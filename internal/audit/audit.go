// Package audit implements the Audit Sink (spec §4.11): an
// append-only log of policy decisions and configuration changes.
// Entries for a single producer (one tenant+environment pair) are
// guaranteed to land in the order they were submitted; writes are
// buffered and flushed in batches rather than hitting the store once
// per entry, following the teacher's JSONLAudit pattern
// (tools/si/internal/vault/audit.go) of a mutex-guarded append,
// generalized here to a per-producer buffered queue so a slow flush on
// one tenant never blocks another's.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
	queueCapacity        = 1000
)

type producerKey struct {
	tenantID string
	env      model.Environment
}

// Sink batches AuditEntry writes per (tenant, environment) producer
// and flushes them in submission order. Entries are never dropped on
// a full queue: Append blocks until there is room, so a burst of
// decisions slows the caller down instead of losing audit coverage.
type Sink struct {
	store         *store.Store
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger

	mu       sync.Mutex
	queues   map[producerKey]chan model.AuditEntry
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(s *store.Store, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{
		store:         s,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		logger:        logger,
		queues:        make(map[producerKey]chan model.AuditEntry),
		stopCh:        make(chan struct{}),
	}
}

// Append enqueues e onto its producer's ordered queue, starting that
// producer's flush worker on first use.
func (s *Sink) Append(e model.AuditEntry) {
	key := producerKey{tenantID: e.TenantID, env: e.Environment}
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = make(chan model.AuditEntry, queueCapacity)
		s.queues[key] = q
		s.wg.Add(1)
		go s.runProducer(key, q)
	}
	s.mu.Unlock()
	q <- e
}

func (s *Sink) runProducer(key producerKey, q chan model.AuditEntry) {
	defer s.wg.Done()
	batch := make([]model.AuditEntry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, e := range batch {
			if err := s.store.AppendAuditEntry(ctx, e); err != nil {
				s.logger.Printf("audit: producer %s/%s: write failed, entry %s dropped from batch: %v",
					key.tenantID, key.env, e.EntryID, err)
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-q:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			// Drain whatever is already queued before exiting so a
			// shutdown never silently loses buffered entries.
			for {
				select {
				case e := <-q:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops every producer worker after draining its queue.
func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
