// Package service holds the application services that sit between the HTTP
// adapters and the domain: audit buffering and config reload.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/audit"
)

// AuditService decouples request handling from audit persistence. Events go
// into a bounded channel; a single background worker batches them into the
// store. The hot path never does a synchronous write.
type AuditService struct {
	store         audit.Store
	events        chan audit.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64

	warningThreshold int          // depth percent that triggers a capacity warning
	lastWarning      atomic.Int64 // Unix nanos, rate-limits warning logs
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events batched per write.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets how long a partial batch may sit before writing.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the event buffer capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.events = make(chan audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout. 0 drops immediately when
// the buffer is full; >0 blocks up to the timeout before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// NewAuditService creates the service around a store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	defaultChannelSize := 1000
	s := &AuditService{
		store:            store,
		events:           make(chan audit.Event, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    100 * time.Millisecond,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background writer.
func (s *AuditService) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Record enqueues an event. Fast non-blocking send first; when the buffer is
// full it blocks up to sendTimeout, then drops and counts.
func (s *AuditService) Record(event audit.Event) {
	if s.warningThreshold > 0 {
		depth := len(s.events)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.events <- event:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(event)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.events <- event:
	case <-timer.C:
		s.recordDrop(event)
	}
}

// RecordRequest is a convenience wrapper for data-plane events.
func (s *AuditService) RecordRequest(clientIP, method, path, userAgent string, status int, duration time.Duration) {
	s.Record(audit.NewRequestEvent(clientIP, method, path, userAgent, status, duration))
}

// RecordAdminAction is a convenience wrapper for control-plane events.
func (s *AuditService) RecordAdminAction(clientIP, action, details, userAgent string) {
	s.Record(audit.NewAdminEvent(clientIP, action, details, userAgent))
}

// Query reads persisted events. Recently recorded events may not be visible
// until the worker flushes.
func (s *AuditService) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	return s.store.Query(ctx, filter)
}

// Stats aggregates persisted events since the given time.
func (s *AuditService) Stats(ctx context.Context, since time.Time) (*audit.Statistics, error) {
	return s.store.Stats(ctx, since)
}

func (s *AuditService) recordDrop(event audit.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped",
		"kind", event.Kind,
		"client_ip", event.ClientIP,
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit buffer approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedEvents returns the total number of dropped events.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the current buffer usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.events)
}

// ChannelCapacity returns the buffer size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop closes the intake, waits for the worker to drain and flush, then
// closes the store.
func (s *AuditService) Stop() error {
	close(s.events)
	s.wg.Wait()
	return s.store.Close()
}

func (s *AuditService) worker() {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				if len(batch) > 0 {
					s.flushBounded(batch)
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				s.flush(context.Background(), batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(context.Background(), batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBounded is the shutdown flush with its own deadline.
func (s *AuditService) flushBounded(batch []audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch. Errors are logged, never propagated; audit must not
// fail request handling.
func (s *AuditService) flush(ctx context.Context, batch []audit.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}
