package reconcile

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zombor/invoice-reconciler/internal/capture"
)

// DefaultSyncInterval is how often the loop tries to drain while offline
const DefaultSyncInterval = 30 * time.Second

// Connectivity reports whether the server can be reached
type Connectivity interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is a Connectivity for deployments next to their store
type AlwaysOnline struct{}

func (AlwaysOnline) Online(context.Context) bool { return true }

// HTTPProbe considers the server reachable when a HEAD request to URL
// answers with anything below 500
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe creates a probe with a short timeout
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Drainer is the part of the capture queue the loop drives
type Drainer interface {
	Drain(ctx context.Context, ownerID string, p capture.Processor) (capture.DrainReport, error)
}

// StuckObserver is told when consecutive drains keep failing and when
// they recover
type StuckObserver interface {
	Stuck(stuck bool)
}

type nopStuckObserver struct{}

func (nopStuckObserver) Stuck(bool) {}

// SyncResult describes one tick of the loop
type SyncResult struct {
	Skipped  string // why nothing was drained, empty when a drain ran
	Report   capture.DrainReport
	Failures int // consecutive failing drains so far
	Stuck    bool
}

// Syncer drains an owner's capture queue on a fixed cadence while the
// server is reachable, backing off by its RetryPolicy after failures
type Syncer struct {
	queue        Drainer
	processor    capture.Processor
	ownerID      string
	interval     time.Duration
	policy       RetryPolicy
	connectivity Connectivity
	observer     StuckObserver
	timeSource   TimeSource

	mu        sync.Mutex
	failures  int
	notBefore time.Time
}

// SyncerOption configures a Syncer
type SyncerOption func(*Syncer)

func WithInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.interval = d }
}

func WithRetryPolicy(p RetryPolicy) SyncerOption {
	return func(s *Syncer) { s.policy = p }
}

func WithConnectivity(c Connectivity) SyncerOption {
	return func(s *Syncer) { s.connectivity = c }
}

func WithStuckObserver(o StuckObserver) SyncerOption {
	return func(s *Syncer) { s.observer = o }
}

func WithSyncerClock(t TimeSource) SyncerOption {
	return func(s *Syncer) { s.timeSource = t }
}

// NewSyncer creates a sync loop for one owner
func NewSyncer(queue Drainer, processor capture.Processor, ownerID string, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		queue:        queue,
		processor:    processor,
		ownerID:      ownerID,
		interval:     DefaultSyncInterval,
		policy:       DefaultRetryPolicy(),
		connectivity: AlwaysOnline{},
		observer:     nopStuckObserver{},
		timeSource:   defaultTimeSource{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is done
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Sync loop started", "owner_id", s.ownerID, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sync loop stopped", "owner_id", s.ownerID)
			return
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil {
				slog.Error("Sync failed", "owner_id", s.ownerID, "error", err)
			}
		}
	}
}

// SyncOnce runs one tick: it skips while backing off or offline and
// otherwise drains the queue
func (s *Syncer) SyncOnce(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	notBefore, failures := s.notBefore, s.failures
	s.mu.Unlock()

	if now := s.timeSource.Now(); now.Before(notBefore) {
		return SyncResult{Skipped: "backing off", Failures: failures, Stuck: s.policy.Stuck(failures)}, nil
	}
	if !s.connectivity.Online(ctx) {
		return SyncResult{Skipped: "offline", Failures: failures, Stuck: s.policy.Stuck(failures)}, nil
	}

	report, err := s.queue.Drain(ctx, s.ownerID, s.processor)
	if err != nil {
		return SyncResult{Failures: failures}, err
	}
	if report.Coalesced {
		return SyncResult{Skipped: "drain already running", Report: report, Failures: failures}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := SyncResult{Report: report}
	if len(report.Failed) > 0 {
		s.failures++
		delay := s.policy.Delay(s.failures)
		s.notBefore = s.timeSource.Now().Add(delay)
		result.Failures = s.failures
		result.Stuck = s.policy.Stuck(s.failures)
		slog.Warn("Drain had failures, backing off",
			"owner_id", s.ownerID,
			"failed", report.FailedIDs(),
			"consecutive_failures", s.failures,
			"delay", delay,
		)
		if result.Stuck {
			s.observer.Stuck(true)
			slog.Error("Sync is stuck; documents remain queued", "owner_id", s.ownerID, "remaining", report.Remaining)
		}
		return result, nil
	}

	if s.failures > 0 && s.policy.Stuck(s.failures) {
		s.observer.Stuck(false)
	}
	s.failures = 0
	s.notBefore = time.Time{}
	if len(report.Synced) > 0 {
		slog.Info("Drain complete", "owner_id", s.ownerID, "synced", len(report.Synced), "remaining", report.Remaining)
	}
	return result, nil
}
