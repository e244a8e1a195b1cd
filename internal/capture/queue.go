package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const bucketName = "capture_queue"

// Processor uploads and reconciles one document. A nil error is the
// server acknowledgement; anything else sends the document back to the queue.
type Processor interface {
	Process(ctx context.Context, doc *Document) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, doc *Document) error

func (f ProcessorFunc) Process(ctx context.Context, doc *Document) error {
	return f(ctx, doc)
}

// Observer receives occupancy and failure signals for UI notification
type Observer interface {
	QueueSize(size int)
	NearLimit(size int)
	Synced(doc *Document)
	SyncFailed(doc *Document, err error)
}

type nopObserver struct{}

func (nopObserver) QueueSize(int) {}
func (nopObserver) NearLimit(int) {}
func (nopObserver) Synced(*Document) {}
func (nopObserver) SyncFailed(*Document, error) {}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Option configures a Queue
type Option func(*Queue)

// WithObserver sets the signal observer
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithTimeSource sets the clock used for enqueue timestamps
func WithTimeSource(t TimeSource) Option {
	return func(q *Queue) { q.timeSource = t }
}

// WithContinueOnFailure keeps draining after a document fails instead of
// stopping at it. Later captures may then be synced before earlier ones.
func WithContinueOnFailure() Option {
	return func(q *Queue) { q.continueOnFailure = true }
}

// Queue is a bounded, durable capture queue stored in bbolt
type Queue struct {
	db                *bbolt.DB
	observer          Observer
	timeSource        TimeSource
	continueOnFailure bool

	mu       sync.Mutex
	draining map[string]bool // by owner
}

// NewQueue creates the queue bucket if needed. Documents left syncing by a
// previous process are returned to queued without touching their retry count.
func NewQueue(db *bbolt.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:         db,
		observer:   nopObserver{},
		timeSource: defaultTimeSource{},
		draining:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}

	recovered := 0
	err := db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		var interrupted []*Document
		err = forEach(bucket, func(doc *Document) error {
			if doc.State == StateSyncing {
				interrupted = append(interrupted, doc)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, doc := range interrupted {
			doc.State = StateQueued
			if err := put(bucket, doc); err != nil {
				return err
			}
		}
		recovered = len(interrupted)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("opening capture queue: %w", err)
	}
	if recovered > 0 {
		slog.Warn("Returned interrupted documents to the queue", "count", recovered)
	}
	return q, nil
}

// Enqueue adds a capture. An empty ID is assigned a UUID.
func (q *Queue) Enqueue(ctx context.Context, doc Document) (EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return EnqueueResult{}, err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Metadata.CapturedAt.IsZero() {
		return EnqueueResult{}, fmt.Errorf("document %s has no capture timestamp", doc.ID)
	}
	doc.EnqueuedAt = q.timeSource.Now()
	doc.State = StateQueued
	doc.Metadata.RetryCount = 0
	doc.LastError = ""

	var size int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get([]byte(doc.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, doc.ID)
		}
		size = count(bucket)
		if size >= Capacity {
			return ErrQueueFull
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		doc.Seq = seq
		size++
		return put(bucket, &doc)
	})
	if err != nil {
		return EnqueueResult{Size: size}, err
	}

	result := EnqueueResult{Document: doc, Size: size, NearLimit: size >= NearLimit}
	q.observer.QueueSize(size)
	if result.NearLimit {
		q.observer.NearLimit(size)
	}
	slog.Info("Document queued", "document_id", doc.ID, "owner_id", doc.Metadata.OwnerID, "size", size)
	return result, nil
}

// Get returns one queued document
func (q *Queue) Get(id string) (*Document, error) {
	var doc *Document
	err := q.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns an owner's documents in drain order. An empty owner lists
// every document.
func (q *Queue) List(ownerID string) ([]*Document, error) {
	docs := make([]*Document, 0)
	err := q.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket([]byte(bucketName)), func(doc *Document) error {
			if ownerID == "" || doc.Metadata.OwnerID == ownerID {
				docs = append(docs, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].before(docs[j])
	})
	return docs, nil
}

// Stats returns current occupancy
func (q *Queue) Stats() (Stats, error) {
	stats := Stats{Capacity: Capacity}
	err := q.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket([]byte(bucketName)), func(doc *Document) error {
			stats.Size++
			if doc.State == StateSyncing {
				stats.Syncing++
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading queue stats: %w", err)
	}
	stats.NearLimit = stats.Size >= NearLimit
	return stats, nil
}

// Discard removes a queued document at the user's request. A document that
// a running drain is syncing cannot be discarded.
func (q *Queue) Discard(id string) error {
	var size int
	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		doc, err := get(bucket, id)
		if err != nil {
			return err
		}
		if doc.State == StateSyncing && q.isDraining(doc.Metadata.OwnerID) {
			return fmt.Errorf("%w: %s", ErrSyncing, id)
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		size = count(bucket)
		return nil
	})
	if err != nil {
		return err
	}
	q.observer.QueueSize(size)
	slog.Info("Document discarded", "document_id", id)
	return nil
}

// Drain processes an owner's queued documents one at a time in capture
// order. A drain already running for the owner makes this call a no-op
// reported as Coalesced. Cancellation is honoured between documents only;
// the document in flight always runs to completion or failure. By default
// the drain stops at the first failure so no later capture overtakes it.
//
// Only one drain runs per owner, so a document of the owner found syncing
// was left there by an earlier drain that could not record its outcome. It
// is processed again in its place.
func (q *Queue) Drain(ctx context.Context, ownerID string, p Processor) (DrainReport, error) {
	q.mu.Lock()
	if q.draining[ownerID] {
		q.mu.Unlock()
		slog.Info("Drain already running, coalescing", "owner_id", ownerID)
		return DrainReport{Coalesced: true}, nil
	}
	q.draining[ownerID] = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.draining, ownerID)
		q.mu.Unlock()
	}()

	snapshot, err := q.List(ownerID)
	if err != nil {
		return DrainReport{}, err
	}

	var report DrainReport
	for _, queued := range snapshot {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		if queued.State == StateSyncing {
			slog.Warn("Resuming document left syncing", "document_id", queued.ID, "retry_count", queued.Metadata.RetryCount)
		}

		doc, err := q.transition(queued.ID, func(d *Document) { d.State = StateSyncing })
		if errors.Is(err, ErrNotFound) {
			continue // discarded since the snapshot
		}
		if err != nil {
			return report, fmt.Errorf("marking %s syncing: %w", queued.ID, err)
		}

		procErr := p.Process(context.WithoutCancel(ctx), doc)
		if procErr == nil {
			if err := q.ack(doc.ID); err != nil {
				return report, fmt.Errorf("acknowledging %s: %w", doc.ID, err)
			}
			report.Synced = append(report.Synced, doc.ID)
			q.observer.Synced(doc)
			continue
		}

		failed, err := q.transition(doc.ID, func(d *Document) {
			d.State = StateQueued
			d.Metadata.RetryCount++
			d.LastError = procErr.Error()
		})
		if err != nil {
			return report, fmt.Errorf("requeueing %s: %w", doc.ID, err)
		}
		failure := &SyncFailure{DocumentID: failed.ID, RetryCount: failed.Metadata.RetryCount, Err: procErr}
		report.Failed = append(report.Failed, failure)
		q.observer.SyncFailed(failed, procErr)
		slog.Warn("Document sync failed", "document_id", failed.ID, "retry_count", failed.Metadata.RetryCount, "error", procErr)

		if !q.continueOnFailure {
			break
		}
	}

	left, err := q.List(ownerID)
	if err != nil {
		return report, err
	}
	report.Remaining = len(left)
	if stats, err := q.Stats(); err == nil {
		q.observer.QueueSize(stats.Size)
	}
	return report, nil
}

func (q *Queue) isDraining(ownerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining[ownerID]
}

// transition applies a state change to one stored document atomically
func (q *Queue) transition(id string, change func(*Document)) (*Document, error) {
	var doc *Document
	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		var err error
		doc, err = get(bucket, id)
		if err != nil {
			return err
		}
		change(doc)
		return put(bucket, doc)
	})
	return doc, err
}

// ack removes an acknowledged document
func (q *Queue) ack(id string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(id))
	})
}

func get(bucket *bbolt.Bucket, id string) (*Document, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}
	return &doc, nil
}

func put(bucket *bbolt.Bucket, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	return bucket.Put([]byte(doc.ID), data)
}

func count(bucket *bbolt.Bucket) int {
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func forEach(bucket *bbolt.Bucket, fn func(*Document) error) error {
	return bucket.ForEach(func(k, v []byte) error {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("unmarshaling document %s: %w", k, err)
		}
		return fn(&doc)
	})
}
