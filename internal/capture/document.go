package capture

import (
	"errors"
	"fmt"
	"time"
)

// Capacity is the maximum number of documents the queue holds
const Capacity = 50

// NearLimit is the size at which enqueue starts reporting pressure
const NearLimit = 45

var (
	// ErrQueueFull is returned by Enqueue at Capacity. The caller should ask
	// the user to sync or discard before capturing more.
	ErrQueueFull = errors.New("capture queue is full")

	// ErrNotFound is returned for an unknown document id
	ErrNotFound = errors.New("queued document not found")

	// ErrDuplicate is returned when enqueuing an id that is already queued
	ErrDuplicate = errors.New("document already queued")

	// ErrSyncing is returned when discarding a document that is being synced
	ErrSyncing = errors.New("document is syncing")
)

// State is the lifecycle position of a queued document. Acknowledged
// documents are removed, so there is no state for them.
type State string

const (
	StateQueued  State = "queued"
	StateSyncing State = "syncing"
)

// Metadata describes a capture
type Metadata struct {
	OwnerID     string    `json:"owner_id"`
	CapturedAt  time.Time `json:"captured_at"`
	RetryCount  int       `json:"retry_count"`
	ContentType string    `json:"content_type"`
	Filename    string    `json:"filename,omitempty"`
}

// Document is a capture waiting to be synchronised
type Document struct {
	ID         string    `json:"id"`
	Payload    []byte    `json:"payload"`
	Metadata   Metadata  `json:"metadata"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`

	// seq is the enqueue order, used to break capture-time ties
	Seq uint64 `json:"seq"`
}

// before reports whether d drains ahead of other
func (d *Document) before(other *Document) bool {
	if !d.Metadata.CapturedAt.Equal(other.Metadata.CapturedAt) {
		return d.Metadata.CapturedAt.Before(other.Metadata.CapturedAt)
	}
	return d.Seq < other.Seq
}

// EnqueueResult reports the queue after an enqueue
type EnqueueResult struct {
	Document  Document `json:"document"`
	Size      int      `json:"size"`
	NearLimit bool     `json:"near_limit"`
}

// Stats is a point-in-time view of queue occupancy
type Stats struct {
	Size      int  `json:"size"`
	Capacity  int  `json:"capacity"`
	Syncing   int  `json:"syncing"`
	NearLimit bool `json:"near_limit"`
}

// SyncFailure describes one document that failed during a drain. The
// document is back in the queue with its retry count incremented.
type SyncFailure struct {
	DocumentID string
	RetryCount int
	Err        error
}

func (f *SyncFailure) Error() string {
	return fmt.Sprintf("syncing document %s (retry %d): %v", f.DocumentID, f.RetryCount, f.Err)
}

func (f *SyncFailure) Unwrap() error {
	return f.Err
}

// DrainReport summarises one drain
type DrainReport struct {
	Synced    []string       `json:"synced"`
	Failed    []*SyncFailure `json:"-"`
	Remaining int            `json:"remaining"`
	Coalesced bool           `json:"coalesced"`
	Cancelled bool           `json:"cancelled"`
}

// FailedIDs lists the ids of failed documents in drain order
func (r DrainReport) FailedIDs() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.DocumentID
	}
	return ids
}
