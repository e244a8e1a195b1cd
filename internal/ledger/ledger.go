package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

const (
	correctionsBucket = "corrections"
	passesBucket      = "correction_passes"
)

// ErrLedgerWrite wraps every storage fault raised while appending.
var ErrLedgerWrite = errors.New("ledger write failed")

// Ledger is an append-only store of corrections. There is no update or
// delete.
type Ledger interface {
	// Append stores every correction of one verification pass atomically.
	// Appending a pass that was already committed for the document is a
	// no-op, so a retried pass is never applied twice.
	Append(ctx context.Context, documentID, passID string, corrections []invoice.Correction) error

	// ReadAll returns a document's corrections ordered by timestamp, ties
	// broken by insertion order
	ReadAll(ctx context.Context, documentID string) ([]invoice.Correction, error)
}

type entry struct {
	Seq    uint64 `json:"seq"`
	PassID string `json:"pass_id"`
	invoice.Correction
}

// BoltLedger implements Ledger on a shared bbolt database
type BoltLedger struct {
	db *bbolt.DB
}

// NewBoltLedger creates the ledger buckets if they don't exist
func NewBoltLedger(db *bbolt.DB) (*BoltLedger, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(correctionsBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(passesBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating ledger buckets: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

// Append implements Ledger
func (l *BoltLedger) Append(ctx context.Context, documentID, passID string, corrections []invoice.Correction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	err := l.db.Update(func(tx *bbolt.Tx) error {
		_, err := l.AppendTx(tx, documentID, passID, corrections)
		return err
	})
	if err != nil && !errors.Is(err, ErrLedgerWrite) {
		return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	return err
}

// AppendTx appends a pass inside the caller's read-write transaction, so
// the pass is kept or rolled back together with the caller's other writes.
// It reports false when the pass was already committed for the document.
func (l *BoltLedger) AppendTx(tx *bbolt.Tx, documentID, passID string, corrections []invoice.Correction) (bool, error) {
	if documentID == "" || passID == "" {
		return false, fmt.Errorf("%w: document and pass ids are required", ErrLedgerWrite)
	}
	added, err := appendPass(tx, documentID, passID, corrections)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	if !added {
		slog.Info("Correction pass already committed", "document_id", documentID, "pass_id", passID)
	}
	return added, nil
}

func appendPass(tx *bbolt.Tx, documentID, passID string, corrections []invoice.Correction) (bool, error) {
	passes, err := tx.Bucket([]byte(passesBucket)).CreateBucketIfNotExists([]byte(documentID))
	if err != nil {
		return false, fmt.Errorf("creating pass bucket: %w", err)
	}
	if passes.Get([]byte(passID)) != nil {
		return false, nil
	}

	bucket, err := tx.Bucket([]byte(correctionsBucket)).CreateBucketIfNotExists([]byte(documentID))
	if err != nil {
		return false, fmt.Errorf("creating correction bucket: %w", err)
	}
	for _, c := range corrections {
		seq, err := bucket.NextSequence()
		if err != nil {
			return false, fmt.Errorf("allocating sequence: %w", err)
		}
		c.DocumentID = documentID
		data, err := json.Marshal(entry{Seq: seq, PassID: passID, Correction: c})
		if err != nil {
			return false, fmt.Errorf("marshaling correction: %w", err)
		}
		if err := bucket.Put(seqKey(seq), data); err != nil {
			return false, fmt.Errorf("writing correction: %w", err)
		}
	}

	committed, err := time.Now().UTC().MarshalText()
	if err != nil {
		return false, err
	}
	return true, passes.Put([]byte(passID), committed)
}

// ReadAll implements Ledger
func (l *BoltLedger) ReadAll(ctx context.Context, documentID string) ([]invoice.Correction, error) {
	entries := make([]entry, 0)
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(correctionsBucket)).Bucket([]byte(documentID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling correction: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading corrections for %s: %w", documentID, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	corrections := make([]invoice.Correction, len(entries))
	for i, e := range entries {
		corrections[i] = e.Correction
	}
	return corrections, nil
}

// keys sort in insertion order because bbolt iterates bytewise
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
