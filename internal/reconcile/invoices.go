package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-reconciler/internal/compliance"
	"github.com/zombor/invoice-reconciler/internal/invoice"
)

const invoicesBucket = "invoices"

// ErrInvoiceNotFound is returned for an unknown document id
var ErrInvoiceNotFound = errors.New("invoice not found")

// Invoice is the stored outcome of the latest committed pass for a
// document. A document whose extraction could not be read is stored with
// NeedsManualEntry set and no record.
type Invoice struct {
	ID               string              `json:"id"`
	OwnerID          string              `json:"owner_id"`
	Record           *invoice.Record     `json:"record,omitempty"`
	Verdict          *compliance.Verdict `json:"verdict,omitempty"`
	PassID           string              `json:"pass_id,omitempty"`
	FilePath         string              `json:"file_path,omitempty"`
	ContentType      string              `json:"content_type,omitempty"`
	NeedsManualEntry bool                `json:"needs_manual_entry"`
	ExtractionError  string              `json:"extraction_error,omitempty"`
	Published        bool                `json:"published"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Invoices defines the interface for corrected-invoice persistence
type Invoices interface {
	// Save inserts or replaces an invoice
	Save(inv *Invoice) error

	// SaveWith saves an invoice in the same transaction as write. Neither
	// is stored unless both succeed.
	SaveWith(inv *Invoice, write func(tx *bbolt.Tx) error) error

	// Get retrieves an invoice by document ID
	Get(id string) (*Invoice, error)

	// List returns an owner's invoices, newest first. An empty owner lists all.
	List(ownerID string) ([]*Invoice, error)
}

// BoltInvoices implements Invoices on the shared bbolt file
type BoltInvoices struct {
	db *bbolt.DB
}

// OpenDB opens the bbolt file shared by every store
func OpenDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}
	return db, nil
}

// NewBoltInvoices creates the invoices bucket if needed
func NewBoltInvoices(db *bbolt.DB) (*BoltInvoices, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(invoicesBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltInvoices{db: db}, nil
}

// Save inserts or replaces an invoice
func (b *BoltInvoices) Save(inv *Invoice) error {
	return b.SaveWith(inv, nil)
}

// SaveWith runs write and saves the invoice in one bbolt transaction
func (b *BoltInvoices) SaveWith(inv *Invoice, write func(tx *bbolt.Tx) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if write != nil {
			if err := write(tx); err != nil {
				return err
			}
		}
		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return tx.Bucket([]byte(invoicesBucket)).Put([]byte(inv.ID), data)
	})
}

// Get retrieves an invoice by document ID
func (b *BoltInvoices) Get(id string) (*Invoice, error) {
	var inv *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(invoicesBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// List returns an owner's invoices, newest first
func (b *BoltInvoices) List(ownerID string) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(invoicesBucket)).ForEach(func(k, v []byte) error {
			var inv Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			if ownerID == "" || inv.OwnerID == ownerID {
				invoices = append(invoices, &inv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(invoices, func(i, j int) bool {
		return invoices[i].CreatedAt.After(invoices[j].CreatedAt)
	})
	return invoices, nil
}
