package remote

import "context"

// FieldExpiresAt is the reserved document field consulted by ConditionalCreate
// when deciding whether an existing document counts as expired.
const FieldExpiresAt = "expires_at_s"

// EventType enumerates change-feed notification kinds.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Document is one remote record. Version is maintained by the store and
// increments on every accepted write.
type Document struct {
	ID               string
	Version          int64
	UpdatedAtSeconds int64
	Fields           map[string]any
}

// Clone returns a deep-enough copy for handing across goroutine boundaries.
func (d Document) Clone() Document {
	copied := d
	if d.Fields != nil {
		copied.Fields = make(map[string]any, len(d.Fields))
		for key, value := range d.Fields {
			copied.Fields[key] = value
		}
	}
	return copied
}

// Event is one ordered change notification for a collection.
type Event struct {
	Type       EventType
	Collection string
	Document   Document
}

// Store is the remote document database consumed by the sync core. The
// concrete store is shared across all clients and is the durability of record.
type Store interface {
	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Create inserts a new document, assigning a canonical id when the
	// document carries none, and returns the stored document at version 1.
	Create(ctx context.Context, collection string, doc Document) (Document, error)

	// Put performs a version-checked write. baseVersion must equal the
	// current remote version (or 0 for a document the caller believes is
	// absent); otherwise a *VersionConflictError carrying the current
	// remote document is returned and nothing is written.
	Put(ctx context.Context, collection string, doc Document, baseVersion int64) (Document, error)

	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents whose field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)

	// List returns every document in the collection.
	List(ctx context.Context, collection string) ([]Document, error)

	// ConditionalCreate atomically writes doc under id only when no document
	// exists there or the existing document's expires_at_s is in the past.
	// It returns the winning document and whether the write was accepted.
	ConditionalCreate(ctx context.Context, collection, id string, doc Document) (Document, bool, error)

	// Subscribe delivers ordered change notifications for the collection
	// until ctx is cancelled or the returned cancel func is called.
	Subscribe(ctx context.Context, collection string) (<-chan Event, func())
}
