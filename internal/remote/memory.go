package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/ids"
)

const eventBufferSize = 16

// MemoryStoreConfig describes the dependencies of an in-process store.
type MemoryStoreConfig struct {
	Clock      func() time.Time
	IDProvider ids.Provider
}

// MemoryStore is an in-process Store implementation. It backs tests and the
// CLI's dry-run modes, and documents the semantics the HTTP gateway must match.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	clock       func() time.Time
	idProvider  ids.Provider
	fault       func(operation, collection string) error

	subMu       sync.RWMutex
	subscribers map[string]map[int64]chan Event
	nextSubID   int64
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		clock:       clock,
		idProvider:  idProvider,
		subscribers: make(map[string]map[int64]chan Event),
	}
}

// SetFault installs a hook invoked before every operation; a non-nil return
// is surfaced as that operation's failure. Used to simulate outages.
func (s *MemoryStore) SetFault(fault func(operation, collection string) error) {
	s.mu.Lock()
	s.fault = fault
	s.mu.Unlock()
}

func (s *MemoryStore) checkFault(operation, collection string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(operation, collection)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkFault("get", collection); err != nil {
		return Document{}, err
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, collection string, doc Document) (Document, error) {
	s.mu.Lock()
	if err := s.checkFault("create", collection); err != nil {
		s.mu.Unlock()
		return Document{}, err
	}
	if doc.ID == "" || ids.IsLocal(doc.ID) {
		canonical, err := s.idProvider.NewID()
		if err != nil {
			s.mu.Unlock()
			return Document{}, err
		}
		doc.ID = canonical
	}
	doc.Version = 1
	doc.UpdatedAtSeconds = s.clock().UTC().Unix()
	s.storeLocked(collection, doc)
	s.mu.Unlock()

	s.publish(Event{Type: EventCreated, Collection: collection, Document: doc.Clone()})
	return doc.Clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, collection string, doc Document, baseVersion int64) (Document, error) {
	s.mu.Lock()
	if err := s.checkFault("put", collection); err != nil {
		s.mu.Unlock()
		return Document{}, err
	}
	existing, ok := s.collections[collection][doc.ID]
	if !ok {
		if baseVersion != 0 {
			s.mu.Unlock()
			return Document{}, ErrNotFound
		}
		doc.Version = 1
	} else {
		if existing.Version != baseVersion {
			remote := existing.Clone()
			s.mu.Unlock()
			return Document{}, &VersionConflictError{
				Collection:    collection,
				DocumentID:    doc.ID,
				BaseVersion:   baseVersion,
				RemoteVersion: remote.Version,
				Remote:        remote,
			}
		}
		doc.Version = existing.Version + 1
	}
	doc.UpdatedAtSeconds = s.clock().UTC().Unix()
	s.storeLocked(collection, doc)
	s.mu.Unlock()

	s.publish(Event{Type: EventUpdated, Collection: collection, Document: doc.Clone()})
	return doc.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if err := s.checkFault("delete", collection); err != nil {
		s.mu.Unlock()
		return err
	}
	doc, ok := s.collections[collection][id]
	if ok {
		delete(s.collections[collection], id)
	}
	s.mu.Unlock()

	if ok {
		s.publish(Event{Type: EventDeleted, Collection: collection, Document: doc.Clone()})
	}
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkFault("query", collection); err != nil {
		return nil, err
	}
	var matches []Document
	for _, doc := range s.collections[collection] {
		if doc.Fields[field] == value {
			matches = append(matches, doc.Clone())
		}
	}
	return matches, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkFault("list", collection); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		docs = append(docs, doc.Clone())
	}
	return docs, nil
}

// ConditionalCreate implements Store. The write is atomic with respect to
// every other operation on the store.
func (s *MemoryStore) ConditionalCreate(ctx context.Context, collection, id string, doc Document) (Document, bool, error) {
	s.mu.Lock()
	if err := s.checkFault("conditional_create", collection); err != nil {
		s.mu.Unlock()
		return Document{}, false, err
	}
	now := s.clock().UTC().Unix()
	existing, ok := s.collections[collection][id]
	if ok && !documentExpired(existing, now) {
		winner := existing.Clone()
		s.mu.Unlock()
		return winner, false, nil
	}
	doc.ID = id
	doc.Version = existing.Version + 1
	doc.UpdatedAtSeconds = now
	s.storeLocked(collection, doc)
	s.mu.Unlock()

	s.publish(Event{Type: EventCreated, Collection: collection, Document: doc.Clone()})
	return doc.Clone(), true, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, collection string) (<-chan Event, func()) {
	stream := make(chan Event, eventBufferSize)

	s.subMu.Lock()
	s.nextSubID++
	subscriberID := s.nextSubID
	if _, ok := s.subscribers[collection]; !ok {
		s.subscribers[collection] = make(map[int64]chan Event)
	}
	s.subscribers[collection][subscriberID] = stream
	s.subMu.Unlock()

	done := make(chan struct{})
	cancel := func() {
		s.subMu.Lock()
		subscribers := s.subscribers[collection]
		if subscribers != nil {
			if _, ok := subscribers[subscriberID]; ok {
				delete(subscribers, subscriberID)
				close(done)
			}
			if len(subscribers) == 0 {
				delete(s.subscribers, collection)
			}
		}
		s.subMu.Unlock()
	}
	if ctx != nil {
		// The watcher must not outlive an explicit cancel, so it also waits
		// on the subscription's own done signal.
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return stream, cancel
}

func (s *MemoryStore) storeLocked(collection string, doc Document) {
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = make(map[string]Document)
	}
	s.collections[collection][doc.ID] = doc.Clone()
}

func (s *MemoryStore) publish(event Event) {
	s.subMu.RLock()
	subscribers := s.subscribers[event.Collection]
	streams := make([]chan Event, 0, len(subscribers))
	for _, stream := range subscribers {
		streams = append(streams, stream)
	}
	s.subMu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

func documentExpired(doc Document, now int64) bool {
	expiry := NumberField(doc, FieldExpiresAt)
	return expiry > 0 && expiry <= now
}

// NumberField reads a numeric document field, tolerating the integer and
// float representations that survive JSON decoding.
func NumberField(doc Document, field string) int64 {
	switch value := doc.Fields[field].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// StringField reads a string document field, returning "" for other types.
func StringField(doc Document, field string) string {
	value, _ := doc.Fields[field].(string)
	return value
}
