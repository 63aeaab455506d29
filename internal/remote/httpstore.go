package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 20 * time.Second
	defaultPollInterval   = 5 * time.Second
)

// HTTPStoreConfig describes a document-store gateway connection.
type HTTPStoreConfig struct {
	BaseURL      string
	APIToken     string
	HTTPClient   *http.Client
	PollInterval time.Duration
	Logger       *zap.Logger
}

// HTTPStore talks to the hosted document database through its JSON gateway.
// It performs no retries itself; retry policy lives in the sync queue.
type HTTPStore struct {
	baseURL      string
	apiToken     string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewHTTPStore constructs a gateway client.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote: gateway base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPStore{
		baseURL:      baseURL,
		apiToken:     strings.TrimSpace(cfg.APIToken),
		httpClient:   httpClient,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

type documentPayload struct {
	ID               string         `json:"id"`
	Version          int64          `json:"version"`
	UpdatedAtSeconds int64          `json:"updated_at_s"`
	Fields           map[string]any `json:"fields"`
}

type writeRequestPayload struct {
	Document    documentPayload `json:"document"`
	BaseVersion int64           `json:"base_version"`
}

type conditionalResponsePayload struct {
	Accepted bool            `json:"accepted"`
	Document documentPayload `json:"document"`
}

type eventPayload struct {
	Type     string          `json:"type"`
	Cursor   string          `json:"cursor"`
	Document documentPayload `json:"document"`
}

type eventsResponsePayload struct {
	Events []eventPayload `json:"events"`
	Cursor string         `json:"cursor"`
}

func toDocument(payload documentPayload) Document {
	return Document{
		ID:               payload.ID,
		Version:          payload.Version,
		UpdatedAtSeconds: payload.UpdatedAtSeconds,
		Fields:           payload.Fields,
	}
}

func fromDocument(doc Document) documentPayload {
	return documentPayload{
		ID:               doc.ID,
		Version:          doc.Version,
		UpdatedAtSeconds: doc.UpdatedAtSeconds,
		Fields:           doc.Fields,
	}
}

// Get implements Store.
func (s *HTTPStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var payload documentPayload
	err := s.do(ctx, http.MethodGet, s.documentPath(collection, id), nil, &payload)
	if err != nil {
		return Document{}, err
	}
	return toDocument(payload), nil
}

// Create implements Store.
func (s *HTTPStore) Create(ctx context.Context, collection string, doc Document) (Document, error) {
	request := writeRequestPayload{Document: fromDocument(doc)}
	var payload documentPayload
	err := s.do(ctx, http.MethodPost, s.collectionPath(collection), request, &payload)
	if err != nil {
		return Document{}, err
	}
	return toDocument(payload), nil
}

// Put implements Store.
func (s *HTTPStore) Put(ctx context.Context, collection string, doc Document, baseVersion int64) (Document, error) {
	request := writeRequestPayload{Document: fromDocument(doc), BaseVersion: baseVersion}
	var payload documentPayload
	err := s.do(ctx, http.MethodPut, s.documentPath(collection, doc.ID), request, &payload)
	if err != nil {
		if conflict, ok := AsVersionConflict(err); ok {
			conflict.Collection = collection
			conflict.DocumentID = doc.ID
			conflict.BaseVersion = baseVersion
			return Document{}, conflict
		}
		return Document{}, err
	}
	return toDocument(payload), nil
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	err := s.do(ctx, http.MethodDelete, s.documentPath(collection, id), nil, nil)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Query implements Store.
func (s *HTTPStore) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	query := url.Values{}
	query.Set("field", field)
	query.Set("value", fmt.Sprintf("%v", value))
	return s.listPath(ctx, s.collectionPath(collection)+"?"+query.Encode())
}

// List implements Store.
func (s *HTTPStore) List(ctx context.Context, collection string) ([]Document, error) {
	return s.listPath(ctx, s.collectionPath(collection))
}

func (s *HTTPStore) listPath(ctx context.Context, path string) ([]Document, error) {
	var payload struct {
		Documents []documentPayload `json:"documents"`
	}
	if err := s.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	documents := make([]Document, 0, len(payload.Documents))
	for _, doc := range payload.Documents {
		documents = append(documents, toDocument(doc))
	}
	return documents, nil
}

// ConditionalCreate implements Store. The gateway evaluates the
// absent-or-expired condition inside a single transaction.
func (s *HTTPStore) ConditionalCreate(ctx context.Context, collection, id string, doc Document) (Document, bool, error) {
	request := writeRequestPayload{Document: fromDocument(doc)}
	var payload conditionalResponsePayload
	err := s.do(ctx, http.MethodPost, s.documentPath(collection, id)+"/conditional", request, &payload)
	if err != nil {
		return Document{}, false, err
	}
	return toDocument(payload.Document), payload.Accepted, nil
}

// Subscribe implements Store by polling the gateway's change feed.
func (s *HTTPStore) Subscribe(ctx context.Context, collection string) (<-chan Event, func()) {
	stream := make(chan Event, eventBufferSize)
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancelPoll()
			case <-pollCtx.Done():
			}
		}()
	}

	go func() {
		defer close(stream)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		cursor := ""
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
			next, events, err := s.pollEvents(pollCtx, collection, cursor)
			if err != nil {
				s.logger.Warn("change feed poll failed",
					zap.String("collection", collection), zap.Error(err))
				continue
			}
			cursor = next
			for _, event := range events {
				select {
				case stream <- event:
				default:
				}
			}
		}
	}()

	return stream, cancelPoll
}

func (s *HTTPStore) pollEvents(ctx context.Context, collection, cursor string) (string, []Event, error) {
	path := s.collectionPath(collection) + "/events"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var payload eventsResponsePayload
	if err := s.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return cursor, nil, err
	}
	events := make([]Event, 0, len(payload.Events))
	for _, event := range payload.Events {
		events = append(events, Event{
			Type:       EventType(event.Type),
			Collection: collection,
			Document:   toDocument(event.Document),
		})
	}
	return payload.Cursor, events, nil
}

func (s *HTTPStore) collectionPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/documents"
}

func (s *HTTPStore) documentPath(collection, id string) string {
	return s.collectionPath(collection) + "/" + url.PathEscape(id)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	operation := method + " " + path
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encoding request for %s: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: building request for %s: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if s.apiToken != "" {
		request.Header.Set("Authorization", "Bearer "+s.apiToken)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return &TransientError{Operation: operation, Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return &PermissionError{Operation: operation, Err: fmt.Errorf("status %d", response.StatusCode)}
	case response.StatusCode == http.StatusConflict:
		var payload documentPayload
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			return &VersionConflictError{}
		}
		return &VersionConflictError{
			RemoteVersion: payload.Version,
			Remote:        toDocument(payload),
		}
	case response.StatusCode >= http.StatusInternalServerError:
		return &TransientError{Operation: operation, Err: fmt.Errorf("status %d", response.StatusCode)}
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("remote: %s returned status %d", operation, response.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decoding response for %s: %w", operation, err)
	}
	return nil
}
