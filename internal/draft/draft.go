// Package draft keeps in-progress form state on the device until the user
// submits or discards it. Drafts are never sent anywhere.
package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/fieldsync/internal/storage"
)

var (
	// ErrNotFound is returned when no draft exists for the key.
	ErrNotFound = errors.New("draft not found")
	// ErrInvalidKey is returned for an empty form type or entity id, or one containing ':'.
	ErrInvalidKey = errors.New("invalid draft key")
	// ErrInvalidPayload is returned when the payload is not valid JSON.
	ErrInvalidPayload = errors.New("draft payload must be valid JSON")
)

// Draft is the saved state of one form.
type Draft struct {
	FormType  string          `json:"form_type"`
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Cache stores drafts under "{formType}:{entityId}" in the drafts namespace.
type Cache struct {
	mu    sync.Mutex
	store storage.RecordStore
	now   func() time.Time
}

// New returns a Cache backed by store.
func New(store storage.RecordStore) *Cache {
	return &Cache{store: store, now: time.Now}
}

// Key builds the storage key for a form.
func Key(formType, entityID string) (string, error) {
	if formType == "" || entityID == "" || strings.Contains(formType, ":") {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, formType, entityID)
	}
	return formType + ":" + entityID, nil
}

func (c *Cache) Save(formType, entityID string, payload json.RawMessage) error {
	key, err := Key(formType, entityID)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}

	d := Draft{
		FormType:  formType,
		EntityID:  entityID,
		Payload:   payload,
		UpdatedAt: c.now().UTC(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding draft: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Set(storage.NamespaceDrafts, key, data); err != nil {
		return fmt.Errorf("saving draft %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Get(formType, entityID string) (Draft, error) {
	key, err := Key(formType, entityID)
	if err != nil {
		return Draft{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (Draft, error) {
	data, err := c.store.Get(storage.NamespaceDrafts, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("loading draft %s: %w", key, err)
	}
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return Draft{}, fmt.Errorf("decoding draft %s: %w", key, err)
	}
	return d, nil
}

// Clear deletes one draft. Clearing a missing draft is not an error.
func (c *Cache) Clear(formType, entityID string) error {
	key, err := Key(formType, entityID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(storage.NamespaceDrafts, key); err != nil {
		return fmt.Errorf("clearing draft %s: %w", key, err)
	}
	return nil
}

// ClearAll deletes every draft.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(storage.NamespaceDrafts)
	if err != nil {
		return fmt.Errorf("listing drafts: %w", err)
	}
	for _, k := range keys {
		if err := c.store.Delete(storage.NamespaceDrafts, k); err != nil {
			return fmt.Errorf("clearing draft %s: %w", k, err)
		}
	}
	return nil
}

// List returns every draft ordered by key.
func (c *Cache) List() ([]Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(storage.NamespaceDrafts)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	out := make([]Draft, 0, len(keys))
	for _, k := range keys {
		d, err := c.getLocked(k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
