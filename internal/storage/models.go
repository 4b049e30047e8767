package storage

import (
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Namespaces used by fieldsync. Each logical store owns exactly one.
const (
	NamespaceQueue  = "sync-queue"
	NamespaceDrafts = "drafts"
)

// RecordStore is a namespaced key/value store. A successful Set or Delete is
// durable once it returns.
type RecordStore interface {
	Get(namespace, key string) ([]byte, error)
	Set(namespace, key string, value []byte) error
	Delete(namespace, key string) error
	Keys(namespace string) ([]string, error)
	Close() error
}
