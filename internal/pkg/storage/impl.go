package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

const DefaultNamespace = "relayduel"

var ErrStorageUnavailable = errors.New("storage unavailable")

// Storage is the key-value capability the client persists identity and room
// data through.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
}

type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items: map[string]string{},
	}
}

func (s *MemoryStorage) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[key]

	return value, ok, nil
}

func (s *MemoryStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = value

	return nil
}

type BoltStorage struct {
	DatabaseService *common.DatabaseService
}

func NewBoltStorage(i do.Injector) (*BoltStorage, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)

	return &BoltStorage{
		DatabaseService: databaseService,
	}, nil
}

func (s *BoltStorage) GetItem(key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		items, err := common.Bucket(tx, common.StorageItemsBucket)
		if err != nil {
			return err
		}

		raw := items.Get([]byte(key))
		if raw != nil {
			value = string(raw)
			found = true
		}

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to read %s: %w", ErrStorageUnavailable, key, err)
	}

	return value, found, nil
}

func (s *BoltStorage) SetItem(key, value string) error {
	err := s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		items, err := common.Bucket(tx, common.StorageItemsBucket)
		if err != nil {
			return err
		}

		return items.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: failed to write %s: %w", ErrStorageUnavailable, key, err)
	}

	return nil
}

// Namespaced prefixes every key so several clients can share one backend.
type Namespaced struct {
	Backend   Storage
	Namespace string
}

func NewNamespaced(backend Storage, namespace string) *Namespaced {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &Namespaced{
		Backend:   backend,
		Namespace: namespace,
	}
}

func (s *Namespaced) key(key string) string {
	return s.Namespace + ":" + key
}

func (s *Namespaced) GetItem(key string) (string, bool, error) {
	if s.Backend == nil {
		return "", false, ErrStorageUnavailable
	}

	//nolint:wrapcheck
	return s.Backend.GetItem(s.key(key))
}

func (s *Namespaced) SetItem(key, value string) error {
	if s.Backend == nil {
		return ErrStorageUnavailable
	}

	//nolint:wrapcheck
	return s.Backend.SetItem(s.key(key), value)
}
