package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	StorageItemsBucket  = "storage:items"
	ScorerRatingsBucket = "scorer:ratings"
	ScorerCountBucket   = "scorer:count"

	databaseFile = "relayduel.db"
	lockTimeout  = time.Second
)

var ErrMissingBucket = errors.New("bucket doesn't exist")

// Buckets lists every bucket OpenDatabase guarantees.
var Buckets = []string{
	StorageItemsBucket,
	ScorerRatingsBucket,
	ScorerCountBucket,
}

type DatabaseService struct {
	DB *bolt.DB
}

func NewDatabaseService(i do.Injector) (*DatabaseService, error) {
	return OpenDatabase(do.MustInvokeNamed[string](i, "data-dir"))
}

// OpenDatabase opens relayduel.db inside dataDir, creating the directory and
// the buckets on first use. A second process on the same directory fails
// after lockTimeout instead of blocking.
func OpenDatabase(dataDir string) (*DatabaseService, error) {
	err := os.MkdirAll(dataDir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, databaseFile), 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database in %s: %w", dataDir, err)
	}

	service := &DatabaseService{DB: db}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range Buckets {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = service.Shutdown()

		return nil, err
	}

	return service, nil
}

func (s *DatabaseService) Shutdown() error {
	err := s.DB.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Bucket looks up one of Buckets inside tx.
func Bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBucket, name)
	}

	return bucket, nil
}

type number interface {
	int64 | float64
}

// PutNumber stores v under key as 8 big-endian bytes.
func PutNumber[T number](bucket *bolt.Bucket, key string, v T) error {
	var bits uint64

	switch n := any(v).(type) {
	case float64:
		bits = math.Float64bits(n)
	case int64:
		bits = uint64(n) //nolint:gosec
	}

	buf := make([]byte, 8) //nolint:mnd
	binary.BigEndian.PutUint64(buf, bits)

	err := bucket.Put([]byte(key), buf)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	return nil
}

// GetNumber reads a value written by PutNumber. Missing or malformed values
// yield fallback.
func GetNumber[T number](bucket *bolt.Bucket, key string, fallback T) T {
	raw := bucket.Get([]byte(key))
	if len(raw) != 8 { //nolint:mnd
		return fallback
	}

	bits := binary.BigEndian.Uint64(raw)

	var out any = fallback

	switch any(fallback).(type) {
	case float64:
		out = math.Float64frombits(bits)
	case int64:
		out = int64(bits) //nolint:gosec
	}

	return out.(T) //nolint:forcetypeassert
}
