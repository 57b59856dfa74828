package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"tapbench/internal/report"
	"tapbench/internal/runner"
)

const (
	BucketRuns = "runs"

	// DefaultMaxItems bounds the history; the oldest runs are pruned first.
	DefaultMaxItems = 200
)

var ErrNotFound = errors.New("run not found")

// Store is the local run history.
type Store struct {
	db       *bbolt.DB
	filePath string
	MaxItems int
}

// DefaultPath is ~/.tapbench/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tapbench", "history.db"), nil
}

// NewStore opens the history at DefaultPath.
func NewStore() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Open opens (or creates) a history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	// Initialize Buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		filePath: path,
		MaxItems: DefaultMaxItems,
	}, nil
}

func (s *Store) Path() string { return s.filePath }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(item HistoryItem) error {
	if item.ID == "" {
		return errors.New("history item has no id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(item.ID), data); err != nil {
			return err
		}
		return prune(b, s.MaxItems)
	})
}

// prune drops the oldest keys beyond max.
func prune(b *bbolt.Bucket, max int) error {
	if max <= 0 {
		return nil
	}
	c := b.Cursor()
	n := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	extra := n - max
	if extra <= 0 {
		return nil
	}
	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < extra; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun stores the item with its per-trial rows.
func (s *Store) SaveRun(_ context.Context, item HistoryItem, records []runner.TrialRecord) error {
	item.Records = report.TrialsJSON(records)
	return s.Save(item)
}

// List returns runs newest first, without per-trial rows.
func (s *Store) List() ([]HistoryItem, error) {
	var items []HistoryItem

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketRuns)).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var item HistoryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			item.Records = nil
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *Store) Get(id string) (*HistoryItem, error) {
	var item HistoryItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketRuns)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}
