// Package repositories persists engine state: the durable snapshot of
// users and groups, and the message archive.
package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"italk-core/errors"
)

// State is the structural snapshot form. Loading rebuilds fresh
// collections, so the order of Users is not significant.
type State struct {
	Users  []UserRecord  `json:"users"`
	Groups []GroupRecord `json:"groups"`
}

type UserRecord struct {
	ID        string            `json:"id"`
	Username  string            `json:"username"`
	Metadata  map[string]string `json:"metadata"`
	Connected bool              `json:"connected"`
}

type GroupRecord struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type StateRepository interface {
	Save(state State) error
	Load() (State, error)
}

// FileStateRepository keeps the snapshot in a single JSON file. Save
// writes a temp file in the same directory and renames it over the
// target, so a crash mid-write never leaves a truncated snapshot.
type FileStateRepository struct {
	path string
	log  *slog.Logger
}

func NewFileStateRepository(path string, log *slog.Logger) *FileStateRepository {
	return &FileStateRepository{path: path, log: log}
}

func (f *FileStateRepository) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	return nil
}

// Load returns an empty State when the snapshot file does not exist
// yet (first run).
func (f *FileStateRepository) Load() (State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.log.Info("No snapshot found, starting with an empty state", "path", f.path)
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	var state State
	if err = json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	return state, nil
}

const stateKey = "engine:state"

// BadgerStateRepository keeps the snapshot under a fixed key in
// BadgerDB, for deployments already running on Badger.
type BadgerStateRepository struct {
	db *badger.DB
}

func NewBadgerStateRepository(db *badger.DB) *BadgerStateRepository {
	return &BadgerStateRepository{db: db}
}

func (b *BadgerStateRepository) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	return nil
}

func (b *BadgerStateRepository) Load() (State, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	var state State
	if err = json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	return state, nil
}
