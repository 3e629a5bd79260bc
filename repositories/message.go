package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

type IMessageRepository interface {
	Store(message ArchivedMessage) error
	Recent() ([]ArchivedMessage, error)
}

// ArchivedMessage is the repository-level form of a message. The
// snapshot never contains messages; the archive is where history
// lives.
type ArchivedMessage struct {
	ID      uuid.UUID `json:"id"`
	Author  string    `json:"author"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type MessageRepository struct {
	db    *badger.DB
	log   *slog.Logger
	limit *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limit *int) MessageRepository {
	return MessageRepository{db: db, log: log, limit: limit}
}

// Store persists a message in BadgerDB.
// The key is formatted as "msg:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding
//     (lexicographical order).
//  2. Prevent data loss by using the UUID as a collision disconnector
//     if two messages arrive at the same nanosecond.
func (m MessageRepository) Store(message ArchivedMessage) error {
	key := fmt.Sprintf("msg:%019d:%s", message.At.UnixNano(), message.ID)
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Recent retrieves messages newest first using a reverse prefix scan.
// Thanks to the padded timestamp in the key, messages are naturally
// sorted by time. It stops once the configured limit is reached.
func (m MessageRepository) Recent() ([]ArchivedMessage, error) {
	var messages []ArchivedMessage
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte("msg:")
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible key, then walk backwards
		seekKey := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if m.limit != nil && len(messages) == *m.limit {
				m.log.Debug(fmt.Sprintf("Maximum of %d archived messages reached", *m.limit))
				break
			}
			var message ArchivedMessage
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &message)
			})
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	return messages, err
}
