// Package store persists a node's Raft metadata, its append-only log,
// and the materialized user/message tables in a single Badger database.
// The store is single-writer within one node; every mutating method is
// one synchronous transaction, so a successful return means the data
// survives a process crash.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/courier-chat/courier/pkg/raft"
)

// Key prefixes. Fixed-width big-endian ids keep prefix scans ordered.
var (
	keyTerm    = []byte("m:term")
	keyVote    = []byte("m:vote")
	keyApplied = []byte("m:applied")
	keyMaxIDs  = []byte("m:maxids")

	prefixLog     = []byte("l:")
	prefixUser    = []byte("u:")
	prefixMessage = []byte("g:")
)

// UserRow is the durable form of a user, including the per-user unread
// set and recent-conversant list so indices can be rebuilt on startup.
type UserRow struct {
	ID           uint32   `json:"id"`
	Username     string   `json:"username"`
	PasswordHash []byte   `json:"password_hash"`
	Unread       []uint32 `json:"unread,omitempty"`
	Recents      []uint32 `json:"recents,omitempty"`
}

// MessageRow is the durable form of a message.
type MessageRow struct {
	ID         uint32 `json:"id"`
	SenderID   uint32 `json:"sender"`
	ReceiverID uint32 `json:"receiver"`
	Content    string `json:"content"`
	Read       bool   `json:"read"`
	Timestamp  int64  `json:"ts"`
}

// Store wraps one Badger database, opened by exactly one process per node.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store in dir with synchronous writes.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTerm durably records the current term and vote. Raft must not
// respond to any RPC that uses these until this returns.
func (s *Store) SaveTerm(term uint64, votedFor string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyTerm, encodeUint64(term)); err != nil {
			return err
		}
		return txn.Set(keyVote, []byte(votedFor))
	})
}

// LoadTerm returns the persisted term and vote, zero values if absent.
func (s *Store) LoadTerm() (uint64, string, error) {
	var term uint64
	var vote string

	err := s.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get(keyTerm); err == nil {
			if err := item.Value(func(v []byte) error {
				term = decodeUint64(v)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if item, err := txn.Get(keyVote); err == nil {
			if err := item.Value(func(v []byte) error {
				vote = string(v)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to load term: %w", err)
	}
	return term, vote, nil
}

// Applied returns the index of the last entry whose effects are durable
// in the user/message tables.
func (s *Store) Applied() (uint64, error) {
	var applied uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyApplied)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			applied = decodeUint64(v)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load applied index: %w", err)
	}
	return applied, nil
}

// MaxIDs returns the persisted id high-water marks. They outlive the
// rows that carried them so ids are never reused after deletion.
func (s *Store) MaxIDs() (maxUser, maxMessage uint32, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyMaxIDs)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) == 8 {
				maxUser = binary.BigEndian.Uint32(v[:4])
				maxMessage = binary.BigEndian.Uint32(v[4:])
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load id marks: %w", err)
	}
	return maxUser, maxMessage, nil
}

// AppendEntries durably appends log entries. Entries are keyed by index,
// so re-appending an index overwrites it (used after truncation).
func (s *Store) AppendEntries(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			val, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := txn.Set(logKey(e.Index), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateFrom deletes every log entry with index >= from.
func (s *Store) TruncateFrom(from uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixLog})
		defer it.Close()

		var doomed [][]byte
		for it.Seek(logKey(from)); it.Valid(); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entries returns the whole log in ascending index order.
func (s *Store) Entries() ([]raft.LogEntry, error) {
	var entries []raft.LogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixLog})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			index := decodeUint64(item.Key()[len(prefixLog):])
			err := item.Value(func(v []byte) error {
				e, err := decodeEntry(index, v)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}
	return entries, nil
}

// Users returns every user row.
func (s *Store) Users() ([]UserRow, error) {
	var rows []UserRow
	err := s.scanJSON(prefixUser, func(v []byte) error {
		var row UserRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return rows, nil
}

// Messages returns every message row.
func (s *Store) Messages() ([]MessageRow, error) {
	var rows []MessageRow
	err := s.scanJSON(prefixMessage, func(v []byte) error {
		var row MessageRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	return rows, nil
}

func (s *Store) scanJSON(prefix []byte, fn func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// Txn batches the row writes of one applied log entry with the applied
// marker, so an entry's effects become durable atomically.
type Txn struct {
	txn *badger.Txn
}

// Update runs fn inside one read-write transaction.
func (s *Store) Update(fn func(tx *Txn) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
}

// UpsertUser writes a user row.
func (tx *Txn) UpsertUser(row UserRow) error {
	val, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return tx.txn.Set(userKey(row.ID), val)
}

// DeleteUser removes a user row.
func (tx *Txn) DeleteUser(id uint32) error {
	return tx.txn.Delete(userKey(id))
}

// UpsertMessage writes a message row.
func (tx *Txn) UpsertMessage(row MessageRow) error {
	val, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return tx.txn.Set(messageKey(row.ID), val)
}

// DeleteMessage removes a message row.
func (tx *Txn) DeleteMessage(id uint32) error {
	return tx.txn.Delete(messageKey(id))
}

// SetApplied records the last applied log index.
func (tx *Txn) SetApplied(index uint64) error {
	return tx.txn.Set(keyApplied, encodeUint64(index))
}

// SetMaxIDs records the id high-water marks.
func (tx *Txn) SetMaxIDs(maxUser, maxMessage uint32) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[:4], maxUser)
	binary.BigEndian.PutUint32(b[4:], maxMessage)
	return tx.txn.Set(keyMaxIDs, b)
}

// Log entry value layout: 8-byte term, 1-byte entry type, command bytes.

func encodeEntry(e raft.LogEntry) ([]byte, error) {
	buf := make([]byte, 9+len(e.Command))
	binary.BigEndian.PutUint64(buf[:8], e.Term)
	buf[8] = byte(e.Type)
	copy(buf[9:], e.Command)
	return buf, nil
}

func decodeEntry(index uint64, v []byte) (raft.LogEntry, error) {
	if len(v) < 9 {
		return raft.LogEntry{}, fmt.Errorf("corrupt log entry at index %d", index)
	}
	e := raft.LogEntry{
		Index: index,
		Term:  binary.BigEndian.Uint64(v[:8]),
		Type:  raft.EntryType(v[8]),
	}
	if len(v) > 9 {
		e.Command = append([]byte(nil), v[9:]...)
	}
	return e, nil
}

func logKey(index uint64) []byte {
	k := make([]byte, len(prefixLog)+8)
	copy(k, prefixLog)
	binary.BigEndian.PutUint64(k[len(prefixLog):], index)
	return k
}

func userKey(id uint32) []byte {
	k := make([]byte, len(prefixUser)+4)
	copy(k, prefixUser)
	binary.BigEndian.PutUint32(k[len(prefixUser):], id)
	return k
}

func messageKey(id uint32) []byte {
	k := make([]byte, len(prefixMessage)+4)
	copy(k, prefixMessage)
	binary.BigEndian.PutUint32(k[len(prefixMessage):], id)
	return k
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
