package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/target-evidence-core/internal/domain"
)

// Key layout:
//
//	audit/<unix nanos, big endian>/<id>       -> JSON record
//	session/<session id>/<nanos>/<id>         -> primary key
//	id/<id>                                   -> primary key
var (
	recordPrefix  = []byte("audit/")
	sessionPrefix = []byte("session/")
	idPrefix      = []byte("id/")
)

// BadgerStore is an embedded, time-ordered audit log for single-node deployments
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates the log under dir. An empty dir keeps
// everything in memory.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, "audit.OpenBadgerStore", fmt.Errorf("failed to open BadgerDB: %w", err))
	}
	return &BadgerStore{db: db}, nil
}

func timeKey(prefix []byte, t time.Time, id string) []byte {
	key := make([]byte, 0, len(prefix)+8+1+len(id))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(t.UnixNano()))
	key = append(key, '/')
	return append(key, id...)
}

func sessionKeyPrefix(sessionID string) []byte {
	return append(append(append([]byte(nil), sessionPrefix...), sessionID...), '/')
}

// Append implements domain.AuditStore
func (s *BadgerStore) Append(ctx context.Context, r *domain.AuditRecord) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	primary := timeKey(recordPrefix, r.Timestamp, r.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		idKey := append(append([]byte(nil), idPrefix...), r.ID...)
		_, err := txn.Get(idKey)
		if err == nil {
			return duplicate(r.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(primary, data); err != nil {
			return err
		}
		if err := txn.Set(idKey, primary); err != nil {
			return err
		}
		return txn.Set(timeKey(sessionKeyPrefix(r.SessionID), r.Timestamp, r.ID), primary)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindConflictingWrite) {
			return err
		}
		return domain.WrapError(domain.KindStorageUnavailable, "audit.Append", err)
	}
	return nil
}

// ByTimeRange implements domain.AuditStore. Both bounds are inclusive.
func (s *BadgerStore) ByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.AuditRecord, error) {
	var out []*domain.AuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		start := timeKey(recordPrefix, from, "")
		end := to.UnixNano()
		for it.Seek(start); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			if int64(binary.BigEndian.Uint64(key[len(recordPrefix):])) > end {
				break
			}
			r, err := decode(it.Item())
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, "audit.ByTimeRange", err)
	}
	return out, nil
}

// BySession implements domain.AuditStore
func (s *BadgerStore) BySession(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error) {
	var out []*domain.AuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionKeyPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			primary, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(primary)
			if err != nil {
				return err
			}
			r, err := decode(item)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, "audit.BySession", err)
	}
	return out, nil
}

func decode(item *badger.Item) (*domain.AuditRecord, error) {
	r := &domain.AuditRecord{}
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, r)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode audit record: %w", err)
	}
	return r, nil
}

// Close flushes and closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
