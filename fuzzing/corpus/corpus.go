// Package corpus stores failing traces so that they can be replayed and minimized after the campaign that found them.
package corpus

import (
	"encoding/hex"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/crytic/ammfuzz/utils"
	"github.com/fxamacker/cbor"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

// DefaultFileName is the name of the trace database inside the failure directory.
const DefaultFileName = "traces.db"

var (
	tracesBucket       = []byte("traces")
	fingerprintsBucket = []byte("fingerprints")
)

// ErrTraceNotFound is returned when no trace is stored under an id.
var ErrTraceNotFound = errors.New("trace not found")

// Step is one operation of a stored trace. Arguments are decimal strings so that 256-bit values survive any decoder.
type Step struct {
	Operation string   `cbor:"op"`
	Args      []string `cbor:"args"`
}

// Entry is a stored trace together with the failure it reproduces.
type Entry struct {
	// ID is the id of the failure record the trace belongs to.
	ID string `cbor:"id"`
	// Failure is the name of the failure the trace reproduces.
	Failure string `cbor:"failure"`
	// Steps are the operations of the trace, in execution order.
	Steps []Step `cbor:"steps"`
	// Seed is the campaign seed the trace was generated under.
	Seed int64 `cbor:"seed"`
	// Shrunk is true once the trace has been minimized.
	Shrunk bool `cbor:"shrunk"`
	// OriginalLength is the step count before minimization.
	OriginalLength int `cbor:"originalLength"`
	// Created is the unix time the entry was stored at.
	Created int64 `cbor:"created"`
}

// Fingerprint identifies the failure and steps of an entry, ignoring bookkeeping fields. Two entries with the same
// fingerprint reproduce the same failure with the same operations.
func (e *Entry) Fingerprint() ([blake2b.Size256]byte, error) {
	b, err := cbor.Marshal(struct {
		Failure string `cbor:"failure"`
		Steps   []Step `cbor:"steps"`
	}{e.Failure, e.Steps}, cbor.CanonicalEncOptions())
	if err != nil {
		return [blake2b.Size256]byte{}, errors.WithStack(err)
	}
	return blake2b.Sum256(b), nil
}

// Store is a trace database. It is safe for concurrent use.
type Store struct {
	db     *bbolt.DB
	path   string
	logger *logging.Logger

	// writeLock serializes the fingerprint check with the insert.
	writeLock sync.Mutex
}

// Open opens or creates the trace database at path, creating its directory if needed.
func Open(path string) (*Store, error) {
	if err := utils.MakeDirectory(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open trace store %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tracesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(fingerprintsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return &Store{
		db:     db,
		path:   path,
		logger: logging.GlobalLogger.NewSubLogger("module", logging.CORPUS_SERVICE),
	}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Put stores an entry. If an entry with the same fingerprint is already stored, nothing is written and the id of the
// existing entry is returned with added set to false.
func (s *Store) Put(entry *Entry) (id string, added bool, err error) {
	if entry.ID == "" {
		return "", false, errors.New("trace entry has no id")
	}
	fingerprint, err := entry.Fingerprint()
	if err != nil {
		return "", false, err
	}
	if entry.Created == 0 {
		entry.Created = time.Now().Unix()
	}
	encoded, err := cbor.Marshal(entry, cbor.CanonicalEncOptions())
	if err != nil {
		return "", false, errors.WithStack(err)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		fingerprints := tx.Bucket(fingerprintsBucket)
		if existing := fingerprints.Get(fingerprint[:]); existing != nil {
			id = string(existing)
			return nil
		}
		if err := tx.Bucket(tracesBucket).Put([]byte(entry.ID), encoded); err != nil {
			return err
		}
		id, added = entry.ID, true
		return fingerprints.Put(fingerprint[:], []byte(entry.ID))
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "could not store trace %s", entry.ID)
	}
	if added {
		s.logger.Debug("Stored trace ", colors.Bold, entry.ID, colors.Reset, " (", len(entry.Steps), " steps, fingerprint ",
			hex.EncodeToString(fingerprint[:8]), ")")
	} else {
		s.logger.Debug("Trace for ", entry.ID, " duplicates stored trace ", id)
	}
	return id, added, nil
}

// Get returns the entry stored under id, or ErrTraceNotFound.
func (s *Store) Get(id string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(tracesBucket).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(ErrTraceNotFound, "%s", id)
		}
		entry = &Entry{}
		return cbor.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Entries returns every stored entry, oldest first.
func (s *Store) Entries() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tracesBucket).ForEach(func(k, v []byte) error {
			entry := &Entry{}
			if err := cbor.Unmarshal(v, entry); err != nil {
				return errors.Wrapf(err, "could not decode trace %s", k)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Created < entries[j].Created })
	return entries, nil
}

// Delete removes the entry stored under id and its fingerprint, or returns ErrTraceNotFound.
func (s *Store) Delete(id string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		traces := tx.Bucket(tracesBucket)
		data := traces.Get([]byte(id))
		if data == nil {
			return errors.Wrapf(ErrTraceNotFound, "%s", id)
		}
		entry := &Entry{}
		if err := cbor.Unmarshal(data, entry); err != nil {
			return errors.Wrapf(err, "could not decode trace %s", id)
		}
		fingerprint, err := entry.Fingerprint()
		if err != nil {
			return err
		}
		fingerprints := tx.Bucket(fingerprintsBucket)
		if string(fingerprints.Get(fingerprint[:])) == id {
			if err := fingerprints.Delete(fingerprint[:]); err != nil {
				return err
			}
		}
		return traces.Delete([]byte(id))
	})
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(tracesBucket).Stats().KeyN
		return nil
	})
	return n, errors.WithStack(err)
}

// Close closes the database.
func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}
