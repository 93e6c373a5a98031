package segment

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
)

func init() {
	// Column cells travel through gob as interface{} values.
	gob.Register(int64(0))
	gob.Register(int(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register("")
	gob.Register(time.Time{})
}

// Key layout: one key per segment artifact, mirroring the one-key-per-index
// scheme of the storage layer this was adapted from.
//
//	seg!<table>!<segment>!meta        -> storedMeta
//	seg!<table>!<segment>!col!<name>  -> []interface{}
const (
	keyPrefix   = "seg!"
	keySep      = "!"
	metaSuffix  = "meta"
	colInfix    = "col"
	loadWorkers = 4
)

type storedMeta struct {
	Meta  Metadata
	Order []string
}

// BadgerStore persists columnar segments in BadgerDB so a node can reload its
// tables across restarts.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a segment store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable BadgerDB logs for now

	// Segment loads are bulk sequential reads.
	opts.BlockCacheSize = 64 << 20
	opts.DetectConflicts = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func metaKey(table, name string) []byte {
	return []byte(keyPrefix + table + keySep + name + keySep + metaSuffix)
}

func colKey(table, name, col string) []byte {
	return []byte(keyPrefix + table + keySep + name + keySep + colInfix + keySep + col)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// SaveSegment writes the segment's metadata and every column.
func (s *BadgerStore) SaveSegment(table string, seg Segment) error {
	return s.db.Update(func(txn *badger.Txn) error {
		sm := storedMeta{Meta: *seg.Metadata(), Order: seg.Columns()}
		data, err := encode(sm)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", seg.Name(), err)
		}
		if err := txn.Set(metaKey(table, seg.Name()), data); err != nil {
			return err
		}
		for _, col := range seg.Columns() {
			values, ok := seg.Column(col)
			if !ok {
				return fmt.Errorf("segment %s missing column %s", seg.Name(), col)
			}
			data, err := encode(values)
			if err != nil {
				return fmt.Errorf("failed to encode column %s of %s: %w", col, seg.Name(), err)
			}
			if err := txn.Set(colKey(table, seg.Name(), col), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSegment removes all keys of one segment.
func (s *BadgerStore) DeleteSegment(table, name string) error {
	prefix := []byte(keyPrefix + table + keySep + name + keySep)
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// segmentNames lists the segments stored for a table.
func (s *BadgerStore) segmentNames(table string) ([]string, error) {
	prefix := []byte(keyPrefix + table + keySep)
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, string(prefix))
			parts := strings.SplitN(rest, keySep, 2)
			if len(parts) == 2 && parts[1] == metaSuffix {
				names = append(names, parts[0])
			}
		}
		return nil
	})
	return names, err
}

// LoadSegment reads one segment back from the store.
func (s *BadgerStore) LoadSegment(table, name string) (Segment, error) {
	var sm storedMeta
	columns := make(map[string][]interface{})

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(table, name))
		if err != nil {
			return fmt.Errorf("segment %s/%s not found: %w", table, name, err)
		}
		if err := item.Value(func(val []byte) error { return decode(val, &sm) }); err != nil {
			return fmt.Errorf("failed to decode metadata for %s: %w", name, err)
		}
		for _, col := range sm.Order {
			item, err := txn.Get(colKey(table, name, col))
			if err != nil {
				return fmt.Errorf("column %s of %s not found: %w", col, name, err)
			}
			var values []interface{}
			if err := item.Value(func(val []byte) error { return decode(val, &values) }); err != nil {
				return fmt.Errorf("failed to decode column %s of %s: %w", col, name, err)
			}
			columns[col] = values
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ColumnarSegment{
		meta:    sm.Meta,
		order:   sm.Order,
		columns: columns,
		numDocs: int(sm.Meta.TotalRawDocs),
	}, nil
}

// LoadTable loads every stored segment of the table, fetching segments
// concurrently.
func (s *BadgerStore) LoadTable(table string) ([]Segment, error) {
	names, err := s.segmentNames(table)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, len(names))
	var g errgroup.Group
	g.SetLimit(loadWorkers)
	for i, name := range names {
		i, name := i, name // per-iteration copies for the closure (pre-go1.22 loop semantics)
		g.Go(func() error {
			seg, err := s.LoadSegment(table, name)
			if err != nil {
				return err
			}
			segments[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return segments, nil
}

// Tables lists the table names present in the store.
func (s *BadgerStore) Tables() ([]string, error) {
	seen := make(map[string]bool)
	var tables []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, keyPrefix)
			parts := strings.SplitN(rest, keySep, 2)
			if len(parts) == 2 && !seen[parts[0]] {
				seen[parts[0]] = true
				tables = append(tables, parts[0])
			}
		}
		return nil
	})
	return tables, err
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
