package workspace

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"

	"ridsans/internal/models"
)

// ErrNotFound is returned by Store.Get for unknown keys.
var ErrNotFound = errors.New("result not found")

const resultPrefix = "result/"

// Result is a reduced measurement kept in the store.
type Result struct {
	Name        string
	QRange      string
	Branch      string
	TSample     float64
	TCan        float64
	Intensity   []float64
	Uncertainty []float64
	Warnings    []string
	Handle      Handle
	CreatedAt   time.Time
}

// Field rebuilds the corrected field of a stored result.
func (res *Result) Field() (*models.CorrectedField, error) {
	branch, err := models.ParseBranch(res.Branch)
	if err != nil {
		return nil, err
	}
	return &models.CorrectedField{
		Name:     res.Name,
		I:        res.Intensity,
		DI:       res.Uncertainty,
		TSample:  res.TSample,
		TCan:     res.TCan,
		QRange:   res.QRange,
		Branch:   branch,
		Warnings: res.Warnings,
	}, nil
}

// Store caches reduced results in BadgerDB so that re-running a batch
// does not re-parse and re-combine unchanged inputs.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenStore opens the store in dir. An empty dir keeps the store in memory
// for the lifetime of the process.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key derives the cache key of a reduction from the sample name and the
// checksums of all its input files, so that a changed input invalidates it.
func Key(name string, checksums ...string) string {
	h := blake3.New()
	for _, c := range checksums {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return resultPrefix + name + "/" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Get loads the result stored under key.
func (s *Store) Get(ctx context.Context, key string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res Result
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&res)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", key, err)
	}
	return &res, nil
}

// Put stores res under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return fmt.Errorf("encode result %s: %w", key, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf.Bytes())
	}); err != nil {
		return fmt.Errorf("write result %s: %w", key, err)
	}
	return nil
}

// Delete removes the results of a sample name, whatever their inputs.
func (s *Store) Delete(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := []byte(resultPrefix + name + "/")
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(keys), err
}

// Names lists the sample names with stored results.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(resultPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), resultPrefix)
			name := rest[:strings.LastIndex(rest, "/")]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		return nil
	})
	return names, err
}

// GetOrLoad returns the result under key, or runs load and stores its
// result when the key is unknown or force is set. cached reports whether
// the stored value was used.
func (s *Store) GetOrLoad(ctx context.Context, key string, force bool, load func(context.Context) (*Result, error)) (res *Result, cached bool, err error) {
	if !force {
		res, err = s.Get(ctx, key)
		if err == nil {
			s.logger.Debug("Using stored result", "key", key)
			return res, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	res, err = load(ctx)
	if err != nil {
		return nil, false, err
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if err := s.Put(ctx, key, res); err != nil {
		return nil, false, err
	}
	return res, false, nil
}
