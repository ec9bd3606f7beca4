// Package corpus persists trial records and their embedding vectors in Badger.
// The indexer writes both; API startup reads them back and hands them to the
// index builder, so a restart needs no provider calls.
package corpus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/endomatch/trialmatch/internal/models"
)

const (
	trialKeyPrefix  = "trial:"
	vectorKeyPrefix = "vec:"
)

// ErrNotFound is returned when a trial or vector key is absent.
var ErrNotFound = errors.New("corpus: not found")

// Store wraps a Badger database holding trial records and vectors.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

type storeConfig struct {
	inMemory bool
	logger   *slog.Logger
}

// Option configures Open.
type Option func(*storeConfig)

// WithInMemory opens an in-memory database (tests).
func WithInMemory() Option {
	return func(c *storeConfig) {
		c.inMemory = true
	}
}

// WithLogger routes Badger's internal logging to the given slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// badgerLoggerAdapter adapts slog.Logger to the badger.Logger interface.
// Badger's info chatter is demoted to debug; its warnings stay warnings.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens (or creates) the corpus store at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg := &storeConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	var badgerOpts badger.Options

	if cfg.inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create corpus dir: %w", err)
		}

		badgerOpts = badger.DefaultOptions(dir)
	}

	badgerOpts.Logger = &badgerLoggerAdapter{logger: cfg.logger}
	badgerOpts.Compression = options.None

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open corpus store: %w", err)
	}

	return &Store{db: db, logger: cfg.logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close corpus store: %w", err)
	}

	return nil
}

func trialKey(nctID string) []byte {
	return []byte(trialKeyPrefix + nctID)
}

func vectorKey(nctID string) []byte {
	return []byte(vectorKeyPrefix + nctID)
}

// PutTrials upserts trial records. Vectors are not stored here; PutVector owns
// the vec: keyspace so re-encoding never rewrites trial metadata.
func (s *Store) PutTrials(trials []models.TrialRecord) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, trial := range trials {
		if trial.NCTID == "" {
			return fmt.Errorf("trial record without nct id")
		}

		stored := trial
		stored.Vector = nil
		stored.EncoderVersion = ""

		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal trial %s: %w", trial.NCTID, err)
		}

		if err := wb.Set(trialKey(trial.NCTID), payload); err != nil {
			return fmt.Errorf("write trial %s: %w", trial.NCTID, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush trials: %w", err)
	}

	return nil
}

// ListTrials returns every stored trial, with its vector and encoder version
// attached when one has been persisted.
func (s *Store) ListTrials() ([]models.TrialRecord, error) {
	var trials []models.TrialRecord

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(trialKeyPrefix)

		iter := txn.NewIterator(iterOpts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var trial models.TrialRecord

			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &trial)
			})
			if err != nil {
				return fmt.Errorf("read trial %s: %w", iter.Item().Key(), err)
			}

			version, vec, err := readVector(txn, trial.NCTID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			trial.Vector = vec
			trial.EncoderVersion = version

			trials = append(trials, trial)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}

	return trials, nil
}

// PutVector stores the vector for nctID stamped with the encoder version that
// produced it.
func (s *Store) PutVector(nctID, encoderVersion string, vec []float32) error {
	if nctID == "" {
		return fmt.Errorf("vector without nct id")
	}

	payload, err := encodeVector(encoderVersion, vec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(vectorKey(nctID), payload)
	})
	if err != nil {
		return fmt.Errorf("write vector %s: %w", nctID, err)
	}

	return nil
}

// GetVector returns the stored vector and its encoder version for nctID.
// Fails with ErrNotFound when no vector has been persisted.
func (s *Store) GetVector(nctID string) (string, []float32, error) {
	var (
		version string
		vec     []float32
	)

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		version, vec, err = readVector(txn, nctID)

		return err
	})
	if err != nil {
		return "", nil, err
	}

	return version, vec, nil
}

// Count returns the number of stored trials.
func (s *Store) Count() (int, error) {
	count := 0

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(trialKeyPrefix)
		iterOpts.PrefetchValues = false

		iter := txn.NewIterator(iterOpts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count trials: %w", err)
	}

	return count, nil
}

func readVector(txn *badger.Txn, nctID string) (string, []float32, error) {
	item, err := txn.Get(vectorKey(nctID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil, fmt.Errorf("vector %s: %w", nctID, ErrNotFound)
	}

	if err != nil {
		return "", nil, fmt.Errorf("read vector %s: %w", nctID, err)
	}

	var (
		version string
		vec     []float32
	)

	err = item.Value(func(val []byte) error {
		version, vec, err = decodeVector(val)

		return err
	})
	if err != nil {
		return "", nil, fmt.Errorf("decode vector %s: %w", nctID, err)
	}

	return version, vec, nil
}

// Vector payload layout: uint16 version length, version bytes, then fixed-width
// little-endian float32s. No delimiter ambiguity, no JSON float round-tripping.
func encodeVector(encoderVersion string, vec []float32) ([]byte, error) {
	if len(encoderVersion) > math.MaxUint16 {
		return nil, fmt.Errorf("encoder version too long: %d bytes", len(encoderVersion))
	}

	buf := make([]byte, 2+len(encoderVersion)+4*len(vec))
	binary.LittleEndian.PutUint16(buf, uint16(len(encoderVersion)))
	offset := 2 + copy(buf[2:], encoderVersion)

	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(v))
		offset += 4
	}

	return buf, nil
}

func decodeVector(payload []byte) (string, []float32, error) {
	if len(payload) < 2 {
		return "", nil, fmt.Errorf("vector payload truncated: %d bytes", len(payload))
	}

	versionLen := int(binary.LittleEndian.Uint16(payload))
	if len(payload) < 2+versionLen {
		return "", nil, fmt.Errorf("vector payload truncated: version length %d", versionLen)
	}

	version := string(payload[2 : 2+versionLen])
	body := payload[2+versionLen:]

	if len(body)%4 != 0 {
		return "", nil, fmt.Errorf("vector payload not float32-aligned: %d bytes", len(body))
	}

	vec := make([]float32, len(body)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
	}

	return version, vec, nil
}
