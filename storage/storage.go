package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultUsernameMaxLength = 150
	defaultNonceCacheSize    = 10000

	outcomeOK       = "ok"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

var noOpLogger = zap.NewNop()

// TokenGenerator issues the random tokens used for codes and partial pipelines.
type TokenGenerator interface {
	NewToken() (string, error)
}

// Observer receives the outcome and duration of every storage operation.
type Observer interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
}

// Config describes the dependencies of the storage adapter.
type Config struct {
	Database          *gorm.DB
	Logger            *zap.Logger
	Clock             func() time.Time
	TokenGenerator    TokenGenerator
	Observer          Observer
	UsernameMaxLength int
	// NonceCacheSize bounds the number of seen nonces kept in memory. Negative disables the cache.
	NonceCacheSize int64
}

// Storage maps the social-auth pipeline storage contract onto gorm.
type Storage struct {
	db                *gorm.DB
	logger            *zap.Logger
	clock             func() time.Time
	tokens            TokenGenerator
	observer          Observer
	usernameMaxLength int
	nonceCache        *ristretto.Cache[string, bool]
}

// New constructs the adapter around the provided database handle.
func New(cfg Config) (*Storage, error) {
	if cfg.Database == nil {
		return nil, newError("new", reasonMissingDatabase, ErrMissingDatabase)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := cfg.TokenGenerator
	if tokens == nil {
		tokens = NewUUIDTokenGenerator()
	}
	maxLength := cfg.UsernameMaxLength
	if maxLength <= 0 {
		maxLength = defaultUsernameMaxLength
	}

	var nonceCache *ristretto.Cache[string, bool]
	cacheSize := cfg.NonceCacheSize
	if cacheSize == 0 {
		cacheSize = defaultNonceCacheSize
	}
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, bool]{
			NumCounters: cacheSize * 10,
			MaxCost:     cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, newError("new", "cache_init_failed", err)
		}
		nonceCache = cache
	}

	return &Storage{
		db:                cfg.Database,
		logger:            logger,
		clock:             clock,
		tokens:            tokens,
		observer:          cfg.Observer,
		usernameMaxLength: maxLength,
		nonceCache:        nonceCache,
	}, nil
}

// WithDB returns an adapter bound to db, typically a transaction opened by the caller.
// Commit and rollback stay with the caller.
func (s *Storage) WithDB(db *gorm.DB) *Storage {
	bound := *s
	bound.db = db
	bound.nonceCache = nil
	return &bound
}

// WithTx runs fn inside a single transaction. The transaction commits when fn returns nil
// and rolls back when it returns an error or panics.
func (s *Storage) WithTx(ctx context.Context, fn func(tx *Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithDB(tx))
	})
}

// DB exposes the underlying handle.
func (s *Storage) DB() *gorm.DB {
	return s.db
}

// Ping checks that the database behind the adapter is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return newError("ping", reasonQueryFailed, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return newError("ping", reasonQueryFailed, err)
	}
	return nil
}

// Close releases the nonce cache. The database handle belongs to the caller.
func (s *Storage) Close() {
	if s.nonceCache != nil {
		s.nonceCache.Close()
	}
}

func (s *Storage) session(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// updateRow writes every column of a persisted record by primary key. A row deleted since the
// record was loaded is reported as ErrNotFound and never recreated.
func (s *Storage) updateRow(ctx context.Context, record any) error {
	result := s.session(ctx).Model(record).Select("*").Omit(clause.Associations).Updates(record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) fail(operation, fallback string, err error, fields ...zap.Field) error {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return err
	}
	reason := classify(err, fallback)
	s.logError(operation, reason, err, fields...)
	return newError(operation, reason, err)
}

func (s *Storage) observe(operation string, started time.Time, err error) {
	if s.observer == nil {
		return
	}
	outcome := outcomeOK
	if errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
		outcome = outcomeNotFound
	} else if err != nil {
		outcome = outcomeError
	}
	s.observer.ObserveOperation(operation, outcome, time.Since(started))
}

func (s *Storage) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	if reason == reasonNotFound {
		s.logger.Debug("storage record not found", attrs...)
		return
	}
	s.logger.Error("storage operation failed", attrs...)
}

type uuidTokenGenerator struct{}

// NewUUIDTokenGenerator issues 32 character hex tokens from random UUIDs.
func NewUUIDTokenGenerator() TokenGenerator {
	return uuidTokenGenerator{}
}

func (uuidTokenGenerator) NewToken() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(value.String(), "-", ""), nil
}
