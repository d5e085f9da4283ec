package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testClock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

type staticTokenGenerator struct {
	tokens []string
	index  int
}

func (g *staticTokenGenerator) NewToken() (string, error) {
	if g.index >= len(g.tokens) {
		return "", errors.New("exhausted tokens")
	}
	token := g.tokens[g.index]
	g.index++
	return token, nil
}

type recordedOperation struct {
	operation string
	outcome   string
}

type recordingObserver struct {
	mu         sync.Mutex
	operations []recordedOperation
}

func (o *recordingObserver) ObserveOperation(operation, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operations = append(o.operations, recordedOperation{operation: operation, outcome: outcome})
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:socialstore_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

func newTestStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()

	if cfg.Database == nil {
		cfg.Database = openTestDatabase(t)
	}
	if cfg.Clock == nil {
		cfg.Clock = testClock
	}
	store, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func mustCreateUser(t *testing.T, store *Storage, username, email, password string) *User {
	t.Helper()
	user, err := store.CreateUser(t.Context(), NewUser{Username: username, Email: email, Password: password})
	require.NoError(t, err)
	return user
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var adapterErr *Error
	require.ErrorAs(t, err, &adapterErr)
	require.Equal(t, code, adapterErr.Code())
}
