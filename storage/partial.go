package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opPreparePartial = "prepare_partial"
	opStorePartial   = "store_partial"
	opLoadPartial    = "load_partial"
	opDestroyPartial = "destroy_partial"

	maxBackendLength = 32
)

// PreparePartial builds an unsaved partial pipeline record with a fresh token.
func (s *Storage) PreparePartial(backend string, nextStep int, data JSONData) (partial *Partial, err error) {
	started := time.Now()
	defer func() { s.observe(opPreparePartial, started, err) }()

	backend = strings.TrimSpace(backend)
	if backend == "" || len(backend) > maxBackendLength {
		return nil, s.fail(opPreparePartial, reasonInvalidArgument,
			fmt.Errorf("%w: backend must be 1..%d characters", ErrInvalidArgument, maxBackendLength))
	}
	if nextStep < 0 {
		return nil, s.fail(opPreparePartial, reasonInvalidArgument, fmt.Errorf("%w: negative next step", ErrInvalidArgument))
	}
	if err := data.encodable(); err != nil {
		return nil, s.fail(opPreparePartial, reasonSerialization, err)
	}
	token, err := s.tokens.NewToken()
	if err != nil {
		return nil, s.fail(opPreparePartial, reasonTokenFailed, err)
	}

	payload := data.Clone()
	if payload == nil {
		payload = JSONData{}
	}
	return &Partial{
		Token:     token,
		Data:      payload,
		NextStep:  nextStep,
		Backend:   backend,
		CreatedAt: s.clock().UTC(),
	}, nil
}

// StorePartial inserts a prepared partial or saves changes made to a loaded one. Saving a
// partial that was destroyed in the meantime fails with ErrNotFound.
func (s *Storage) StorePartial(ctx context.Context, partial *Partial) (err error) {
	started := time.Now()
	defer func() { s.observe(opStorePartial, started, err) }()

	if partial == nil || strings.TrimSpace(partial.Token) == "" {
		return s.fail(opStorePartial, reasonInvalidArgument, fmt.Errorf("%w: partial requires a token", ErrInvalidArgument))
	}
	if err := partial.Data.encodable(); err != nil {
		return s.fail(opStorePartial, reasonSerialization, err, zap.String("backend", partial.Backend))
	}
	if partial.ID == 0 {
		if partial.CreatedAt.IsZero() {
			partial.CreatedAt = s.clock().UTC()
		}
		err = s.session(ctx).Create(partial).Error
	} else {
		err = s.updateRow(ctx, partial)
	}
	if err != nil {
		return s.fail(opStorePartial, reasonWriteFailed, err, zap.String("backend", partial.Backend))
	}
	return nil
}

// LoadPartial returns the partial pipeline stored under token.
func (s *Storage) LoadPartial(ctx context.Context, token string) (partial *Partial, err error) {
	started := time.Now()
	defer func() { s.observe(opLoadPartial, started, err) }()

	loaded, err := s.loadPartial(ctx, token)
	if err != nil {
		return nil, s.fail(opLoadPartial, reasonQueryFailed, err)
	}
	return loaded, nil
}

// DestroyPartial deletes the partial stored under token. Only the loaded row is removed, by
// primary key. A missing token is not an error and reports false.
func (s *Storage) DestroyPartial(ctx context.Context, token string) (deleted bool, err error) {
	started := time.Now()
	defer func() { s.observe(opDestroyPartial, started, err) }()

	loaded, err := s.loadPartial(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, s.fail(opDestroyPartial, reasonQueryFailed, err)
	}
	result := s.session(ctx).Where("id = ?", loaded.ID).Delete(&Partial{})
	if result.Error != nil {
		return false, s.fail(opDestroyPartial, reasonWriteFailed, result.Error, zap.Uint("partial_id", loaded.ID))
	}
	return result.RowsAffected == 1, nil
}

func (s *Storage) loadPartial(ctx context.Context, token string) (*Partial, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidArgument)
	}
	var loaded Partial
	if err := s.session(ctx).Where("token = ?", token).Order("id DESC").Take(&loaded).Error; err != nil {
		return nil, notFound(err)
	}
	return &loaded, nil
}
