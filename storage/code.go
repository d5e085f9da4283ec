package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opMakeCode   = "make_code"
	opGetCode    = "get_code"
	opVerifyCode = "verify_code"

	maxCodeEmailLength = 200
)

// MakeCode issues and stores a new verification code for email.
func (s *Storage) MakeCode(ctx context.Context, email string) (code *Code, err error) {
	started := time.Now()
	defer func() { s.observe(opMakeCode, started, err) }()

	email = strings.TrimSpace(email)
	if email == "" || len(email) > maxCodeEmailLength {
		return nil, s.fail(opMakeCode, reasonInvalidArgument, fmt.Errorf("%w: email must be 1..%d characters", ErrInvalidArgument, maxCodeEmailLength))
	}
	token, err := s.tokens.NewToken()
	if err != nil {
		return nil, s.fail(opMakeCode, reasonTokenFailed, err)
	}

	created := &Code{Email: email, Code: token, CreatedAt: s.clock().UTC()}
	if err := s.session(ctx).Create(created).Error; err != nil {
		return nil, s.fail(opMakeCode, reasonWriteFailed, err)
	}
	return created, nil
}

// GetCode loads a verification code by its value.
func (s *Storage) GetCode(ctx context.Context, value string) (code *Code, err error) {
	started := time.Now()
	defer func() { s.observe(opGetCode, started, err) }()

	loaded, err := s.loadCode(ctx, value)
	if err != nil {
		return nil, s.fail(opGetCode, reasonQueryFailed, err)
	}
	return loaded, nil
}

// VerifyCode marks a verification code as used by its owner.
func (s *Storage) VerifyCode(ctx context.Context, value string) (code *Code, err error) {
	started := time.Now()
	defer func() { s.observe(opVerifyCode, started, err) }()

	loaded, err := s.loadCode(ctx, value)
	if err != nil {
		return nil, s.fail(opVerifyCode, reasonQueryFailed, err)
	}
	if err := s.session(ctx).Model(loaded).Update("verified", true).Error; err != nil {
		return nil, s.fail(opVerifyCode, reasonWriteFailed, err, zap.Uint("code_id", loaded.ID))
	}
	loaded.Verified = true
	return loaded, nil
}

func (s *Storage) loadCode(ctx context.Context, value string) (*Code, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidArgument)
	}
	var loaded Code
	if err := s.session(ctx).Where("code = ?", value).Order("id DESC").Take(&loaded).Error; err != nil {
		return nil, notFound(err)
	}
	return &loaded, nil
}
