package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

const (
	opUseNonce = "use_nonce"

	maxServerURLLength = 255
	maxSaltLength      = 40
)

// UseNonce records a nonce and reports whether it was fresh. A nonce that was already
// recorded, including one inserted concurrently by another request, is a replay and yields false.
func (s *Storage) UseNonce(ctx context.Context, serverURL string, timestamp int64, salt string) (fresh bool, err error) {
	started := time.Now()
	defer func() { s.observe(opUseNonce, started, err) }()

	serverURL = strings.TrimSpace(serverURL)
	if err := validateNonce(serverURL, salt); err != nil {
		return false, s.fail(opUseNonce, reasonInvalidArgument, err)
	}

	key := nonceCacheKey(serverURL, timestamp, salt)
	if s.nonceCache != nil {
		if _, seen := s.nonceCache.Get(key); seen {
			return false, nil
		}
	}

	nonce := Nonce{ServerURL: serverURL, Timestamp: timestamp, Salt: salt}
	result := s.session(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&nonce)
	if result.Error != nil {
		return false, s.fail(opUseNonce, reasonWriteFailed, result.Error, zap.String("server_url", serverURL))
	}

	if s.nonceCache != nil {
		s.nonceCache.Set(key, true, 1)
		s.nonceCache.Wait()
	}
	return result.RowsAffected == 1, nil
}

func validateNonce(serverURL, salt string) error {
	switch {
	case serverURL == "":
		return fmt.Errorf("%w: empty server url", ErrInvalidArgument)
	case len(serverURL) > maxServerURLLength:
		return fmt.Errorf("%w: server url exceeds %d characters", ErrInvalidArgument, maxServerURLLength)
	case salt == "":
		return fmt.Errorf("%w: empty salt", ErrInvalidArgument)
	case len(salt) > maxSaltLength:
		return fmt.Errorf("%w: salt exceeds %d characters", ErrInvalidArgument, maxSaltLength)
	}
	return nil
}

func nonceCacheKey(serverURL string, timestamp int64, salt string) string {
	return serverURL + "\x00" + strconv.FormatInt(timestamp, 10) + "\x00" + salt
}
