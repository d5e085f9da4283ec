package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const opPrune = "prune"

// PruneConfig sets the maximum age kept for each short-lived table. A zero age leaves the
// table untouched. Expired OpenID associations are always removed.
type PruneConfig struct {
	NonceMaxAge   time.Duration
	CodeMaxAge    time.Duration
	PartialMaxAge time.Duration
}

// PruneResult counts the rows removed per table.
type PruneResult struct {
	Nonces       int64
	Associations int64
	Codes        int64
	Partials     int64
}

// Prune deletes stale nonces, expired associations, old codes and abandoned partials in one
// transaction.
func (s *Storage) Prune(ctx context.Context, cfg PruneConfig) (result PruneResult, err error) {
	started := time.Now()
	defer func() { s.observe(opPrune, started, err) }()

	now := s.clock().UTC()
	txErr := s.WithTx(ctx, func(tx *Storage) error {
		session := tx.session(ctx)
		if cfg.NonceMaxAge > 0 {
			deleted := session.Where("timestamp < ?", now.Add(-cfg.NonceMaxAge).Unix()).Delete(&Nonce{})
			if deleted.Error != nil {
				return deleted.Error
			}
			result.Nonces = deleted.RowsAffected
		}

		expired := session.Where("issued + lifetime <= ?", now.Unix()).Delete(&Association{})
		if expired.Error != nil {
			return expired.Error
		}
		result.Associations = expired.RowsAffected

		if cfg.CodeMaxAge > 0 {
			deleted := session.Where("created_at < ?", now.Add(-cfg.CodeMaxAge)).Delete(&Code{})
			if deleted.Error != nil {
				return deleted.Error
			}
			result.Codes = deleted.RowsAffected
		}
		if cfg.PartialMaxAge > 0 {
			deleted := session.Where("created_at < ?", now.Add(-cfg.PartialMaxAge)).Delete(&Partial{})
			if deleted.Error != nil {
				return deleted.Error
			}
			result.Partials = deleted.RowsAffected
		}
		return nil
	})
	if txErr != nil {
		return PruneResult{}, s.fail(opPrune, reasonWriteFailed, txErr)
	}

	s.logger.Info("storage pruned",
		zap.Int64("nonces", result.Nonces),
		zap.Int64("associations", result.Associations),
		zap.Int64("codes", result.Codes),
		zap.Int64("partials", result.Partials))
	return result, nil
}
