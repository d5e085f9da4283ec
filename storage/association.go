package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreAssociation   = "store_association"
	opGetAssociations    = "get_associations"
	opRemoveAssociations = "remove_associations"
)

// AssociationFilter selects OpenID associations of a server, optionally by handle.
type AssociationFilter struct {
	ServerURL string
	Handle    string
}

// StoreAssociation inserts or refreshes the association identified by serverURL and handle.
func (s *Storage) StoreAssociation(ctx context.Context, serverURL string, association OpenIDAssociation) (stored *Association, err error) {
	started := time.Now()
	defer func() { s.observe(opStoreAssociation, started, err) }()

	serverURL = strings.TrimSpace(serverURL)
	handle := strings.TrimSpace(association.Handle)
	if serverURL == "" || handle == "" {
		return nil, s.fail(opStoreAssociation, reasonInvalidArgument,
			fmt.Errorf("%w: server url and handle are required", ErrInvalidArgument))
	}

	var record Association
	txErr := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("server_url = ? AND handle = ?", serverURL, handle).Take(&record).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		record.ServerURL = serverURL
		record.Handle = handle
		record.Secret = base64.StdEncoding.EncodeToString(association.Secret)
		record.Issued = association.Issued
		record.Lifetime = association.Lifetime
		record.AssocType = association.AssocType
		if record.ID == 0 {
			return tx.Create(&record).Error
		}
		return tx.Save(&record).Error
	})
	if txErr != nil {
		return nil, s.fail(opStoreAssociation, reasonWriteFailed, txErr,
			zap.String("server_url", serverURL), zap.String("handle", handle))
	}
	return &record, nil
}

// GetAssociations returns the matching associations, most recently issued first.
func (s *Storage) GetAssociations(ctx context.Context, filter AssociationFilter) (associations []Association, err error) {
	started := time.Now()
	defer func() { s.observe(opGetAssociations, started, err) }()

	serverURL := strings.TrimSpace(filter.ServerURL)
	if serverURL == "" {
		return nil, s.fail(opGetAssociations, reasonInvalidArgument, fmt.Errorf("%w: empty server url", ErrInvalidArgument))
	}
	query := s.session(ctx).Where("server_url = ?", serverURL)
	if handle := strings.TrimSpace(filter.Handle); handle != "" {
		query = query.Where("handle = ?", handle)
	}
	if err := query.Order("issued DESC").Order("id DESC").Find(&associations).Error; err != nil {
		return nil, s.fail(opGetAssociations, reasonQueryFailed, err, zap.String("server_url", serverURL))
	}
	return associations, nil
}

// RemoveAssociations deletes the associations with the given ids and returns how many were removed.
func (s *Storage) RemoveAssociations(ctx context.Context, ids []uint) (removed int64, err error) {
	started := time.Now()
	defer func() { s.observe(opRemoveAssociations, started, err) }()

	if len(ids) == 0 {
		return 0, nil
	}
	result := s.session(ctx).Where("id IN ?", ids).Delete(&Association{})
	if result.Error != nil {
		return 0, s.fail(opRemoveAssociations, reasonWriteFailed, result.Error, zap.Int("count", len(ids)))
	}
	return result.RowsAffected, nil
}
