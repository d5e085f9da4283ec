// Package storage persists social-auth pipeline state through gorm.
//
// It stores local users, provider associations (with their JSON extra data), OpenID nonces
// and associations, email verification codes, and partial pipeline runs. Every operation runs
// against the handle the adapter is bound to. Use WithTx for an adapter-owned transaction or
// WithDB to join one the caller manages.
//
// # Tables
//
//   - users
//   - social_auth_usersocialauth
//   - social_auth_nonce
//   - social_auth_association
//   - social_auth_code
//   - social_auth_partial
//
// # Usage
//
//	db, _ := gorm.Open(sqlite.Open("social.db"), &gorm.Config{TranslateError: true})
//	_ = storage.AutoMigrate(db)
//	store, _ := storage.New(storage.Config{Database: db, Logger: logger})
//	social, err := store.GetSocialAuth(ctx, "github", "12345")
package storage

import "gorm.io/gorm"

// AutoMigrate creates or updates every table owned by the adapter.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
