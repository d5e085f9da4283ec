package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateUser           = "create_user"
	opGetUser              = "get_user"
	opGetUsersByEmail      = "get_users_by_email"
	opUserExists           = "user_exists"
	opChanged              = "changed"
	opCreateSocialAuth     = "create_social_auth"
	opGetSocialAuth        = "get_social_auth"
	opGetSocialAuthForUser = "get_social_auth_for_user"
	opSetExtraData         = "set_extra_data"
	opSaveSocialAuth       = "save_social_auth"
	opPatchExtraData       = "patch_extra_data"
	opAllowedToDisconnect  = "allowed_to_disconnect"
	opDisconnect           = "disconnect"
	opDisconnectIfAllowed  = "disconnect_if_allowed"

	maxProviderLength = 32
	maxUIDLength      = 255
)

var cleanUsernamePattern = regexp.MustCompile(`[^\p{L}\p{N}_.@+-]+`)

// NewUser describes the account created at the end of a first provider login.
type NewUser struct {
	Username string
	Email    string
	// Password is optional; accounts without one get an unusable password.
	Password string
}

// UserFilter selects users by exact username and/or case-insensitive email.
type UserFilter struct {
	Username string
	Email    string
}

// SocialAuthFilter narrows the associations returned for a user.
type SocialAuthFilter struct {
	Provider string
	ID       uint
}

// CreateUser inserts a new active user.
func (s *Storage) CreateUser(ctx context.Context, input NewUser) (user *User, err error) {
	started := time.Now()
	defer func() { s.observe(opCreateUser, started, err) }()

	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, s.fail(opCreateUser, reasonInvalidArgument, fmt.Errorf("%w: empty username", ErrInvalidArgument))
	}
	if utf8.RuneCountInString(username) > s.usernameMaxLength {
		return nil, s.fail(opCreateUser, reasonInvalidArgument,
			fmt.Errorf("%w: username exceeds %d characters", ErrInvalidArgument, s.usernameMaxLength))
	}

	created := &User{
		Username: username,
		Email:    strings.TrimSpace(input.Email),
		IsActive: true,
	}
	if err := created.SetPassword(input.Password); err != nil {
		return nil, s.fail(opCreateUser, "password_hash_failed", err)
	}
	if err := s.session(ctx).Create(created).Error; err != nil {
		return nil, s.fail(opCreateUser, reasonWriteFailed, err, zap.String("username", username))
	}
	return created, nil
}

// GetUser loads a user by primary key.
func (s *Storage) GetUser(ctx context.Context, id uint) (user *User, err error) {
	started := time.Now()
	defer func() { s.observe(opGetUser, started, err) }()

	var loaded User
	if err := s.session(ctx).Where("id = ?", id).Take(&loaded).Error; err != nil {
		return nil, s.fail(opGetUser, reasonQueryFailed, notFound(err), zap.Uint("user_id", id))
	}
	return &loaded, nil
}

// GetUsersByEmail returns every user whose email matches, ignoring case.
func (s *Storage) GetUsersByEmail(ctx context.Context, email string) (users []User, err error) {
	started := time.Now()
	defer func() { s.observe(opGetUsersByEmail, started, err) }()

	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil, s.fail(opGetUsersByEmail, reasonInvalidArgument, fmt.Errorf("%w: empty email", ErrInvalidArgument))
	}
	if err := s.session(ctx).
		Where("LOWER(email) = LOWER(?)", trimmed).
		Order("id").
		Find(&users).Error; err != nil {
		return nil, s.fail(opGetUsersByEmail, reasonQueryFailed, err)
	}
	return users, nil
}

// UserExists reports whether a user matches every non-empty field of filter.
func (s *Storage) UserExists(ctx context.Context, filter UserFilter) (exists bool, err error) {
	started := time.Now()
	defer func() { s.observe(opUserExists, started, err) }()

	query := s.session(ctx).Model(&User{})
	constrained := false
	if username := strings.TrimSpace(filter.Username); username != "" {
		query = query.Where("username = ?", username)
		constrained = true
	}
	if email := strings.TrimSpace(filter.Email); email != "" {
		query = query.Where("LOWER(email) = LOWER(?)", email)
		constrained = true
	}
	if !constrained {
		return false, s.fail(opUserExists, reasonInvalidArgument, fmt.Errorf("%w: empty filter", ErrInvalidArgument))
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, s.fail(opUserExists, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// GetUsername returns the username of user, or an empty string for nil.
func (s *Storage) GetUsername(user *User) string {
	if user == nil {
		return ""
	}
	return user.Username
}

// UsernameMaxLength is the longest username CreateUser accepts.
func (s *Storage) UsernameMaxLength() int {
	return s.usernameMaxLength
}

// CleanUsername strips characters that are not allowed in usernames and truncates the result.
func (s *Storage) CleanUsername(value string) string {
	cleaned := cleanUsernamePattern.ReplaceAllString(value, "")
	if utf8.RuneCountInString(cleaned) > s.usernameMaxLength {
		cleaned = string([]rune(cleaned)[:s.usernameMaxLength])
	}
	return cleaned
}

// Changed persists every field of a mutated user.
func (s *Storage) Changed(ctx context.Context, user *User) (err error) {
	started := time.Now()
	defer func() { s.observe(opChanged, started, err) }()

	if user == nil || user.ID == 0 {
		return s.fail(opChanged, reasonInvalidArgument, fmt.Errorf("%w: user is not persisted", ErrInvalidArgument))
	}
	if err := s.updateRow(ctx, user); err != nil {
		return s.fail(opChanged, reasonWriteFailed, err, zap.Uint("user_id", user.ID))
	}
	return nil
}

// CreateSocialAuth links user to the provider account identified by uid.
func (s *Storage) CreateSocialAuth(ctx context.Context, user *User, uid, provider string) (social *UserSocialAuth, err error) {
	started := time.Now()
	defer func() { s.observe(opCreateSocialAuth, started, err) }()

	if user == nil || user.ID == 0 {
		return nil, s.fail(opCreateSocialAuth, reasonInvalidArgument, fmt.Errorf("%w: user is not persisted", ErrInvalidArgument))
	}
	uid = strings.TrimSpace(uid)
	provider = strings.TrimSpace(provider)
	if err := validateProviderUID(provider, uid); err != nil {
		return nil, s.fail(opCreateSocialAuth, reasonInvalidArgument, err)
	}

	created := &UserSocialAuth{
		Provider:  provider,
		UID:       uid,
		UserID:    user.ID,
		ExtraData: JSONData{},
	}
	if err := s.session(ctx).Omit(clause.Associations).Create(created).Error; err != nil {
		return nil, s.fail(opCreateSocialAuth, reasonWriteFailed, err,
			zap.String("provider", provider), zap.Uint("user_id", user.ID))
	}
	created.User = user
	return created, nil
}

// GetSocialAuth loads the association for provider and uid with its user.
func (s *Storage) GetSocialAuth(ctx context.Context, provider, uid string) (social *UserSocialAuth, err error) {
	started := time.Now()
	defer func() { s.observe(opGetSocialAuth, started, err) }()

	var loaded UserSocialAuth
	if err := s.session(ctx).
		Preload("User").
		Where("provider = ? AND uid = ?", strings.TrimSpace(provider), strings.TrimSpace(uid)).
		Take(&loaded).Error; err != nil {
		return nil, s.fail(opGetSocialAuth, reasonQueryFailed, notFound(err), zap.String("provider", provider))
	}
	return &loaded, nil
}

// GetSocialAuthForUser lists the associations of a user, optionally narrowed by filter.
func (s *Storage) GetSocialAuthForUser(ctx context.Context, userID uint, filter SocialAuthFilter) (socials []UserSocialAuth, err error) {
	started := time.Now()
	defer func() { s.observe(opGetSocialAuthForUser, started, err) }()

	query := s.session(ctx).Where("user_id = ?", userID)
	if provider := strings.TrimSpace(filter.Provider); provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if filter.ID != 0 {
		query = query.Where("id = ?", filter.ID)
	}
	if err := query.Order("id").Find(&socials).Error; err != nil {
		return nil, s.fail(opGetSocialAuthForUser, reasonQueryFailed, err, zap.Uint("user_id", userID))
	}
	return socials, nil
}

// SetExtraData folds extra into the association's extra data and persists it when the
// stored value changes. It reports whether a write happened.
func (s *Storage) SetExtraData(ctx context.Context, social *UserSocialAuth, extra JSONData) (changed bool, err error) {
	started := time.Now()
	defer func() { s.observe(opSetExtraData, started, err) }()

	if social == nil || social.ID == 0 {
		return false, s.fail(opSetExtraData, reasonInvalidArgument, fmt.Errorf("%w: association is not persisted", ErrInvalidArgument))
	}
	if len(extra) == 0 {
		return false, nil
	}

	merged := extra.Clone()
	if len(social.ExtraData) > 0 {
		merged = social.ExtraData.Clone()
		merged.Update(extra)
	}
	if err := merged.encodable(); err != nil {
		return false, s.fail(opSetExtraData, reasonSerialization, err, zap.Uint("social_auth_id", social.ID))
	}
	if merged.Equal(social.ExtraData) {
		return false, nil
	}
	result := s.session(ctx).Model(social).Omit(clause.Associations).Update("extra_data", merged)
	if result.Error != nil {
		return false, s.fail(opSetExtraData, reasonWriteFailed, result.Error, zap.Uint("social_auth_id", social.ID))
	}
	if result.RowsAffected == 0 {
		return false, s.fail(opSetExtraData, reasonNotFound, ErrNotFound, zap.Uint("social_auth_id", social.ID))
	}
	social.ExtraData = merged
	return true, nil
}

// SaveSocialAuth persists the association as it is in memory, including nested edits made
// directly on ExtraData. An association disconnected since it was loaded fails with ErrNotFound.
func (s *Storage) SaveSocialAuth(ctx context.Context, social *UserSocialAuth) (err error) {
	started := time.Now()
	defer func() { s.observe(opSaveSocialAuth, started, err) }()

	if social == nil || social.ID == 0 {
		return s.fail(opSaveSocialAuth, reasonInvalidArgument, fmt.Errorf("%w: association is not persisted", ErrInvalidArgument))
	}
	if err := social.ExtraData.encodable(); err != nil {
		return s.fail(opSaveSocialAuth, reasonSerialization, err, zap.Uint("social_auth_id", social.ID))
	}
	if err := s.updateRow(ctx, social); err != nil {
		return s.fail(opSaveSocialAuth, reasonWriteFailed, err, zap.Uint("social_auth_id", social.ID))
	}
	return nil
}

// PatchExtraData deep-merges patch into the stored extra data of one association. The row is
// re-read under lock so concurrent patches to different keys do not overwrite each other.
func (s *Storage) PatchExtraData(ctx context.Context, socialID uint, patch JSONData) (social *UserSocialAuth, err error) {
	started := time.Now()
	defer func() { s.observe(opPatchExtraData, started, err) }()

	if socialID == 0 {
		return nil, s.fail(opPatchExtraData, reasonInvalidArgument, fmt.Errorf("%w: missing association id", ErrInvalidArgument))
	}
	if err := patch.encodable(); err != nil {
		return nil, s.fail(opPatchExtraData, reasonSerialization, err, zap.Uint("social_auth_id", socialID))
	}

	var updated UserSocialAuth
	txErr := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", socialID).
			Take(&updated).Error; err != nil {
			return notFound(err)
		}
		if updated.ExtraData == nil {
			updated.ExtraData = JSONData{}
		}
		updated.ExtraData.Merge(patch)
		return tx.Model(&updated).Update("extra_data", updated.ExtraData).Error
	})
	if txErr != nil {
		return nil, s.fail(opPatchExtraData, reasonWriteFailed, txErr, zap.Uint("social_auth_id", socialID))
	}
	return &updated, nil
}

// AllowedToDisconnect reports whether removing an association would still leave the user a
// way to log in. With associationID set, every other association counts; otherwise only
// associations with a provider other than backendName do.
func (s *Storage) AllowedToDisconnect(ctx context.Context, user *User, backendName string, associationID uint) (allowed bool, err error) {
	started := time.Now()
	defer func() { s.observe(opAllowedToDisconnect, started, err) }()

	if user == nil || user.ID == 0 {
		return false, s.fail(opAllowedToDisconnect, reasonInvalidArgument, fmt.Errorf("%w: user is not persisted", ErrInvalidArgument))
	}

	query := s.session(ctx).Model(&UserSocialAuth{}).Where("user_id = ?", user.ID)
	if associationID != 0 {
		query = query.Where("id <> ?", associationID)
	} else {
		query = query.Where("provider <> ?", strings.TrimSpace(backendName))
	}

	var remaining int64
	if err := query.Count(&remaining).Error; err != nil {
		return false, s.fail(opAllowedToDisconnect, reasonQueryFailed, err, zap.Uint("user_id", user.ID))
	}
	return user.HasUsablePassword() || remaining > 0, nil
}

// Disconnect deletes exactly the given association.
func (s *Storage) Disconnect(ctx context.Context, social *UserSocialAuth) (err error) {
	started := time.Now()
	defer func() { s.observe(opDisconnect, started, err) }()

	if social == nil || social.ID == 0 {
		return s.fail(opDisconnect, reasonInvalidArgument, fmt.Errorf("%w: association is not persisted", ErrInvalidArgument))
	}
	result := s.session(ctx).Where("id = ?", social.ID).Delete(&UserSocialAuth{})
	if result.Error != nil {
		return s.fail(opDisconnect, reasonWriteFailed, result.Error, zap.Uint("social_auth_id", social.ID))
	}
	if result.RowsAffected == 0 {
		return s.fail(opDisconnect, reasonNotFound, ErrNotFound, zap.Uint("social_auth_id", social.ID))
	}
	return nil
}

// DisconnectIfAllowed deletes social unless it is the last way its user can log in. The user
// row stays locked from the check to the delete, so concurrent disconnects for one user run
// one after the other. It reports whether the association was removed.
func (s *Storage) DisconnectIfAllowed(ctx context.Context, social *UserSocialAuth) (disconnected bool, err error) {
	started := time.Now()
	defer func() { s.observe(opDisconnectIfAllowed, started, err) }()

	if social == nil || social.ID == 0 || social.UserID == 0 {
		return false, s.fail(opDisconnectIfAllowed, reasonInvalidArgument, fmt.Errorf("%w: association is not persisted", ErrInvalidArgument))
	}

	txErr := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		var owner User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", social.UserID).
			Take(&owner).Error; err != nil {
			return notFound(err)
		}
		bound := s.WithDB(tx)
		allowed, err := bound.AllowedToDisconnect(ctx, &owner, social.Provider, social.ID)
		if err != nil || !allowed {
			return err
		}
		if err := bound.Disconnect(ctx, social); err != nil {
			return err
		}
		disconnected = true
		return nil
	})
	if txErr != nil {
		return false, s.fail(opDisconnectIfAllowed, reasonWriteFailed, txErr, zap.Uint("social_auth_id", social.ID))
	}
	return disconnected, nil
}

func validateProviderUID(provider, uid string) error {
	switch {
	case provider == "":
		return fmt.Errorf("%w: empty provider", ErrInvalidArgument)
	case len(provider) > maxProviderLength:
		return fmt.Errorf("%w: provider exceeds %d characters", ErrInvalidArgument, maxProviderLength)
	case uid == "":
		return fmt.Errorf("%w: empty uid", ErrInvalidArgument)
	case len(uid) > maxUIDLength:
		return fmt.Errorf("%w: uid exceeds %d characters", ErrInvalidArgument, maxUIDLength)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
