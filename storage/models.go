package storage

import (
	"encoding/base64"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	unusablePasswordPrefix = "!"
	tokenExpirationSkew    = 5 * time.Second
)

// User is the local account that provider logins resolve to.
type User struct {
	ID           uint      `gorm:"column:id;primaryKey"`
	Username     string    `gorm:"column:username;size:150;not null;uniqueIndex"`
	Email        string    `gorm:"column:email;size:254;index"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null;default:''"`
	IsActive     bool      `gorm:"column:is_active;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// SetPassword stores a bcrypt hash of raw. An empty raw password marks the password unusable.
func (u *User) SetPassword(raw string) error {
	if raw == "" {
		u.SetUnusablePassword()
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// SetUnusablePassword marks the account as provider-login only.
func (u *User) SetUnusablePassword() {
	u.PasswordHash = unusablePasswordPrefix
}

// HasUsablePassword reports whether the user can log in without a provider.
func (u *User) HasUsablePassword() bool {
	return u.PasswordHash != "" && !strings.HasPrefix(u.PasswordHash, unusablePasswordPrefix)
}

// CheckPassword compares raw against the stored hash.
func (u *User) CheckPassword(raw string) bool {
	if !u.HasUsablePassword() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(raw)) == nil
}

// UserSocialAuth links a User to an account at a third-party provider.
type UserSocialAuth struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	Provider  string    `gorm:"column:provider;size:32;not null;uniqueIndex:idx_social_auth_provider_uid,priority:1"`
	UID       string    `gorm:"column:uid;size:255;not null;uniqueIndex:idx_social_auth_provider_uid,priority:2"`
	UserID    uint      `gorm:"column:user_id;not null;index"`
	User      *User     `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
	ExtraData JSONData  `gorm:"column:extra_data;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (UserSocialAuth) TableName() string {
	return "social_auth_usersocialauth"
}

// AccessToken returns the provider access token kept in extra data.
func (s *UserSocialAuth) AccessToken() string {
	return s.ExtraData.String("access_token")
}

// ExpiresIn returns the remaining lifetime of the access token. The expires value is read as
// an absolute unix time when it lies in the future, otherwise as seconds after auth_time.
func (s *UserSocialAuth) ExpiresIn(now time.Time) (time.Duration, bool) {
	expires, ok := s.ExtraData.Int64("expires")
	if !ok || expires <= 0 {
		return 0, false
	}
	if expires > now.Unix() {
		return time.Unix(expires, 0).Sub(now), true
	}
	if authTime, ok := s.ExtraData.Int64("auth_time"); ok && authTime > 0 {
		return time.Unix(authTime, 0).Add(time.Duration(expires) * time.Second).Sub(now), true
	}
	return time.Duration(expires) * time.Second, true
}

// AccessTokenExpired reports whether the token is expired or about to expire.
func (s *UserSocialAuth) AccessTokenExpired(now time.Time) bool {
	remaining, ok := s.ExpiresIn(now)
	return ok && remaining <= tokenExpirationSkew
}

// Nonce records a one-time OpenID nonce.
type Nonce struct {
	ID        uint   `gorm:"column:id;primaryKey"`
	ServerURL string `gorm:"column:server_url;size:255;not null;uniqueIndex:idx_nonce_server_timestamp_salt,priority:1"`
	Timestamp int64  `gorm:"column:timestamp;not null;uniqueIndex:idx_nonce_server_timestamp_salt,priority:2"`
	Salt      string `gorm:"column:salt;size:40;not null;uniqueIndex:idx_nonce_server_timestamp_salt,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Nonce) TableName() string {
	return "social_auth_nonce"
}

// Association stores an OpenID association secret.
type Association struct {
	ID        uint   `gorm:"column:id;primaryKey"`
	ServerURL string `gorm:"column:server_url;size:255;not null;uniqueIndex:idx_association_server_handle,priority:1"`
	Handle    string `gorm:"column:handle;size:255;not null;uniqueIndex:idx_association_server_handle,priority:2"`
	Secret    string `gorm:"column:secret;size:255;not null"`
	Issued    int64  `gorm:"column:issued;not null"`
	Lifetime  int64  `gorm:"column:lifetime;not null"`
	AssocType string `gorm:"column:assoc_type;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Association) TableName() string {
	return "social_auth_association"
}

// SecretBytes decodes the stored secret. Line-wrapped encodings are accepted.
func (a *Association) SecretBytes() ([]byte, error) {
	compact := strings.Join(strings.Fields(a.Secret), "")
	return base64.StdEncoding.DecodeString(compact)
}

// ExpiresAt returns the moment the association stops being valid.
func (a *Association) ExpiresAt() time.Time {
	return time.Unix(a.Issued+a.Lifetime, 0)
}

// Expired reports whether the association lifetime has elapsed at now.
func (a *Association) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt())
}

// OpenIDAssociation is the association payload handed over by the OpenID consumer.
type OpenIDAssociation struct {
	Handle    string
	Secret    []byte
	Issued    int64
	Lifetime  int64
	AssocType string
}

// Code is an email verification code.
type Code struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	Email     string    `gorm:"column:email;size:200;not null;uniqueIndex:idx_code_code_email,priority:2"`
	Code      string    `gorm:"column:code;size:32;not null;index;uniqueIndex:idx_code_code_email,priority:1"`
	Verified  bool      `gorm:"column:verified;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName provides the explicit table binding for GORM.
func (Code) TableName() string {
	return "social_auth_code"
}

// Partial holds the serialized progress of an interrupted pipeline run.
type Partial struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	Token     string    `gorm:"column:token;size:32;not null;index"`
	Data      JSONData  `gorm:"column:data;type:text"`
	NextStep  int       `gorm:"column:next_step;not null"`
	Backend   string    `gorm:"column:backend;size:32;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName provides the explicit table binding for GORM.
func (Partial) TableName() string {
	return "social_auth_partial"
}

// Args returns the positional pipeline arguments.
func (p *Partial) Args() []any {
	args, _ := p.Data["args"].([]any)
	return args
}

// Kwargs returns the keyword pipeline arguments.
func (p *Partial) Kwargs() JSONData {
	kwargs, ok := asObject(p.Data["kwargs"])
	if !ok {
		return JSONData{}
	}
	return JSONData(kwargs)
}

// ExtendKwargs merges values into the keyword arguments in place.
func (p *Partial) ExtendKwargs(values JSONData) {
	if p.Data == nil {
		p.Data = JSONData{}
	}
	kwargs, ok := asObject(p.Data["kwargs"])
	if !ok {
		kwargs = map[string]any{}
		p.Data["kwargs"] = kwargs
	}
	JSONData(kwargs).Update(values)
}

// Models lists every table owned by the adapter in migration order.
func Models() []any {
	return []any{&User{}, &UserSocialAuth{}, &Nonce{}, &Association{}, &Code{}, &Partial{}}
}
