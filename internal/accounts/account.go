package accounts

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Provider identifies an advertising platform.
type Provider string

// Supported providers
const (
	ProviderFacebook Provider = "facebook"
	ProviderGoogle   Provider = "google"
	ProviderBing     Provider = "bing"
	ProviderSnapchat Provider = "snapchat"
)

// AllProviders lists every supported provider in a stable order.
func AllProviders() []Provider {
	return []Provider{ProviderFacebook, ProviderGoogle, ProviderBing, ProviderSnapchat}
}

// ParseProvider converts a user-supplied string into a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderFacebook, ProviderGoogle, ProviderBing, ProviderSnapchat:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// AccountNotFoundError represents an error when a media account is not found
type AccountNotFoundError struct {
	ID uint
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("media account not found: %d", e.ID)
}

// NewAccountNotFoundError creates a new AccountNotFoundError
func NewAccountNotFoundError(id uint) *AccountNotFoundError {
	return &AccountNotFoundError{ID: id}
}

// MediaAccount holds the credentials and scope for one provider connection.
// A connection may span multiple provider-side ad accounts; AccountFilter
// optionally restricts the pull to a comma-separated list of provider account IDs.
type MediaAccount struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string     `gorm:"not null" json:"name"`
	Provider      Provider   `gorm:"not null;index" json:"provider"`
	ClientID      string     `json:"client_id"`
	ClientSecret  string     `json:"-"`
	Token         string     `json:"-"`
	RefreshToken  string     `json:"-"`
	AccountFilter string     `json:"account_filter"`
	Enabled       bool       `gorm:"default:true" json:"enabled"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FilteredAccountIDs returns the provider account IDs this connection is
// restricted to, or nil when the connection covers all discoverable accounts.
func (a *MediaAccount) FilteredAccountIDs() []string {
	if strings.TrimSpace(a.AccountFilter) == "" {
		return nil
	}
	parts := strings.Split(a.AccountFilter, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// ApplyTokenWriteback merges tokens refreshed during a pull back into the
// account. A blank refreshed token never clobbers a persisted one, so a
// provider client that only rotates the access token keeps its refresh token.
func (a *MediaAccount) ApplyTokenWriteback(token, refreshToken string) bool {
	changed := false
	if token != "" && token != a.Token {
		a.Token = token
		changed = true
	}
	if refreshToken != "" && refreshToken != a.RefreshToken {
		a.RefreshToken = refreshToken
		changed = true
	}
	return changed
}

// GetAccountByID retrieves a media account by its ID
func GetAccountByID(db *gorm.DB, id uint) (*MediaAccount, error) {
	var account MediaAccount
	if err := db.First(&account, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, NewAccountNotFoundError(id)
		}
		return nil, fmt.Errorf("unexpected error querying media account: %w", err)
	}
	return &account, nil
}

// GetAllAccounts retrieves all media accounts
func GetAllAccounts(db *gorm.DB) ([]MediaAccount, error) {
	var list []MediaAccount
	if err := db.Order("id asc").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to get media accounts: %w", err)
	}
	return list, nil
}

// GetEnabledAccounts retrieves all media accounts eligible for syncing
func GetEnabledAccounts(db *gorm.DB) ([]MediaAccount, error) {
	var list []MediaAccount
	if err := db.Where("enabled = ?", true).Order("id asc").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to get enabled media accounts: %w", err)
	}
	return list, nil
}

// GetAccountsByProvider retrieves all media accounts for one provider
func GetAccountsByProvider(db *gorm.DB, provider Provider) ([]MediaAccount, error) {
	var list []MediaAccount
	if err := db.Where("provider = ?", provider).Order("id asc").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to get media accounts for %s: %w", provider, err)
	}
	return list, nil
}

// CreateAccount creates a new media account
func CreateAccount(db *gorm.DB, account *MediaAccount) error {
	if _, err := ParseProvider(string(account.Provider)); err != nil {
		return err
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	return db.Create(account).Error
}

// UpdateAccount updates an existing media account
func UpdateAccount(db *gorm.DB, account *MediaAccount) error {
	account.UpdatedAt = time.Now().UTC()
	return db.Save(account).Error
}

// MarkSynced records the completion time of a successful pull
func MarkSynced(db *gorm.DB, id uint, at time.Time) error {
	return db.Model(&MediaAccount{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_synced_at": at.UTC(), "updated_at": time.Now().UTC()}).Error
}

// DeleteAccount deletes a media account by its ID
func DeleteAccount(db *gorm.DB, id uint) error {
	result := db.Delete(&MediaAccount{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
