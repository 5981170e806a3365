// Package campaigns maps provider-side campaigns onto internal campaign IDs.
//
// Each media account carries a mapping document stored in the settings table.
// A mapping is an ordered list of rules matched against four dimensions of
// the provider record: ad account ID, campaign ID, ad account name and
// campaign name. The first matching rule wins. Pattern rules run first;
// when none claims the campaign, a literal fallback compares exact campaign
// IDs and then case-insensitive names before the campaign is reported as
// unmapped.
package campaigns

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"go.elara.ws/pcre"
	"gorm.io/gorm"

	"mediasync/internal/settings"
)

// Rule maps matching provider campaigns to an internal campaign.
//
// ProviderAccountID, ProviderCampaignID and Pattern are pcre patterns over
// the provider account ID, the provider campaign ID and the provider
// campaign name. Name and ProviderAccountName are literals compared
// case-insensitively. Empty dimensions are unconstrained. A rule claims one
// provider campaign per pull unless AllowMultiple lets several campaigns
// share the mapping.
type Rule struct {
	CampaignID          uint   `json:"campaign_id"`
	Name                string `json:"name"`
	Pattern             string `json:"pattern,omitempty"`
	ProviderAccountID   string `json:"provider_account_id,omitempty"`
	ProviderCampaignID  string `json:"provider_campaign_id,omitempty"`
	ProviderAccountName string `json:"provider_account_name,omitempty"`
	AllowMultiple       bool   `json:"allow_multiple,omitempty"`
}

// UnmappedCampaign records a provider campaign no rule claimed.
type UnmappedCampaign struct {
	ProviderAccountID  string    `json:"provider_account_id"`
	ProviderCampaignID string    `json:"provider_campaign_id"`
	Name               string    `json:"name"`
	FirstSeen          time.Time `json:"first_seen"`
}

// Mapping is the per-account mapping document.
type Mapping struct {
	AutoUpdate bool               `json:"auto_update"`
	Rules      []Rule             `json:"rules"`
	Unmapped   []UnmappedCampaign `json:"unmapped,omitempty"`
}

// Compiled regex cache
type regexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *regexCache {
	return &regexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *regexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

func settingKey(mediaAccountID uint) string {
	return fmt.Sprintf("%s%d", settings.KeyCampaignMappingPrefix, mediaAccountID)
}

// LoadMapping retrieves the mapping document for a media account.
// A missing document yields an empty mapping with AutoUpdate enabled, so
// newly connected accounts start collecting unmapped campaigns immediately.
func LoadMapping(db *gorm.DB, mediaAccountID uint) (*Mapping, error) {
	raw, err := settings.GetSetting(db, settingKey(mediaAccountID))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &Mapping{AutoUpdate: true}, nil
		}
		return nil, fmt.Errorf("failed to load campaign mapping for account %d: %w", mediaAccountID, err)
	}

	var mapping Mapping
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return nil, fmt.Errorf("invalid campaign mapping for account %d: %w", mediaAccountID, err)
	}
	return &mapping, nil
}

// SaveMapping persists the mapping document for a media account.
func SaveMapping(db *gorm.DB, mediaAccountID uint, mapping *Mapping) error {
	raw, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign mapping: %w", err)
	}
	return settings.CreateOrUpdateSetting(db, settingKey(mediaAccountID), string(raw))
}

// Mapper resolves provider campaigns to internal campaign IDs for one
// media account. It is safe for use from a single pull goroutine; each
// account pull builds its own Mapper.
type Mapper struct {
	db             *gorm.DB
	logger         *slog.Logger
	mediaAccountID uint
	mapping        *Mapping
	regexCache     *regexCache
	newlySeen      map[string]bool
	claimed        map[int]string
	dirty          bool
}

// NewMapper loads the mapping for mediaAccountID and prepares rule matching.
func NewMapper(db *gorm.DB, logger *slog.Logger, mediaAccountID uint) (*Mapper, error) {
	mapping, err := LoadMapping(db, mediaAccountID)
	if err != nil {
		return nil, err
	}
	return &Mapper{
		db:             db,
		logger:         logger,
		mediaAccountID: mediaAccountID,
		mapping:        mapping,
		regexCache:     newRegexCache(),
		newlySeen:      make(map[string]bool),
		claimed:        make(map[int]string),
	}, nil
}

// Match resolves a provider campaign to an internal campaign ID from the
// four lookup dimensions: ad account ID, campaign ID, ad account name and
// campaign name. Returns (0, false) when no rule claims the campaign; with
// AutoUpdate the campaign is also queued for write-back via Flush.
func (m *Mapper) Match(providerAccountID, providerCampaignID, providerAccountName, campaignName string) (uint, bool) {
	if id, ok := m.matchRules(providerAccountID, providerCampaignID, providerAccountName, campaignName); ok {
		return id, true
	}
	m.recordUnmapped(providerAccountID, providerCampaignID, campaignName)
	return 0, false
}

func (m *Mapper) matchRules(providerAccountID, providerCampaignID, providerAccountName, campaignName string) (uint, bool) {
	// Pattern rules first, in document order.
	for i := range m.mapping.Rules {
		rule := &m.mapping.Rules[i]
		if rule.Pattern == "" && rule.ProviderCampaignID == "" {
			continue
		}
		if !m.accountScopeMatches(rule, providerAccountID, providerAccountName) {
			continue
		}
		if !m.patternMatches(rule.ProviderCampaignID, providerCampaignID) {
			continue
		}
		if !m.patternMatches(rule.Pattern, campaignName) {
			continue
		}
		if m.claim(i, rule, providerCampaignID) {
			return rule.CampaignID, true
		}
	}

	// Literal fallback: exact campaign ID, then case-insensitive name.
	for i := range m.mapping.Rules {
		rule := &m.mapping.Rules[i]
		if rule.ProviderCampaignID == "" || rule.ProviderCampaignID != providerCampaignID {
			continue
		}
		if !m.accountScopeMatches(rule, providerAccountID, providerAccountName) {
			continue
		}
		if m.claim(i, rule, providerCampaignID) {
			return rule.CampaignID, true
		}
	}
	for i := range m.mapping.Rules {
		rule := &m.mapping.Rules[i]
		if rule.Name == "" || !strings.EqualFold(strings.TrimSpace(rule.Name), strings.TrimSpace(campaignName)) {
			continue
		}
		if !m.accountScopeMatches(rule, providerAccountID, providerAccountName) {
			continue
		}
		if m.claim(i, rule, providerCampaignID) {
			return rule.CampaignID, true
		}
	}
	return 0, false
}

// accountScopeMatches checks the rule's ad-account dimensions: the account
// ID pattern and the literal account name.
func (m *Mapper) accountScopeMatches(rule *Rule, providerAccountID, providerAccountName string) bool {
	if !m.patternMatches(rule.ProviderAccountID, providerAccountID) {
		return false
	}
	if rule.ProviderAccountName != "" &&
		!strings.EqualFold(strings.TrimSpace(rule.ProviderAccountName), strings.TrimSpace(providerAccountName)) {
		return false
	}
	return true
}

// patternMatches applies a pcre pattern; an empty pattern is unconstrained
// and an invalid one never matches.
func (m *Mapper) patternMatches(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	regex, err := m.regexCache.get(pattern)
	if err != nil {
		m.logger.Warn("Skipping campaign rule with invalid pattern",
			slog.String("pattern", pattern),
			slog.Any("error", err))
		return false
	}
	return regex.MatchString(value)
}

// claim enforces one provider campaign per rule unless the rule allows
// multiple campaigns to share the mapping.
func (m *Mapper) claim(i int, rule *Rule, providerCampaignID string) bool {
	if rule.AllowMultiple {
		return true
	}
	prev, taken := m.claimed[i]
	if !taken {
		m.claimed[i] = providerCampaignID
		return true
	}
	return prev == providerCampaignID
}

func (m *Mapper) recordUnmapped(providerAccountID, providerCampaignID, name string) {
	if !m.mapping.AutoUpdate {
		return
	}
	key := providerAccountID + "/" + providerCampaignID
	if m.newlySeen[key] {
		return
	}
	for _, u := range m.mapping.Unmapped {
		if u.ProviderAccountID == providerAccountID && u.ProviderCampaignID == providerCampaignID {
			m.newlySeen[key] = true
			return
		}
	}

	m.newlySeen[key] = true
	m.dirty = true
	m.mapping.Unmapped = append(m.mapping.Unmapped, UnmappedCampaign{
		ProviderAccountID:  providerAccountID,
		ProviderCampaignID: providerCampaignID,
		Name:               name,
		FirstSeen:          time.Now().UTC(),
	})
	m.logger.Info("Discovered unmapped provider campaign",
		slog.String("provider_account_id", providerAccountID),
		slog.String("provider_campaign_id", providerCampaignID),
		slog.String("campaign_name", name))
}

// Flush persists any unmapped campaigns collected during matching.
func (m *Mapper) Flush() error {
	if !m.dirty {
		return nil
	}
	if err := SaveMapping(m.db, m.mediaAccountID, m.mapping); err != nil {
		return err
	}
	m.dirty = false
	return nil
}
