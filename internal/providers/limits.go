package providers

import (
	"embed"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"mediasync/internal/accounts"
)

// Embed the limits database
//
//go:embed database/limits.yml
var databaseFiles embed.FS

// Limits holds the pull tunables for one provider.
type Limits struct {
	BetweenOpsMin  time.Duration
	BetweenOpsMax  time.Duration
	RateLimitSleep time.Duration
	MaxErrors      int
	PageLimit      int
	FinalityAge    time.Duration
}

type limitsEntry struct {
	BetweenOpsMinMS       *int `yaml:"between_ops_min_ms"`
	BetweenOpsMaxMS       *int `yaml:"between_ops_max_ms"`
	RateLimitSleepSeconds *int `yaml:"rate_limit_sleep_seconds"`
	MaxErrors             *int `yaml:"max_errors"`
	PageLimit             *int `yaml:"page_limit"`
	FinalityAgeHours      *int `yaml:"finality_age_hours"`
}

type limitsFile struct {
	Defaults  limitsEntry            `yaml:"defaults"`
	Providers map[string]limitsEntry `yaml:"providers"`
}

var (
	limitsByProvider map[accounts.Provider]Limits
	limitsOnce       sync.Once
	limitsErr        error
)

func loadLimits() {
	data, err := databaseFiles.ReadFile("database/limits.yml")
	if err != nil {
		limitsErr = fmt.Errorf("failed to read limits database: %w", err)
		return
	}

	var file limitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		limitsErr = fmt.Errorf("failed to parse limits database: %w", err)
		return
	}

	limitsByProvider = make(map[accounts.Provider]Limits, len(accounts.AllProviders()))
	for _, provider := range accounts.AllProviders() {
		entry := file.Defaults
		if override, ok := file.Providers[string(provider)]; ok {
			mergeLimits(&entry, override)
		}
		limitsByProvider[provider] = Limits{
			BetweenOpsMin:  time.Duration(intOr(entry.BetweenOpsMinMS, 100)) * time.Millisecond,
			BetweenOpsMax:  time.Duration(intOr(entry.BetweenOpsMaxMS, 500)) * time.Millisecond,
			RateLimitSleep: time.Duration(intOr(entry.RateLimitSleepSeconds, 60)) * time.Second,
			MaxErrors:      intOr(entry.MaxErrors, 60),
			PageLimit:      intOr(entry.PageLimit, 1000),
			FinalityAge:    time.Duration(intOr(entry.FinalityAgeHours, 2)) * time.Hour,
		}
	}
}

func mergeLimits(base *limitsEntry, override limitsEntry) {
	if override.BetweenOpsMinMS != nil {
		base.BetweenOpsMinMS = override.BetweenOpsMinMS
	}
	if override.BetweenOpsMaxMS != nil {
		base.BetweenOpsMaxMS = override.BetweenOpsMaxMS
	}
	if override.RateLimitSleepSeconds != nil {
		base.RateLimitSleepSeconds = override.RateLimitSleepSeconds
	}
	if override.MaxErrors != nil {
		base.MaxErrors = override.MaxErrors
	}
	if override.PageLimit != nil {
		base.PageLimit = override.PageLimit
	}
	if override.FinalityAgeHours != nil {
		base.FinalityAgeHours = override.FinalityAgeHours
	}
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

// LimitsFor returns the pull limits for a provider from the embedded database.
func LimitsFor(provider accounts.Provider) (Limits, error) {
	limitsOnce.Do(loadLimits)
	if limitsErr != nil {
		return Limits{}, limitsErr
	}
	limits, ok := limitsByProvider[provider]
	if !ok {
		return Limits{}, fmt.Errorf("no limits configured for provider %s", provider)
	}
	return limits, nil
}
