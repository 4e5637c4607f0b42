package config

import (
	"fmt"
	"sync/atomic"
)

// Setting keys persisted in the settings table and mutable at runtime.
const (
	KeyMaxSetsPerCategory = "MAX_SETS_PER_CATEGORY"
	KeyMaxAgeMonths       = "MAX_AGE_MONTHS"
)

// Settings holds the runtime-mutable allocation limits. Reads are lock-free;
// updates replace the values atomically so in-flight allocations observe
// either the old or the new limit, never a mix within one eviction pass.
type Settings struct {
	maxSetsPerCategory atomic.Int64
	maxAgeMonths       atomic.Int64
}

// NewSettings seeds runtime settings from static config.
func NewSettings(cfg AllocConfig) *Settings {
	s := &Settings{}
	s.maxSetsPerCategory.Store(int64(cfg.MaxSetsPerCategory))
	s.maxAgeMonths.Store(int64(cfg.MaxAgeMonths))
	return s
}

// MaxSetsPerCategory returns the current count cap.
func (s *Settings) MaxSetsPerCategory() int {
	return int(s.maxSetsPerCategory.Load())
}

// MaxAgeMonths returns the current age cap in calendar months.
func (s *Settings) MaxAgeMonths() int {
	return int(s.maxAgeMonths.Load())
}

// SetMaxSetsPerCategory updates the count cap.
func (s *Settings) SetMaxSetsPerCategory(n int) error {
	if n <= 0 {
		return fmt.Errorf("max_sets_per_category must be positive, got %d", n)
	}
	s.maxSetsPerCategory.Store(int64(n))
	return nil
}

// SetMaxAgeMonths updates the age cap.
func (s *Settings) SetMaxAgeMonths(n int) error {
	if n <= 0 {
		return fmt.Errorf("max_age_months must be positive, got %d", n)
	}
	s.maxAgeMonths.Store(int64(n))
	return nil
}
