// Package granule parses Sentinel-1 SLC product names.
//
// A granule name encodes platform, product type, and acquisition window,
// e.g. S1A_IW_SLC__1SDV_20240106T053430_20240106T053457_051933_064629_3C1D.
// Only the fields the pipeline needs are extracted.
package granule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Info is the subset of granule metadata the pipeline uses.
type Info struct {
	Name       string
	Platform   string // "S1A", "S1B", "S1C"
	AcquiredAt time.Time
}

var (
	platformRe  = regexp.MustCompile(`^(S1[A-C])_`)
	timestampRe = regexp.MustCompile(`(20\d{6}T\d{6})`)
)

// Parse extracts platform and acquisition start time from a granule name.
// Trailing .SAFE / .zip suffixes are tolerated.
func Parse(name string) (*Info, error) {
	trimmed := strings.TrimSpace(name)
	trimmed = strings.TrimSuffix(trimmed, ".zip")
	trimmed = strings.TrimSuffix(trimmed, ".SAFE")
	if trimmed == "" {
		return nil, fmt.Errorf("granule name is empty")
	}

	pm := platformRe.FindStringSubmatch(trimmed)
	if pm == nil {
		return nil, fmt.Errorf("granule %q: not a Sentinel-1 product name", name)
	}

	tm := timestampRe.FindStringSubmatch(trimmed)
	if tm == nil {
		return nil, fmt.Errorf("granule %q: no acquisition timestamp", name)
	}

	acquired, err := time.Parse("20060102T150405", tm[1])
	if err != nil {
		return nil, fmt.Errorf("granule %q: parse timestamp: %w", name, err)
	}

	return &Info{
		Name:       trimmed,
		Platform:   pm[1],
		AcquiredAt: acquired.UTC(),
	}, nil
}

// TemporalBaselineDays returns the absolute day difference between the
// acquisition dates of two granules.
func TemporalBaselineDays(reference, secondary string) (int, error) {
	ref, err := Parse(reference)
	if err != nil {
		return 0, fmt.Errorf("reference: %w", err)
	}
	sec, err := Parse(secondary)
	if err != nil {
		return 0, fmt.Errorf("secondary: %w", err)
	}

	refDay := ref.AcquiredAt.Truncate(24 * time.Hour)
	secDay := sec.AcquiredAt.Truncate(24 * time.Hour)
	days := int(secDay.Sub(refDay).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days, nil
}
