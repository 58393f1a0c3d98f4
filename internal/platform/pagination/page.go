// Package pagination normalizes page-size and page-token request parameters.
package pagination

import (
	"strconv"
	"strings"
)

// PageSizeConfig configures page size normalization.
type PageSizeConfig struct {
	Default int
	Max     int
}

// ClampPageSize applies defaults and limits for page sizes.
func ClampPageSize(value int, cfg PageSizeConfig) int {
	pageSize := value
	if pageSize <= 0 {
		pageSize = cfg.Default
	}
	if cfg.Max > 0 && pageSize > cfg.Max {
		pageSize = cfg.Max
	}
	if pageSize <= 0 {
		pageSize = 1
	}
	return pageSize
}

// ParsePageSize parses a raw query value and clamps it. Malformed values fall
// back to the default.
func ParsePageSize(raw string, cfg PageSizeConfig) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		value = 0
	}
	return ClampPageSize(value, cfg)
}
