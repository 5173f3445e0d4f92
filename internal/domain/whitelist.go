package domain

import (
	"strings"
	"time"
)

// WhitelistDomain is a trusted recipient domain.
type WhitelistDomain struct {
	Domain    string    `json:"domain"`
	IsActive  bool      `json:"is_active"`
	AddedBy   string    `json:"added_by,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeDomain lower-cases and trims a domain name.
func NormalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
