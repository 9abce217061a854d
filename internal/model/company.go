// Package model defines the core data types shared across the analysis pipeline.
package model

import (
	"strings"
	"time"
)

// Company identifies a domain under analysis. One row per registrable
// domain; created on the first report request and shared by every
// subsequent pipeline run for that domain.
type Company struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	AboutURL     string    `json:"about_url,omitempty"`
	AboutRaw     string    `json:"about_raw,omitempty"`
	AboutSummary string    `json:"about_summary,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NameFromDomain derives a display name from a bare domain
// ("acme-corp.com" -> "Acme Corp"). Used when a report is requested for a
// domain we have never seen.
func NameFromDomain(domain string) string {
	host := strings.TrimPrefix(strings.ToLower(domain), "www.")
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	host = strings.NewReplacer("-", " ", "_", " ").Replace(host)
	words := strings.Fields(host)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
