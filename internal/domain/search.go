package domain

import "time"

// SearchFilters are structured pre-filters applied inside both the lexical
// and vector sub-queries, never as a post-filter on ranked results.
type SearchFilters struct {
	MediaKind      *MediaKind `json:"media_kind,omitempty"`
	PathPrefix     *string    `json:"path_prefix,omitempty"`
	ModifiedAfter  *time.Time `json:"modified_after,omitempty"`
	ModifiedBefore *time.Time `json:"modified_before,omitempty"`
}
