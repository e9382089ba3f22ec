package models

// CompletePagesSentinel marks a request for an unbounded "complete" sync.
const CompletePagesSentinel = 999

// SyncParams are the requested parameters for one sync attempt.
type SyncParams struct {
	ActiveOnly        bool   `json:"active_only"`
	Limit             *int   `json:"limit,omitempty"`
	Pages             int    `json:"pages"`
	ResumeJobID       string `json:"resume_job_id,omitempty"`
	Dedupe            bool   `json:"dedupe"`
	UseModifiedFilter bool   `json:"use_modified_filter"`
	DryRun            bool   `json:"dry_run"`
}

// IsComplete reports whether the request asks for an unbounded sync.
func (p SyncParams) IsComplete() bool {
	return p.Pages >= CompletePagesSentinel
}

// SyncType returns the sync kind implied by the requested page count.
func (p SyncParams) SyncType() string {
	if p.IsComplete() {
		return SyncTypeComplete
	}
	return SyncTypeQuick
}

// PageStats are the per-page merge counters reported by the batch merger.
type PageStats struct {
	Inserted   int            `json:"inserted"`
	Updated    int            `json:"updated"`
	Skipped    int            `json:"skipped"`
	Errored    int            `json:"errored"`
	ErrorTypes map[string]int `json:"error_types,omitempty"`
}

// Add accumulates another page's counters into s.
func (s *PageStats) Add(other PageStats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Errored += other.Errored
	for kind, n := range other.ErrorTypes {
		if s.ErrorTypes == nil {
			s.ErrorTypes = make(map[string]int)
		}
		s.ErrorTypes[kind] += n
	}
}
