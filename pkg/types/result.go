package types

// ScoreBreakdown holds the independently computed terms of a combined score.
// Terms whose weight is zero are reported as 0.
type ScoreBreakdown struct {
	Similarity float64 `json:"similarity"`
	Priority   float64 `json:"priority"`
	Popularity float64 `json:"popularity"`
	Department float64 `json:"department"`
	Campus     float64 `json:"campus"`
	Recency    float64 `json:"recency"`
}

// Total sums the score terms
func (b ScoreBreakdown) Total() float64 {
	return b.Similarity + b.Priority + b.Popularity + b.Department + b.Campus + b.Recency
}

// SearchResult is one ranked chunk with its decomposed score.
// It holds a copy of the chunk fields, never a live handle.
type SearchResult struct {
	// Identification
	ChunkID string
	Rank    int // Position in result set (1-based)

	// Scoring
	Similarity    float64 // 1 - cosine distance
	CombinedScore float64 // Ordering key; ties broken by ChunkID ascending
	Breakdown     ScoreBreakdown

	// Content
	Text          string
	DocumentTitle string
	PageNumber    int
	SectionTitle  string
	Metadata      Metadata
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == "" {
		return ErrInvalidChunkID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.Text == "" {
		return ErrEmptyContent
	}

	return nil
}

// Clone returns a deep copy of the result
func (sr SearchResult) Clone() SearchResult {
	sr.Metadata = sr.Metadata.Clone()
	return sr
}
