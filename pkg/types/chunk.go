package types

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Chunk represents a unit of indexed document text with its embedding and metadata.
// Chunks are created and updated by the ingestion pipeline; the search engine only reads them.
type Chunk struct {
	// Identification
	ID string

	// Content
	Text      string
	Embedding []float32 // nil until indexed; unindexed chunks are not searchable

	// Provenance, immutable after ingestion
	DocumentTitle string
	PageNumber    int
	SectionTitle  string

	Metadata Metadata
}

// Validate checks that the chunk can be stored
func (c *Chunk) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrInvalidChunkID
	}
	if strings.TrimSpace(c.Text) == "" {
		return ErrEmptyContent
	}
	if !utf8.ValidString(c.Text) {
		return errors.New("chunk text must be valid UTF-8")
	}
	if c.PageNumber < 0 {
		return errors.New("page number cannot be negative")
	}
	return c.Metadata.Validate()
}

// IsIndexed reports whether the chunk carries an embedding
func (c *Chunk) IsIndexed() bool {
	return len(c.Embedding) > 0
}

// Preview returns the first n runes of the chunk text, with an ellipsis when truncated.
func Preview(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
