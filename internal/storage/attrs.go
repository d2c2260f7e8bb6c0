package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// attrTimeLayout is fixed width so timestamps compare correctly as text
const attrTimeLayout = "2006-01-02T15:04:05.000000000Z"

// buildAttrs extracts the well-known metadata keys into a normalized
// document that SQL predicates and scoring read. Callers still get the
// original metadata back; attrs only exists so SQL sees exactly the values
// the Go accessors in pkg/types see.
func buildAttrs(m types.Metadata) map[string]any {
	attrs := map[string]any{
		types.MetaClearanceLevel: m.ClearanceLevel(),
		types.MetaViewCount:      m.ViewCount(),
	}
	for _, key := range []string{types.MetaDepartment, types.MetaCampus, types.MetaDocType, types.MetaStatus} {
		if v, ok := m.String(key); ok {
			attrs[key] = v
		}
	}
	if p, ok := m.Int(types.MetaPriority); ok {
		attrs[types.MetaPriority] = p
	}
	if t, ok := m.Time(types.MetaLastReviewed); ok {
		attrs[types.MetaLastReviewed] = formatAttrTime(t)
	}
	if tags := m.Tags(); len(tags) > 0 {
		attrs[types.MetaTags] = tags
	}
	return attrs
}

func formatAttrTime(t time.Time) string {
	return t.UTC().Format(attrTimeLayout)
}

// encodeMetadata serializes chunk metadata and its attrs document
func encodeMetadata(m types.Metadata) (meta, attrs []byte, err error) {
	if m == nil {
		m = types.Metadata{}
	}
	meta, err = json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	attrs, err = json.Marshal(buildAttrs(m))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode metadata attributes: %w", err)
	}
	return meta, attrs, nil
}

func decodeMetadata(raw []byte) (types.Metadata, error) {
	if len(raw) == 0 {
		return types.Metadata{}, nil
	}
	var m types.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if m == nil {
		m = types.Metadata{}
	}
	return m, nil
}

func dimensionError(got, want int) error {
	return fmt.Errorf("%w: vector has %d dimensions, index has %d", types.ErrDimensionMismatch, got, want)
}
