// Package priority translates tracker priority labels to desk priority labels.
package priority

// Mapper is an exact-match lookup with a fallback for unmapped labels.
// Matching is case-sensitive.
type Mapper struct {
	mapping  map[string]string
	fallback string
}

// NewMapper creates a Mapper from the configured map and fallback label.
func NewMapper(mapping map[string]string, fallback string) *Mapper {
	return &Mapper{mapping: mapping, fallback: fallback}
}

// Map returns the desk priority for a tracker priority label.
func (m *Mapper) Map(sourceLabel string) string {
	if target, ok := m.mapping[sourceLabel]; ok {
		return target
	}
	return m.fallback
}
