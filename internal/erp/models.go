package erp

// Record is one raw upstream catalog row. The upstream schema is not under
// our control, so records stay opaque until the transformer maps them.
type Record map[string]interface{}

// StringField returns the named field as a string when present.
func (r Record) StringField(name string) (string, bool) {
	v, ok := r[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PageRequest describes one page fetch against the upstream catalog.
type PageRequest struct {
	Page          int
	Limit         *int
	ModifiedSince string
	UseStableSort bool
}
