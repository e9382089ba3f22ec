package models

// Transform kinds supported by the record transformer.
const (
	TransformDirect          = "direct"
	TransformBooleanInverted = "boolean_inverted"
	TransformDecimal         = "decimal"
	TransformDatetime        = "datetime"
	TransformMetadata        = "metadata"
)

// FieldMapping maps one upstream field path to an internal field. Mappings
// live in the configuration store and are edited at runtime; the transformer
// caches them with a short TTL.
type FieldMapping struct {
	ID            int64  `json:"id"`
	ExternalPath  string `json:"external_path"`
	InternalField string `json:"internal_field"`
	TransformKind string `json:"transform_kind"`
	SortOrder     int    `json:"sort_order"`
	Active        bool   `json:"active"`
}
