package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/db"
	"github.com/gestorhub/erp-sync/internal/erp"
	"github.com/gestorhub/erp-sync/internal/models"
)

// Transformer converts raw upstream records into local products using the
// field-mapping table. Mappings and reference side tables are cached with
// a short TTL so runtime edits are absorbed without a restart.
type Transformer struct {
	store    db.Store
	cacheTTL time.Duration
	logger   *logrus.Logger

	mu         sync.Mutex
	mappings   []*models.FieldMapping
	references map[string]map[string]string
	loadedAt   time.Time
}

func NewTransformer(store db.Store, cacheTTL time.Duration, logger *logrus.Logger) *Transformer {
	return &Transformer{
		store:    store,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// referenceKinds are the indirect-reference side tables the upstream
// records point into by id.
var referenceKinds = []string{"brand", "category", "unit"}

func (t *Transformer) loadCache(ctx context.Context) ([]*models.FieldMapping, map[string]map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mappings != nil && time.Since(t.loadedAt) < t.cacheTTL {
		return t.mappings, t.references, nil
	}

	mappings, err := t.store.ListFieldMappings(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load field mappings: %w", err)
	}

	references := make(map[string]map[string]string, len(referenceKinds))
	for _, kind := range referenceKinds {
		entries, err := t.store.ListReferenceEntries(ctx, kind)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s references: %w", kind, err)
		}
		references[kind] = entries
	}

	t.mappings = mappings
	t.references = references
	t.loadedAt = time.Now()
	return t.mappings, t.references, nil
}

// ClearCache forces the next Transform call to reload mappings.
func (t *Transformer) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = nil
	t.references = nil
}

// Transform maps one raw upstream record into a local product. Indirect
// references that cannot be resolved produce nil fields rather than
// failing the record.
func (t *Transformer) Transform(ctx context.Context, rec erp.Record) (*models.Product, error) {
	mappings, references, err := t.loadCache(ctx)
	if err != nil {
		return nil, err
	}

	product := &models.Product{}

	for _, mapping := range mappings {
		raw := t.resolvePath(rec, references, mapping.ExternalPath)

		value, err := applyTransform(raw, mapping.TransformKind)
		if err != nil {
			return nil, fmt.Errorf("failed to transform field %q: %w", mapping.ExternalPath, err)
		}

		assignField(product, mapping.InternalField, value)
	}

	// Natural-key fields are normalized to non-null strings so composite
	// key lookups never compare against NULL.
	if product.Reference == "" {
		if ref, ok := rec.StringField("reference"); ok {
			product.Reference = ref
		}
	}
	product.Reference = strings.TrimSpace(product.Reference)

	if product.ExternalID == "" {
		product.ExternalID = strings.TrimSpace(asString(rec["id_product"]))
	}
	product.ExternalID = strings.TrimSpace(product.ExternalID)

	// The upstream modification timestamp governs staleness checks in the
	// merger and is carried forward unconditionally when present.
	if product.ModifiedAt == nil {
		for _, field := range []string{"_modified_at", "modified_at"} {
			if ts := asTime(rec[field]); ts != nil {
				product.ModifiedAt = ts
				break
			}
		}
	}

	return product, nil
}

// resolvePath extracts the raw value for one external path. Paths of the
// form "_ref.<kind>.title" are indirect references resolved through the
// side table; "gtin.<field>" digs into the record's GTIN collection;
// anything else is a plain top-level field.
func (t *Transformer) resolvePath(rec erp.Record, references map[string]map[string]string, path string) interface{} {
	if strings.HasPrefix(path, "_ref.") {
		parts := strings.SplitN(strings.TrimPrefix(path, "_ref."), ".", 2)
		kind := parts[0]
		refID := strings.TrimSpace(asString(rec["id_"+kind]))
		if refID == "" {
			return nil
		}
		title, ok := references[kind][refID]
		if !ok {
			return nil
		}
		return title
	}

	if strings.HasPrefix(path, "gtin.") {
		field := strings.TrimPrefix(path, "gtin.")
		return firstCollectionField(rec["gtin"], field)
	}

	return rec[path]
}

// firstCollectionField returns the named field of the first entry in a
// collection that may be a list or an id-keyed object.
func firstCollectionField(value interface{}, field string) interface{} {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if obj, ok := item.(map[string]interface{}); ok {
				if inner, ok := obj[field]; ok {
					return inner
				}
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			if obj, ok := item.(map[string]interface{}); ok {
				if inner, ok := obj[field]; ok {
					return inner
				}
			}
		}
	}
	return nil
}

func applyTransform(raw interface{}, kind string) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}

	switch kind {
	case models.TransformDirect, models.TransformMetadata:
		return raw, nil
	case models.TransformBooleanInverted:
		// The upstream "excluded" flag becomes the local "active" flag with
		// opposite polarity: excluded "N" means active.
		s := strings.ToUpper(strings.TrimSpace(asString(raw)))
		return s == "N" || s == "FALSE" || s == "0", nil
	case models.TransformDecimal:
		f, err := asFloat(raw)
		if err != nil {
			return nil, err
		}
		return f, nil
	case models.TransformDatetime:
		ts := asTime(raw)
		if ts == nil {
			return nil, fmt.Errorf("cannot parse %v as datetime", raw)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("unknown transform kind %q", kind)
	}
}

// assignField writes a transformed value to its internal field. Fields
// prefixed "metadata->" and fields with no typed column land in the
// metadata bag.
func assignField(product *models.Product, field string, value interface{}) {
	if value == nil {
		return
	}

	if strings.HasPrefix(field, "metadata->") {
		putMetadata(product, strings.TrimPrefix(field, "metadata->"), value)
		return
	}

	switch field {
	case "reference":
		product.Reference = asString(value)
	case "external_id":
		product.ExternalID = asString(value)
	case "description":
		product.Description = asString(value)
	case "brand":
		s := asString(value)
		product.Brand = &s
	case "group":
		s := asString(value)
		product.Group = &s
	case "subgroup":
		s := asString(value)
		product.Subgroup = &s
	case "unit":
		s := asString(value)
		product.Unit = &s
	case "gtin":
		s := asString(value)
		product.GTIN = &s
	case "active":
		if b, ok := value.(bool); ok {
			product.Active = b
		}
	case "price":
		if f, ok := value.(float64); ok {
			product.Price = &f
		}
	case "modified_at":
		if ts, ok := value.(*time.Time); ok {
			product.ModifiedAt = ts
		}
	default:
		putMetadata(product, field, value)
	}
}

func putMetadata(product *models.Product, key string, value interface{}) {
	if product.Metadata == nil {
		product.Metadata = make(map[string]interface{})
	}
	product.Metadata[key] = value
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(v, ",", "."))
		if s == "" {
			return 0, fmt.Errorf("empty decimal value")
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("cannot parse %T as decimal", value)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(value interface{}) *time.Time {
	switch v := value.(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return &ts
			}
		}
	}
	return nil
}
