package heading

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/valyala/fasttemplate"
)

// Dialect is the query language spoken by a host platform.
type Dialect string

const (
	DialectAQL Dialect = "aql"
	DialectSQL Dialect = "sql"
)

// ErrNoNativeID marks a host row that cannot be cited later.
var ErrNoNativeID = errors.New("record has no native id")

// Native is a host row after normalization, before it is bound to a host
// and patient.
type Native struct {
	UID     string
	Date    *time.Time
	Payload map[string]any
}

// Transformer converts between the normalized form of one heading and the
// native query, result and write formats of the hosts.
type Transformer interface {
	Heading() Heading
	// TemplateID names the host write template; empty means the heading is read only.
	TemplateID() string
	// DateField is the payload field holding the record date.
	DateField() string
	// Query returns the query template for a dialect, with an {{ehrId}} tag
	// for AQL or an @ehrId parameter for SQL.
	Query(d Dialect) (string, bool)
	ToNative(op Operation, payload map[string]any) (map[string]any, error)
	FromNative(raw []byte) (*Native, error)
}

// RenderQuery substitutes the record-root id into an AQL template. SQL
// templates carry no tags and are returned unchanged.
func RenderQuery(tmpl, ehrID string) string {
	return fasttemplate.ExecuteString(tmpl, "{{", "}}", map[string]any{
		"ehrId": ehrID,
	})
}

// Registry selects the transformer of a heading.
type Registry struct {
	transformers map[Heading]Transformer
}

// NewRegistry creates a registry holding the given transformers
func NewRegistry(transformers ...Transformer) *Registry {
	r := &Registry{transformers: make(map[Heading]Transformer, len(transformers))}
	for _, t := range transformers {
		r.transformers[t.Heading()] = t
	}
	return r
}

// DefaultRegistry holds every built-in heading.
func DefaultRegistry() *Registry {
	return NewRegistry(
		newAllergies(),
		newContacts(),
		newMedications(),
		newProblems(),
		newProcedures(),
		newVaccinations(),
	)
}

// Get returns the transformer of a heading
func (r *Registry) Get(h Heading) (Transformer, bool) {
	t, ok := r.transformers[h]
	return t, ok
}

// Writable returns the transformer of a heading that has a write definition
func (r *Registry) Writable(h Heading) (Transformer, bool) {
	t, ok := r.transformers[h]
	if !ok || t.TemplateID() == "" {
		return nil, false
	}
	return t, true
}

// Headings lists the registered headings in name order
func (r *Registry) Headings() []Heading {
	out := make([]Heading, 0, len(r.transformers))
	for h := range r.transformers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fieldKind int

const (
	textField fieldKind = iota
	dateField
	numberField
)

// field maps one payload value to a result row path and a FLAT write path.
type field struct {
	name     string
	path     []string
	flat     string
	kind     fieldKind
	required bool
}

// base carries the field table shared by every heading transformer.
type base struct {
	heading    Heading
	templateID string
	dateField  string
	queries    map[Dialect]string
	fields     []field
}

func (b *base) Heading() Heading {
	return b.heading
}

func (b *base) TemplateID() string {
	return b.templateID
}

func (b *base) DateField() string {
	return b.dateField
}

func (b *base) Query(d Dialect) (string, bool) {
	q, ok := b.queries[d]
	return q, ok
}

// FromNative extracts the uid, date and mapped fields of a result row.
func (b *base) FromNative(raw []byte) (*Native, error) {
	uidValue, dataType, _, err := jsonparser.Get(raw, "uid")
	if err != nil || dataType != jsonparser.String {
		return nil, ErrNoNativeID
	}
	uid, err := jsonparser.ParseString(uidValue)
	if err != nil || uid == "" {
		return nil, ErrNoNativeID
	}

	n := &Native{UID: uid, Payload: make(map[string]any, len(b.fields))}
	for _, f := range b.fields {
		value, ok := extract(raw, f)
		if !ok {
			continue
		}
		n.Payload[f.name] = value
		if f.name == b.dateField {
			if t, ok := value.(time.Time); ok {
				n.Date = &t
			}
		}
	}

	return n, nil
}

// flatten maps payload fields to FLAT paths. Required fields are only
// enforced on create; an update may send a partial payload.
func (b *base) flatten(op Operation, payload map[string]any) (map[string]any, error) {
	out := map[string]any{
		"ctx/language":  "en",
		"ctx/territory": "GB",
	}

	for _, f := range b.fields {
		if f.flat == "" {
			continue
		}
		value, ok := payload[f.name]
		if !ok || value == nil || value == "" {
			if f.required && op == OperationCreate {
				return nil, fmt.Errorf("%s: %s must be defined", b.heading, f.name)
			}
			continue
		}
		if f.kind == dateField {
			t, err := toTime(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", b.heading, f.name, err)
			}
			value = t.UTC().Format(time.RFC3339)
		}
		out[f.flat] = value
	}

	if author, ok := payload["author"]; ok {
		out["ctx/composer_name"] = author
	}
	if source, ok := payload["source"]; ok {
		out["ctx/health_care_facility|name"] = source
	}
	if sourceID, ok := payload["sourceId"]; ok {
		out["ctx/health_care_facility|id"] = sourceID
	}

	return out, nil
}

func extract(raw []byte, f field) (any, bool) {
	value, dataType, _, err := jsonparser.Get(raw, f.path...)
	if err != nil || dataType == jsonparser.NotExist || dataType == jsonparser.Null {
		return nil, false
	}

	switch f.kind {
	case dateField:
		t, ok := parseDate(value, dataType)
		if !ok {
			return nil, false
		}
		return t, true
	case numberField:
		if dataType == jsonparser.Number {
			n, err := jsonparser.ParseFloat(value)
			return n, err == nil
		}
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, false
		}
		n, err := strconv.ParseFloat(s, 64)
		return n, err == nil
	default:
		switch dataType {
		case jsonparser.String:
			s, err := jsonparser.ParseString(value)
			return s, err == nil
		case jsonparser.Number, jsonparser.Boolean:
			return string(value), true
		default:
			return nil, false
		}
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDate accepts epoch milliseconds or an ISO 8601 string.
func parseDate(value []byte, dataType jsonparser.ValueType) (time.Time, bool) {
	switch dataType {
	case jsonparser.Number:
		ms, err := jsonparser.ParseInt(value)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return time.Time{}, false
		}
		return parseDateString(s)
	}
	return time.Time{}, false
}

func parseDateString(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if t, ok := parseDateString(v); ok {
			return t, nil
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised date %v", value)
}
