// ABOUTME: Typed filter DSL for the query engine: parses field=value and field__op=value
// ABOUTME: pairs into (path, operator, value) conditions and evaluates them over entities.
package trace

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Op is a filter comparison operator. Equality is the default when no
// operator suffix is present.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// opSuffixes maps the wire-level __op suffixes to operators.
var opSuffixes = map[string]Op{
	"gt":  OpGt,
	"gte": OpGte,
	"lt":  OpLt,
	"lte": OpLte,
}

// Condition is one (field path, operator, value) triple. Path holds the
// dotted segments, e.g. ["stats", "filter_rate"]. Conditions combine with
// logical AND.
type Condition struct {
	Path  []string
	Op    Op
	Value string
}

// Filter is a parsed, validated query: a conjunction of conditions plus
// pagination. The zero Filter matches everything with default pagination.
type Filter struct {
	Conditions []Condition
	Limit      int
	Skip       int
}

// DefaultLimit bounds list results when the caller does not specify a limit.
const DefaultLimit = 100

// FieldKind describes how a top-level entity field may be addressed in a
// filter path.
type FieldKind int

const (
	// FieldScalar fields are compared directly and admit no dotted traversal.
	FieldScalar FieldKind = iota
	// FieldMap fields hold dynamic key->value mappings and require a dotted
	// subkey to compare against.
	FieldMap
)

// Schema lists the top-level fields an entity exposes to filters.
type Schema map[string]FieldKind

// Filterable field sets per entity. Nested dynamic mappings (metadata, stats,
// attributes, score, error) are addressed with dotted paths.
var (
	ExecutionSchema = Schema{
		"id":         FieldScalar,
		"category":   FieldScalar,
		"status":     FieldScalar,
		"repository": FieldScalar,
		"version":    FieldScalar,
		"metadata":   FieldMap,
	}
	StepSchema = Schema{
		"id":           FieldScalar,
		"execution_id": FieldScalar,
		"name":         FieldScalar,
		"category":     FieldScalar,
		"status":       FieldScalar,
		"stats":        FieldMap,
		"error":        FieldMap,
	}
	CandidateSchema = Schema{
		"id":           FieldScalar,
		"step_id":      FieldScalar,
		"candidate_id": FieldScalar,
		"decision":     FieldScalar,
		"reasoning":    FieldScalar,
		"attributes":   FieldMap,
		"score":        FieldMap,
	}
)

// reserved query keys that are pagination, not filter conditions.
const (
	keyLimit = "limit"
	keySkip  = "skip"
)

// ParseQuery parses URL query values into a Filter validated against the
// schema. Unknown field paths and malformed operator suffixes fail the whole
// query with a ValidationError rather than silently matching nothing.
func ParseQuery(values url.Values, schema Schema) (Filter, error) {
	f := Filter{Limit: DefaultLimit}

	for key, vals := range values {
		switch key {
		case keyLimit:
			n, err := strconv.Atoi(vals[len(vals)-1])
			if err != nil || n < 0 {
				return Filter{}, Validationf("invalid limit %q", vals[len(vals)-1])
			}
			f.Limit = n
			continue
		case keySkip:
			n, err := strconv.Atoi(vals[len(vals)-1])
			if err != nil || n < 0 {
				return Filter{}, Validationf("invalid skip %q", vals[len(vals)-1])
			}
			f.Skip = n
			continue
		}

		field, op, err := splitOp(key)
		if err != nil {
			return Filter{}, err
		}
		path, err := validatePath(field, schema)
		if err != nil {
			return Filter{}, err
		}
		for _, v := range vals {
			f.Conditions = append(f.Conditions, Condition{Path: path, Op: op, Value: v})
		}
	}

	return f, nil
}

// splitOp separates a query key into its field path and operator. A trailing
// __op suffix selects the operator; anything after __ that is not a known
// operator is rejected.
func splitOp(key string) (string, Op, error) {
	idx := strings.LastIndex(key, "__")
	if idx < 0 {
		return key, OpEq, nil
	}
	field, suffix := key[:idx], key[idx+2:]
	op, ok := opSuffixes[suffix]
	if !ok {
		return "", "", Validationf("unknown filter operator %q in %q", suffix, key)
	}
	if field == "" {
		return "", "", Validationf("missing field in filter key %q", key)
	}
	return field, op, nil
}

// validatePath checks a dotted field path against the schema: the head must
// be a known field, scalar fields admit no traversal, and map fields require
// exactly one subkey.
func validatePath(field string, schema Schema) ([]string, error) {
	path := strings.Split(field, ".")
	kind, ok := schema[path[0]]
	if !ok {
		return nil, Validationf("unknown filter field %q", path[0])
	}
	switch kind {
	case FieldScalar:
		if len(path) > 1 {
			return nil, Validationf("field %q does not support nested paths", path[0])
		}
	case FieldMap:
		if len(path) != 2 {
			return nil, Validationf("field %q requires a dotted subkey, e.g. %s.key", path[0], path[0])
		}
	}
	return path, nil
}

// Match evaluates the filter's conditions against an entity's field view as
// produced by FilterFields. All conditions must hold.
func (f Filter) Match(fields map[string]any) bool {
	for _, c := range f.Conditions {
		if !matchCondition(fields, c) {
			return false
		}
	}
	return true
}

// matchCondition resolves the condition's path and compares. A missing nested
// key never matches: entities lacking the addressed attribute are excluded.
func matchCondition(fields map[string]any, c Condition) bool {
	val, ok := resolve(fields, c.Path)
	if !ok {
		return false
	}
	return compare(val, c.Op, c.Value)
}

// resolve walks the dotted path through nested mappings.
func resolve(fields map[string]any, path []string) (any, bool) {
	cur, ok := fields[path[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range path[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compare applies the operator with numeric comparison when both sides parse
// as numbers and lexical comparison otherwise.
func compare(fieldVal any, op Op, want string) bool {
	if fn, ok := toFloat(fieldVal); ok {
		if wn, err := strconv.ParseFloat(want, 64); err == nil {
			return compareFloat(fn, op, wn)
		}
	}
	return compareString(fmt.Sprint(fieldVal), op, want)
}

// toFloat coerces the dynamic field value to a float64 where possible.
// JSON-decoded numbers arrive as float64; stored Go values may be ints.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func compareFloat(got float64, op Op, want float64) bool {
	switch op {
	case OpEq:
		return got == want
	case OpGt:
		return got > want
	case OpGte:
		return got >= want
	case OpLt:
		return got < want
	case OpLte:
		return got <= want
	}
	return false
}

func compareString(got string, op Op, want string) bool {
	switch op {
	case OpEq:
		return got == want
	case OpGt:
		return got > want
	case OpGte:
		return got >= want
	case OpLt:
		return got < want
	case OpLte:
		return got <= want
	}
	return false
}

// Paginate applies skip and limit to a slice of matched entities.
func Paginate[T any](items []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(items) {
			return []T{}
		}
		items = items[skip:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// FilterFields returns the execution's filterable view.
func (e *Execution) FilterFields() map[string]any {
	return map[string]any{
		"id":         e.ID,
		"category":   e.Category,
		"status":     string(e.Status),
		"repository": e.Repository,
		"version":    e.Version,
		"metadata":   e.Metadata,
	}
}

// FilterFields returns the step's filterable view. A standalone step exposes
// an empty execution_id.
func (s *Step) FilterFields() map[string]any {
	execID := ""
	if s.ExecutionID != nil {
		execID = *s.ExecutionID
	}
	return map[string]any{
		"id":           s.ID,
		"execution_id": execID,
		"name":         s.Name,
		"category":     string(s.Category),
		"status":       string(s.Status),
		"stats":        s.Stats,
		"error":        s.Error,
	}
}

// FilterFields returns the candidate decision's filterable view.
func (c *CandidateDecision) FilterFields() map[string]any {
	score := make(map[string]any, len(c.Score))
	for k, v := range c.Score {
		score[k] = v
	}
	return map[string]any{
		"id":           c.ID,
		"step_id":      c.StepID,
		"candidate_id": c.CandidateID,
		"decision":     string(c.Decision),
		"reasoning":    c.Reasoning,
		"attributes":   c.Attributes,
		"score":        score,
	}
}
