/*Package filter translates request query parameters into parameterized
WHERE clauses with typed bind values. A filter is an AND-combined, ordered
sequence of column predicates; it is built fresh for every request and never
persisted.
*/
package filter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hanzsales/salesapi/core"
	"github.com/hanzsales/salesapi/core/schema"
)

// Op is a predicate operator.
type Op string

// the supported operators
const (
	OpEquals         Op = "="
	OpContains       Op = "~" // case-insensitive substring
	OpGreaterOrEqual Op = ">="
	OpLessOrEqual    Op = "<="
)

// Predicate is a single column predicate.
type Predicate struct {
	Column string
	Op     Op
	Value  interface{}
}

// Filter is an ordered sequence of predicates, combined with AND.
// The zero value matches all rows.
type Filter struct {
	Predicates []Predicate
}

// Empty returns true if the filter matches all rows.
func (f Filter) Empty() bool {
	return len(f.Predicates) == 0
}

// FromQuery builds a filter for a CRUD list request. Only exact-match
// equality on descriptor columns is honored; parameter names that are not
// columns of the descriptor are ignored. This leniency is part of the
// published contract, unknown parameters must not fail the request.
func FromQuery(query url.Values, d *schema.Descriptor) (Filter, error) {
	var f Filter
	// iterate the descriptor, not the query map, to keep predicate order stable
	for _, column := range d.Columns {
		values, ok := query[column.Name]
		if !ok || len(values) == 0 {
			continue
		}
		value, err := coerce(values[0], column.Type, column.Name)
		if err != nil {
			return Filter{}, err
		}
		f.Predicates = append(f.Predicates, Predicate{Column: column.Name, Op: OpEquals, Value: value})
	}
	return f, nil
}

// search parameters and the view columns they bind to
var searchParameters = []struct {
	parameter string
	column    string
	op        Op
	typ       schema.Type
}{
	{"product_name", "product_name", OpContains, schema.TypeString},
	{"category_name", "product_category", OpContains, schema.TypeString},
	{"region_name", "region", OpContains, schema.TypeString},
	{"customer_id", "customer_id", OpEquals, schema.TypeInteger},
	{"date_from", "sale_date", OpGreaterOrEqual, schema.TypeDate},
	{"date_to", "sale_date", OpLessOrEqual, schema.TypeDate},
}

// SearchFromQuery builds a filter for the sales search endpoint. The
// parameter set is fixed; anything else in the query is ignored. Malformed
// date bounds are an error, silently dropping a bound would change the
// query semantics.
func SearchFromQuery(query url.Values) (Filter, error) {
	var f Filter
	for _, s := range searchParameters {
		value := query.Get(s.parameter)
		if value == "" {
			continue
		}
		typed, err := coerce(value, s.typ, s.parameter)
		if err != nil {
			return Filter{}, err
		}
		f.Predicates = append(f.Predicates, Predicate{Column: s.column, Op: s.op, Value: typed})
	}
	return f, nil
}

// WhereClause renders the filter as a WHERE clause with positional bind
// parameters starting at $(offset+1), and returns the bind values. An empty
// filter renders an empty clause.
func (f Filter) WhereClause(offset int) (string, []interface{}) {
	if f.Empty() {
		return "", nil
	}
	var conditions []string
	var values []interface{}
	for i, p := range f.Predicates {
		placeholder := "$" + strconv.Itoa(offset+i+1)
		switch p.Op {
		case OpContains:
			conditions = append(conditions, fmt.Sprintf("%s ILIKE %s", p.Column, placeholder))
			values = append(values, "%"+escapeLike(fmt.Sprintf("%v", p.Value))+"%")
		default:
			conditions = append(conditions, fmt.Sprintf("%s %s %s", p.Column, p.Op, placeholder))
			values = append(values, p.Value)
		}
	}
	return "WHERE " + strings.Join(conditions, " AND "), values
}

// escapeLike escapes the LIKE wildcards so user input matches literally
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func coerce(value string, typ schema.Type, name string) (interface{}, error) {
	switch typ {
	case schema.TypeInteger:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, core.NewError(core.KindInvalidFilter, "%s must be an integer", name)
		}
		return parsed, nil
	case schema.TypeDecimal:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, core.NewError(core.KindInvalidFilter, "%s must be a number", name)
		}
		return parsed, nil
	case schema.TypeDate:
		parsed, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, core.NewError(core.KindInvalidFilter, "%s must be a date string (YYYY-MM-DD)", name)
		}
		return parsed, nil
	default:
		return value, nil
	}
}
