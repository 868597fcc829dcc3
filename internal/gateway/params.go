package gateway

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/shuttledb/shuttle/internal/models"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// fallback when the query does not parse; crude but only used then
var whereRe = regexp.MustCompile(`(?i)\bwhere\b`)

// BuildWhere appends the filter conjunction derived from task parameters to
// a source query. Scalar operators bind as @field, BETWEEN as @field_from
// and @field_to, IN as positional @field_0.. placeholders. Queries that
// already filter get the conjunction ANDed onto their WHERE clause.
func BuildWhere(query string, params []models.Parameter) (string, map[string]any, error) {
	if len(params) == 0 {
		return query, nil, nil
	}

	args := make(map[string]any, len(params))
	conditions := make([]string, 0, len(params))

	for _, p := range params {
		if !identRe.MatchString(p.Field) {
			return "", nil, models.Tagf(models.KindQueryFatal, "parameter field %q is not a valid identifier", p.Field)
		}
		name := uniqueName(args, p.Field)

		switch p.Operator {
		case models.OpEqual, models.OpLess, models.OpLessEqual,
			models.OpGreater, models.OpGreaterEqual, models.OpNotEqual:
			conditions = append(conditions, fmt.Sprintf("%s %s @%s", quoteIdent(p.Field), p.Operator, name))
			args[name] = p.Value

		case models.OpBetween:
			bounds, ok := asSlice(p.Value)
			if !ok || len(bounds) != 2 {
				return "", nil, models.Tagf(models.KindQueryFatal, "BETWEEN on %q needs exactly two values", p.Field)
			}
			from, to := name+"_from", name+"_to"
			conditions = append(conditions, fmt.Sprintf("%s BETWEEN @%s AND @%s", quoteIdent(p.Field), from, to))
			args[from] = bounds[0]
			args[to] = bounds[1]

		case models.OpIn:
			values, ok := asSlice(p.Value)
			if !ok || len(values) == 0 {
				return "", nil, models.Tagf(models.KindQueryFatal, "IN on %q needs at least one value", p.Field)
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				elem := fmt.Sprintf("%s_%d", name, i)
				placeholders[i] = "@" + elem
				args[elem] = v
			}
			conditions = append(conditions, fmt.Sprintf("%s IN (%s)", quoteIdent(p.Field), strings.Join(placeholders, ", ")))

		default:
			return "", nil, models.Tagf(models.KindQueryFatal, "unsupported operator %q on %q", p.Operator, p.Field)
		}
	}

	joiner := " WHERE "
	if hasWhereClause(query) {
		joiner = " AND "
	}
	return strings.TrimRight(query, " \t\n;") + joiner + strings.Join(conditions, " AND "), args, nil
}

// BuildInClause renders "col IN (@prefix0, ...)" over the given values and
// returns the clause with its named arguments.
func BuildInClause(column string, values []any, prefix string) (string, map[string]any) {
	args := make(map[string]any, len(values))
	placeholders := make([]string, len(values))
	for i, v := range values {
		name := fmt.Sprintf("%s%d", prefix, i)
		placeholders[i] = "@" + name
		args[name] = v
	}
	clause := fmt.Sprintf("%s IN (%s)", quoteIdent(column), strings.Join(placeholders, ", "))
	return clause, args
}

// uniqueName returns a binding name for field that does not collide with an
// already used name. The same field filtered twice gets an ordinal suffix.
func uniqueName(used map[string]any, field string) string {
	if _, taken := used[field]; !taken {
		if _, taken := used[field+"_from"]; !taken {
			return field
		}
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", field, i)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// hasWhereClause reports whether the statement already filters. The query is
// parsed; a parse failure falls back to a textual scan.
func hasWhereClause(query string) bool {
	result, err := pg_query.Parse(query)
	if err != nil || len(result.Stmts) == 0 {
		return whereRe.MatchString(query)
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return whereRe.MatchString(query)
	}
	return sel.WhereClause != nil
}

// asSlice normalizes a parameter value into a []any when it is any kind of
// slice or array.
func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
