package gateway

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/shuttledb/shuttle/internal/models"
)

// FingerprintQuery normalizes a source query (literals become placeholders)
// and returns its hash together with the normalized text. The hash tags each
// transfer's log trail so reruns of the same task query group together
// regardless of parameter values.
func FingerprintQuery(query string) (uint64, string) {
	query = strings.TrimSpace(query)
	query = strings.TrimSuffix(query, ";")

	normalized, err := pg_query.Normalize(query)
	if err != nil {
		normalized = query
	}
	return pg_query.HashXXH3_64([]byte(normalized), 0), normalized
}

// CheckSourceQuery rejects task queries that are not a single SELECT. The
// extract phase must never mutate the source, and multi-statement strings
// would silently drop everything after the first statement.
func CheckSourceQuery(query string) error {
	result, err := pg_query.Parse(query)
	if err != nil {
		return models.Tagf(models.KindQueryFatal, "source query does not parse: %v", err)
	}
	if len(result.Stmts) != 1 {
		return models.Tagf(models.KindQueryFatal, "source query must be a single statement, got %d", len(result.Stmts))
	}
	if result.Stmts[0].Stmt.GetSelectStmt() == nil {
		return models.Tagf(models.KindQueryFatal, "source query must be a SELECT")
	}
	return nil
}
