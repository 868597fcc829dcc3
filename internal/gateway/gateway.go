// Package gateway executes typed SQL against the transfer endpoints: named
// parameter binding, row streaming, introspection, and single-row typed
// inserts with duplicate detection.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// Querier is the subset of a pgx connection the gateway operates on.
// *pgxpool.Conn, *pgxpool.Pool, and pgx.Tx all satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordSet is a fully materialized query result.
type RecordSet struct {
	Columns []string
	Rows    []map[string]any
}

// Len returns the number of rows in the set.
func (r *RecordSet) Len() int {
	return len(r.Rows)
}

// RowStream is a lazy, forward-only view over a query result. It holds its
// connection until Close; exactly one stream may be open per connection.
type RowStream struct {
	rows    pgx.Rows
	columns []string
}

// Columns returns the result column names in order.
func (s *RowStream) Columns() []string {
	return s.columns
}

// Next advances to the next row. It returns false at the end of the set or
// on error; check Err after a false return.
func (s *RowStream) Next() bool {
	return s.rows.Next()
}

// Record returns the current row as a column-keyed map.
func (s *RowStream) Record() (map[string]any, error) {
	values, err := s.rows.Values()
	if err != nil {
		return nil, Classify(err)
	}
	record := make(map[string]any, len(s.columns))
	for i, col := range s.columns {
		record[col] = values[i]
	}
	return record, nil
}

// Err returns the error that terminated iteration, if any.
func (s *RowStream) Err() error {
	if err := s.rows.Err(); err != nil {
		return Classify(err)
	}
	return nil
}

// Close releases the stream's hold on its connection. Safe to call twice.
func (s *RowStream) Close() {
	s.rows.Close()
}

// Gateway runs typed SQL operations against a leased connection. The
// destination schema qualifies every table reference.
type Gateway struct {
	schema string
}

// New creates a gateway qualifying destination tables with schema.
func New(schema string) *Gateway {
	if schema == "" {
		schema = "dbo"
	}
	return &Gateway{schema: schema}
}

// Schema returns the configured destination schema.
func (g *Gateway) Schema() string {
	return g.schema
}

func (g *Gateway) qualify(table string) string {
	return pgx.Identifier{g.schema, table}.Sanitize()
}

// Query executes sql with named @param binding and materializes the result.
func (g *Gateway) Query(ctx context.Context, q Querier, sql string, params map[string]any) (*RecordSet, error) {
	stream, err := g.StreamQuery(ctx, q, sql, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	set := &RecordSet{Columns: stream.Columns()}
	for stream.Next() {
		record, err := stream.Record()
		if err != nil {
			return nil, err
		}
		set.Rows = append(set.Rows, record)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// Exec runs a statement with named @param binding and returns the affected
// row count.
func (g *Gateway) Exec(ctx context.Context, q Querier, sql string, params map[string]any) (int64, error) {
	args := make([]any, 0, 1)
	if len(params) > 0 {
		args = append(args, pgx.NamedArgs(SanitizeParams(params)))
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, Classify(err)
	}
	return tag.RowsAffected(), nil
}

// StreamQuery executes sql with named @param binding and returns a lazy
// stream over the result. The caller must Close the stream.
func (g *Gateway) StreamQuery(ctx context.Context, q Querier, sql string, params map[string]any) (*RowStream, error) {
	args := make([]any, 0, 1)
	if len(params) > 0 {
		args = append(args, pgx.NamedArgs(SanitizeParams(params)))
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, Classify(err)
	}

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}
	return &RowStream{rows: rows, columns: columns}, nil
}

// SelectKeys streams the given key columns of every destination row. Used to
// preload the duplicate pre-check set.
func (g *Gateway) SelectKeys(ctx context.Context, q Querier, table string, keys []string) (*RowStream, error) {
	if len(keys) == 0 {
		return nil, models.Tagf(models.KindQueryFatal, "no key columns for %s", table)
	}
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), g.qualify(table))
	return g.StreamQuery(ctx, q, sql, nil)
}

// ColumnTypes returns the destination table's column types keyed by column
// name. Columns absent from the map fall back to value inference.
func (g *Gateway) ColumnTypes(ctx context.Context, q Querier, table string) (map[string]string, error) {
	const query = `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := q.Query(ctx, query, g.schema, table)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	types := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, Classify(err)
		}
		types[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	return types, nil
}

// ColumnMaxLength returns the declared maximum character length of a column.
// Zero means unbounded or unknown.
func (g *Gateway) ColumnMaxLength(ctx context.Context, q Querier, table, column string) (int, error) {
	const query = `
		SELECT COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`

	var max int
	err := q.QueryRow(ctx, query, g.schema, table, column).Scan(&max)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, Classify(err)
	}
	if max < 0 {
		// Some drivers report -1 for unbounded text columns.
		return 0, nil
	}
	return max, nil
}

// Count returns the destination table's row count.
func (g *Gateway) Count(ctx context.Context, q Querier, table string) (int64, error) {
	var count int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", g.qualify(table))
	if err := q.QueryRow(ctx, sql).Scan(&count); err != nil {
		return 0, Classify(err)
	}
	return count, nil
}

// ClearTable deletes every row of the destination table and returns how many
// went away. A missing table reports models.KindMissingTable.
func (g *Gateway) ClearTable(ctx context.Context, q Querier, table string) (int64, error) {
	tag, err := q.Exec(ctx, fmt.Sprintf("DELETE FROM %s", g.qualify(table)))
	if err != nil {
		return 0, Classify(err)
	}
	logger.Debug("cleared destination table", "table", table, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// InsertTyped inserts one sanitized row with values converted per the
// column-type map. Unique violations report models.KindDuplicateKey.
func (g *Gateway) InsertTyped(ctx context.Context, q Querier, table string, row map[string]any, types map[string]string) (int64, error) {
	if len(row) == 0 {
		return 0, nil
	}

	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	idents := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		idents[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = BindValue(row[col], types[col])
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		g.qualify(table),
		strings.Join(idents, ", "),
		strings.Join(placeholders, ", "))

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, Classify(err)
	}
	return tag.RowsAffected(), nil
}

