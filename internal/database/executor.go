package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor runs scoped reads and raw statements for tenants. Every call runs
// inside a transaction whose search_path is pinned to the project's schema,
// so unqualified names cannot resolve into another tenant's tables.
type Executor struct {
	pool *pgxpool.Pool
}

func NewExecutor(pool *pgxpool.Pool) *Executor {
	return &Executor{pool: pool}
}

// RowQuery describes a scoped read of a single table.
type RowQuery struct {
	Schema    string // schema the query executes under
	Table     string // sanitized table name
	OrderBy   string // sanitized column name, empty for no ordering
	OrderDesc bool
	Limit     int

	// FilterProjectID, when non-zero, appends WHERE project_id = $1. Used for
	// shared public-schema tables where a project owns only its matching rows.
	FilterProjectID int64
}

// Rows executes a scoped read and returns JSON-friendly row maps.
func (e *Executor) Rows(ctx context.Context, q RowQuery) ([]map[string]interface{}, error) {
	var sb strings.Builder
	var args []interface{}

	fmt.Fprintf(&sb, "SELECT * FROM %s", quoteIdent(q.Table))
	if q.FilterProjectID != 0 {
		sb.WriteString(" WHERE project_id = $1")
		args = append(args, q.FilterProjectID)
	}
	if q.OrderBy != "" {
		dir := "ASC"
		if q.OrderDesc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", quoteIdent(q.OrderBy), dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	return ExecuteInSchema(ctx, e.pool, q.Schema, func(tx pgx.Tx) ([]map[string]interface{}, error) {
		rows, err := tx.Query(ctx, sb.String(), args...)
		if err != nil {
			return nil, err
		}
		return collectRows(rows)
	})
}

// Raw executes an arbitrary statement under the project's schema and returns
// any result rows. Statements without a result set return an empty slice.
func (e *Executor) Raw(ctx context.Context, schema, sql string) ([]map[string]interface{}, error) {
	return ExecuteInSchema(ctx, e.pool, schema, func(tx pgx.Tx) ([]map[string]interface{}, error) {
		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return nil, err
		}
		return collectRows(rows)
	})
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func collectRows(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	descs := rows.FieldDescriptions()
	var result []map[string]interface{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, desc := range descs {
			row[string(desc.Name)] = convertPgValue(values[i])
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if result == nil {
		result = []map[string]interface{}{}
	}

	return result, nil
}

// convertPgValue converts pgx-specific types to JSON-friendly representations.
func convertPgValue(v interface{}) interface{} {
	switch val := v.(type) {
	case [16]byte:
		// UUID as [16]byte → string
		u := pgtype.UUID{Bytes: val, Valid: true}
		s, _ := u.Value()
		return s
	case pgtype.UUID:
		if !val.Valid {
			return nil
		}
		s, _ := val.Value()
		return s
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = convertPgValue(item)
		}
		return result
	default:
		return v
	}
}

// SanitizeDBError maps database errors to client-safe messages. Raw driver
// errors never reach responses.
func SanitizeDBError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "violates unique constraint") {
		return "duplicate key value violates unique constraint"
	}
	if strings.Contains(msg, "violates not-null constraint") {
		return "null value in column violates not-null constraint"
	}
	if strings.Contains(msg, "violates foreign key constraint") {
		return "foreign key constraint violation"
	}
	if strings.Contains(msg, "violates check constraint") {
		return "check constraint violation"
	}
	if strings.Contains(msg, "does not exist") {
		return "requested resource does not exist"
	}
	if strings.Contains(msg, "permission denied") {
		return "permission denied"
	}
	if strings.Contains(msg, "syntax error") {
		return "syntax error in statement"
	}
	return "database operation failed"
}
