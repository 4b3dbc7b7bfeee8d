package database

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// validSchemaName ensures schema names only contain safe characters. Schema
// names cannot be parameterized in SET LOCAL, so this regex is the last line
// of defense before string interpolation.
var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ExecuteInSchema runs a callback within a transaction whose search_path is
// pinned to the given tenant schema (plus public for shared lookups). SET
// LOCAL scopes the setting to the transaction, so a pooled connection never
// carries a prior tenant's search_path into the next checkout.
func ExecuteInSchema[T any](
	ctx context.Context,
	pool *pgxpool.Pool,
	schema string,
	fn func(tx pgx.Tx) (T, error),
) (T, error) {
	var zero T

	if !validSchemaName.MatchString(schema) {
		return zero, fmt.Errorf("invalid schema name: %s", schema)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// search_path cannot be parameterized; schema is validated via regex above
	_, err = tx.Exec(ctx, fmt.Sprintf(`SET LOCAL search_path = "%s", public`, schema))
	if err != nil {
		return zero, fmt.Errorf("set search_path %s: %w", schema, err)
	}

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("commit tx: %w", err)
	}

	return result, nil
}
