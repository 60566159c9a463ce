// Copyright 2025 James Ross
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// jsonColumns lists which columns of a canonical row must be serialized to
// JSON text before being bound as a query parameter, mirroring the original
// bulk loader's jsonb_columns set.
var jsonColumns = map[string]struct{}{
	"custom_fields_overflow": {},
	"settings":               {},
	"metadata":               {},
	"raw_data":               {},
	"sprints":                {},
}

// Row is one canonical entity ready to be upserted, keyed by column name.
type Row map[string]any

// BulkUpsert inserts rows into table in batches of batchSize, using
// ON CONFLICT (tenant_id, integration_id, external_id) DO NOTHING so a
// redelivered extraction message never produces a duplicate canonical row.
// conflictCols lets relationship tables (e.g. projects_wits) supply their own
// composite uniqueness key instead of the tenant/integration/external_id
// default.
func BulkUpsert(ctx context.Context, db *sqlx.DB, table string, rows []Row, batchSize int, conflictCols []string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if len(conflictCols) == 0 {
		conflictCols = []string{"tenant_id", "integration_id", "external_id"}
	}

	cols := columnOrder(rows[0])
	total := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := insertBatch(ctx, db, table, cols, rows[start:end], conflictCols)
		if err != nil {
			return total, fmt.Errorf("bulk upsert %s rows [%d:%d]: %w", table, start, end, err)
		}
		total += n
	}
	return total, nil
}

func columnOrder(sample Row) []string {
	cols := make([]string, 0, len(sample))
	for c := range sample {
		cols = append(cols, c)
	}
	return cols
}

func insertBatch(ctx context.Context, db *sqlx.DB, table string, cols []string, rows []Row, conflictCols []string) (int, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, bindValue(col, row[col]))
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}
	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))

	res, err := db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func bindValue(col string, v any) any {
	if _, ok := jsonColumns[col]; !ok {
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(b)
}

// BulkUpdate applies per-row UPDATE statements keyed by id, used for fields
// that change on resync (status, changelog deltas) where an upsert's
// DO NOTHING would silently drop the new values.
func BulkUpdate(ctx context.Context, db *sqlx.DB, table string, rows []Row, idCol string) (int, error) {
	updated := 0
	for _, row := range rows {
		id, ok := row[idCol]
		if !ok {
			return updated, fmt.Errorf("bulk update %s: row missing id column %q", table, idCol)
		}
		cols := make([]string, 0, len(row)-1)
		for c := range row {
			if c == idCol {
				continue
			}
			cols = append(cols, c)
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "UPDATE %s SET ", table)
		args := make([]any, 0, len(cols)+1)
		for i, col := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, bindValue(col, row[col]))
			fmt.Fprintf(&sb, "%s = $%d", col, len(args))
		}
		args = append(args, id)
		fmt.Fprintf(&sb, " WHERE %s = $%d", idCol, len(args))

		res, err := db.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return updated, fmt.Errorf("bulk update %s id=%v: %w", table, id, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	return updated, nil
}
