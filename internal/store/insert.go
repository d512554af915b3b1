package store

import (
	"context"
	"database/sql"
	"strings"
)

// MaxRowsPerInsert bounds the rows of one multi-row INSERT statement.
// 9 columns * 100 rows stays well under the driver's parameter limits.
const MaxRowsPerInsert = 100

// MultiRowInsert describes a batched INSERT:
//
//	<Prefix> VALUES (?,?,..),(?,?,..) <Suffix>
type MultiRowInsert struct {
	Prefix  string // "INSERT INTO t (a, b, c)"
	Columns int
	Suffix  string // "ON CONFLICT DO NOTHING"
}

// Build renders the statement for n rows.
func (m MultiRowInsert) Build(n int) string {
	placeholder := "(" + strings.Repeat("?,", m.Columns-1) + "?)"

	var query strings.Builder
	query.Grow(len(m.Prefix) + len(m.Suffix) + 16 + n*(len(placeholder)+1))

	query.WriteString(m.Prefix)
	query.WriteString(" VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString(placeholder)
	}
	if m.Suffix != "" {
		query.WriteByte(' ')
		query.WriteString(m.Suffix)
	}
	return query.String()
}

// ExecChunked inserts rows chunk by chunk inside tx. args(i) returns the
// column values of row i.
func (m MultiRowInsert) ExecChunked(ctx context.Context, tx *sql.Tx, rows int, args func(i int) []any) (int64, error) {
	var affected int64
	for start := 0; start < rows; start += MaxRowsPerInsert {
		end := start + MaxRowsPerInsert
		if end > rows {
			end = rows
		}

		flat := make([]any, 0, (end-start)*m.Columns)
		for i := start; i < end; i++ {
			flat = append(flat, args(i)...)
		}

		res, err := tx.ExecContext(ctx, m.Build(end-start), flat...)
		if err != nil {
			return affected, err
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	return affected, nil
}
