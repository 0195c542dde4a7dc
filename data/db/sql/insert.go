package sql

import (
	"context"
	"database/sql"
	"strings"

	core "relmap/data/db"
	"relmap/data/db/dialect"
)

type insertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table     string
	columns   []string
	rows      [][]any
	returning string
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	b.rows = append(b.rows, vals)
	return b
}

func (b *insertBuilder) Returning(col string) IInsertBuilder {
	if b.dialect.SupportsReturning() {
		b.returning = col
	}
	return b
}

// Build 生成 INSERT 语句。
// 未设置列时生成 DEFAULT VALUES（仅有自增主键的表）。
func (b *insertBuilder) Build() (string, []any, error) {
	if err := checkIdentifiers("insert", "table", b.table); err != nil {
		return "", nil, err
	}
	if err := checkIdentifiers("insert", "column", b.columns...); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))

	var args []any
	if len(b.columns) == 0 {
		sb.WriteString(" DEFAULT VALUES")
	} else {
		if len(b.rows) == 0 {
			return "", nil, invalidStatement("insert", "at least one row is required")
		}
		args = make([]any, 0, len(b.rows)*len(b.columns))

		quotedCols := make([]string, len(b.columns))
		for i, col := range b.columns {
			quotedCols[i] = b.dialect.QuoteIdentifier(col)
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(quotedCols, ", "))
		sb.WriteString(") VALUES ")

		rowPlaceholder := "(" + strings.TrimRight(strings.Repeat("?, ", len(b.columns)), ", ") + ")"
		for i, row := range b.rows {
			if len(row) != len(b.columns) {
				return "", nil, invalidStatement("insert", "values length mismatch columns length")
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(rowPlaceholder)
			args = append(args, row...)
		}
	}

	if b.returning != "" {
		if err := checkIdentifiers("insert", "returning column", b.returning); err != nil {
			return "", nil, err
		}
		sb.WriteString(" RETURNING ")
		sb.WriteString(b.dialect.QuoteIdentifier(b.returning))
	}

	return sb.String(), args, nil
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return b.db.Exec(ctx, q, args...)
}

func (b *insertBuilder) ExecReturningID(ctx context.Context) (int64, error) {
	if b.returning == "" {
		res, err := b.Exec(ctx)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	q, args, err := b.Build()
	if err != nil {
		return 0, err
	}
	var id int64
	if err := b.db.QueryRow(ctx, q, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
