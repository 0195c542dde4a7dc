package sql

import (
	"context"
	"database/sql"
	"strings"

	core "relmap/data/db"
	"relmap/data/db/dialect"
)

// deleteBuilder 按主键或中间表键删除行，必须带 WHERE。
type deleteBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table string
	where []string
	args  []any
}

func (b *deleteBuilder) Where(cond string, args ...any) IDeleteBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

func (b *deleteBuilder) Build() (string, []any, error) {
	if err := checkIdentifiers("delete", "table", b.table); err != nil {
		return "", nil, err
	}
	if len(b.where) == 0 {
		return "", nil, invalidStatement("delete", "missing where clause")
	}
	q := "DELETE FROM " + b.dialect.QuoteIdentifier(b.table) +
		" WHERE " + strings.Join(b.where, " AND ")
	return q, append([]any(nil), b.args...), nil
}

func (b *deleteBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return b.db.Exec(ctx, q, args...)
}
