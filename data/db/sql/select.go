package sql

import (
	"context"
	"strings"

	core "relmap/data/db"
	"relmap/data/db/dialect"
)

type orderTerm struct {
	column string
	desc   bool
}

type selectBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	cols   []string
	table  string
	where  []string
	args   []any
	orders []orderTerm
	limit  int
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

func (b *selectBuilder) OrderBy(column string, desc bool) ISelectBuilder {
	b.orders = append(b.orders, orderTerm{column: column, desc: desc})
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

func (b *selectBuilder) Build() (string, []any, error) {
	if err := checkIdentifiers("select", "table", b.table); err != nil {
		return "", nil, err
	}

	quoted := make([]string, len(b.cols))
	for i, col := range b.cols {
		if col == "*" {
			quoted[i] = col
			continue
		}
		if err := checkIdentifiers("select", "column", col); err != nil {
			return "", nil, err
		}
		quoted[i] = b.dialect.QuoteIdentifier(col)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))

	// 局部 args 副本，多次 Build 互不影响
	args := make([]any, 0, len(b.args)+1)
	args = append(args, b.args...)

	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	for i, o := range b.orders {
		if err := checkIdentifiers("select", "order column", o.column); err != nil {
			return "", nil, err
		}
		if i == 0 {
			sb.WriteString(" ORDER BY ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(b.dialect.QuoteIdentifier(o.column))
		if o.desc {
			sb.WriteString(" DESC")
		}
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return sb.String(), args, nil
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return b.db.Query(ctx, q, args...)
}
