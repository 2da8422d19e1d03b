package store

import (
	"fmt"
	"strings"

	"github.com/sells-group/forecast-cli/internal/model"
)

// EntityFilter narrows the entity catalog. Empty fields are ignored.
type EntityFilter struct {
	ASIN         string `json:"asin,omitempty"`
	SalesChannel string `json:"sales_channel,omitempty"`
	IWASKU       string `json:"iwasku,omitempty"`
}

// placeholder renders the n-th (1-based) bind parameter of a dialect.
type placeholder func(n int) string

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func questionPlaceholder(int) string { return "?" }

// queryBuilder accumulates AND-ed conditions with bound arguments. Values are
// never interpolated into the SQL text.
type queryBuilder struct {
	ph    placeholder
	conds []string
	args  []any
}

func newQueryBuilder(ph placeholder) *queryBuilder {
	return &queryBuilder{ph: ph}
}

// next returns the placeholder for a new argument and records its value.
func (b *queryBuilder) next(v any) string {
	b.args = append(b.args, v)
	return b.ph(len(b.args))
}

// eq adds "col = <param>".
func (b *queryBuilder) eq(col string, v any) *queryBuilder {
	b.conds = append(b.conds, fmt.Sprintf("%s = %s", col, b.next(v)))
	return b
}

// eqIf adds "col = <param>" when v is non-empty.
func (b *queryBuilder) eqIf(col, v string) *queryBuilder {
	if v == "" {
		return b
	}
	return b.eq(col, v)
}

// raw adds a condition verbatim.
func (b *queryBuilder) raw(cond string) *queryBuilder {
	b.conds = append(b.conds, cond)
	return b
}

// where renders the WHERE clause (without the keyword).
func (b *queryBuilder) where() string {
	if len(b.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(b.conds, " AND ")
}

// entityQuery builds the catalog query for filter.
func entityQuery(ph placeholder, filter EntityFilter) (string, []any) {
	b := newQueryBuilder(ph).
		eq("data_source", int(model.SourceActual)).
		eqIf("asin", filter.ASIN).
		eqIf("sales_channel", filter.SalesChannel).
		eqIf("iwasku", filter.IWASKU)

	q := fmt.Sprintf(
		"SELECT DISTINCT asin, sales_channel FROM %s WHERE %s ORDER BY asin, sales_channel",
		SalesTable, b.where(),
	)
	return q, b.args
}
