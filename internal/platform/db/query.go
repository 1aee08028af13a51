package db

import (
	"fmt"
	"strings"
)

// ListQuery builds the count and page queries of a filtered list endpoint.
// Clauses are ANDed together and use positional parameters.
type ListQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func NewListQuery(table, cols string) *ListQuery {
	return &ListQuery{table: table, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *ListQuery) Idx() int { return q.idx }

// Add appends a raw clause using $Idx() placeholders for args.
func (q *ListQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddEqual adds "column = value".
func (q *ListQuery) AddEqual(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// AddContains adds a case-insensitive substring match. LIKE wildcards in
// value are matched literally.
func (q *ListQuery) AddContains(column, value string) {
	q.Add(fmt.Sprintf(`%s ILIKE $%d ESCAPE '\'`, column, q.idx), "%"+EscapeLike(value)+"%")
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *ListQuery) OrderBy(orderBy string) { q.orderBy = orderBy }

func (q *ListQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *ListQuery) CountArgs() []interface{} { return q.args }

// DataSQL returns the page query with ORDER BY and LIMIT/OFFSET.
func (q *ListQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
}

// DataArgs returns the filter args followed by limit and offset.
func (q *ListQuery) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes the LIKE metacharacters in s.
func EscapeLike(s string) string { return likeEscaper.Replace(s) }
