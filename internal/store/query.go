package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// Range is a closed interval filter on one column. A nil bound is
// open on that side.
type Range struct {
	From interface{}
	To   interface{}
}

// QuerySpec is a declarative filter assembled into one SELECT. Map
// keys are column names; they are sorted before assembly so the same
// spec always renders the same SQL and the same placeholder order.
type QuerySpec struct {
	Conditions map[string]interface{} // col = value
	Ranges     map[string]Range       // col BETWEEN bounds
	Fuzzies    map[string]string      // col LIKE %value%
	Ins        map[string][]interface{}

	// Raw is an escape hatch appended verbatim to the WHERE clause,
	// with its own positional args renumbered into the statement.
	Raw     string
	RawArgs []interface{}

	GroupBy string
	OrderBy string
	Limit   int
	Offset  int
}

// Page is one page of a paginated query.
type Page[T any] struct {
	Items []T
	Total int64
	Pages int64
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// build renders the WHERE/GROUP BY/ORDER BY/LIMIT tail. Soft-deleted
// rows are always excluded.
func (q QuerySpec) build() (string, []interface{}, error) {
	where := []string{"is_delete = 0"}
	var args []interface{}

	next := func() int { return len(args) + 1 }

	for _, col := range sortedKeys(q.Conditions) {
		where = append(where, fmt.Sprintf("%s = $%d", col, next()))
		args = append(args, q.Conditions[col])
	}
	for _, col := range sortedKeys(q.Ranges) {
		r := q.Ranges[col]
		if r.From != nil {
			where = append(where, fmt.Sprintf("%s >= $%d", col, next()))
			args = append(args, r.From)
		}
		if r.To != nil {
			where = append(where, fmt.Sprintf("%s <= $%d", col, next()))
			args = append(args, r.To)
		}
	}
	for _, col := range sortedKeys(q.Fuzzies) {
		where = append(where, fmt.Sprintf("%s LIKE $%d", col, next()))
		args = append(args, "%"+q.Fuzzies[col]+"%")
	}
	for _, col := range sortedKeys(q.Ins) {
		vals := q.Ins[col]
		if len(vals) == 0 {
			return "", nil, apperrors.BadQuery("empty IN list for " + col)
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = fmt.Sprintf("$%d", next())
			args = append(args, v)
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")))
	}
	if q.Raw != "" {
		raw := q.Raw
		for _, a := range q.RawArgs {
			raw = strings.Replace(raw, "?", fmt.Sprintf("$%d", next()), 1)
			args = append(args, a)
		}
		where = append(where, "("+raw+")")
	}

	var sb strings.Builder
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(where, " AND "))
	if q.GroupBy != "" {
		sb.WriteString(" GROUP BY " + q.GroupBy)
	}
	if q.OrderBy != "" {
		sb.WriteString(" ORDER BY " + q.OrderBy)
	}
	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	if q.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", q.Offset))
	}
	return sb.String(), args, nil
}

// QueryAdvanced runs the declarative spec against T's table.
func QueryAdvanced[T any](ctx context.Context, s *Store, spec QuerySpec) ([]T, error) {
	meta, err := metaFor[T]()
	if err != nil {
		return nil, err
	}
	tail, args, err := spec.build()
	if err != nil {
		return nil, err
	}
	return Query[T](ctx, s, "SELECT * FROM "+meta.Table+tail, args...)
}

// QueryPage runs the spec with pagination and a total count. An
// ORDER BY is mandatory; pagination over an unordered set is not a
// stable page sequence.
func QueryPage[T any](ctx context.Context, s *Store, spec QuerySpec, page, pageSize int) (*Page[T], error) {
	if spec.OrderBy == "" {
		return nil, apperrors.BadQuery("paginated query requires an order by")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	meta, err := metaFor[T]()
	if err != nil {
		return nil, err
	}

	countSpec := spec
	countSpec.OrderBy = ""
	countSpec.Limit = 0
	countSpec.Offset = 0
	countTail, countArgs, err := countSpec.build()
	if err != nil {
		return nil, err
	}
	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM "+meta.Table+countTail, countArgs...); err != nil {
		return nil, wrapDBError(err, "count "+meta.Table)
	}

	spec.Limit = pageSize
	spec.Offset = (page - 1) * pageSize
	tail, args, err := spec.build()
	if err != nil {
		return nil, err
	}
	items, err := Query[T](ctx, s, "SELECT * FROM "+meta.Table+tail, args...)
	if err != nil {
		return nil, err
	}

	pages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		pages++
	}
	return &Page[T]{Items: items, Total: total, Pages: pages}, nil
}
