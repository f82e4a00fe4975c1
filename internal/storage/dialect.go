package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

type dialect struct {
	name       string
	migrations string
	// dollar switches ? placeholders to $n.
	dollar bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", migrations: "migrations/sqlite.sql"}
	dialectPostgres = dialect{name: "postgres", migrations: "migrations/postgres.sql", dollar: true}
)

// rebind rewrites ? placeholders for the dialect. Queries must not contain
// literal question marks.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// inInt64 renders "col matches any of ids".
func (d dialect) inInt64(col string, ids []int64) (string, []any) {
	if d.dollar {
		return col + " = ANY(?)", []any{pq.Array(ids)}
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return col + " IN (" + ph + ")", args
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
