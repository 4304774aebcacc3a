package db

import (
	"strconv"
	"strings"

	"github.com/fieldsync/fieldsync/internal/schema"
)

type dialect struct {
	name       string
	primaryKey string
	bigint     string
	positional bool
}

var (
	sqliteDialect = dialect{
		name:       DriverSQLite,
		primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
		bigint:     "INTEGER",
	}
	postgresDialect = dialect{
		name:       DriverPostgres,
		primaryKey: "BIGSERIAL PRIMARY KEY",
		bigint:     "BIGINT",
		positional: true,
	}
)

// rebind rewrites ? placeholders to $1, $2, ... for postgres. Queries in this
// package never contain a literal question mark.
func (d dialect) rebind(q string) string {
	if !d.positional || !strings.Contains(q, "?") {
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

func (d dialect) columnType(kind schema.ColumnKind) string {
	switch kind {
	case schema.KindMoney, schema.KindInteger:
		return d.bigint
	default:
		return "TEXT"
	}
}

// placeholders returns "?, ?, ..." with n marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
