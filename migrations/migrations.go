// Package migrations embeds the schema files run by the migrate command.
package migrations

import (
	"embed"
	"strings"
)

//go:embed *.sql clickhouse/*.sql
var files embed.FS

func read(name string) (string, error) {
	b, err := files.ReadFile(name)
	return string(b), err
}

// MySQL returns the journal and API client schema.
func MySQL() (string, error) { return read("001_init.sql") }

// ClickHouse returns the reporting schema.
func ClickHouse() (string, error) { return read("clickhouse/001_init.sql") }

// Statements splits a schema file on semicolons at line ends. Line comments
// are dropped.
func Statements(schema string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
			if stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
