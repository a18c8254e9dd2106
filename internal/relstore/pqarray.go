package relstore

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// pqStringArr scans/writes a Postgres text[] column as a []string
// without pulling in a separate array-handling driver package.
type pqStringArr []string

func (a *pqStringArr) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("pqStringArr: unsupported scan type %T", src)
	}
	*a = parsePGTextArray(s)
	return nil
}

func (a pqStringArr) Value() (driver.Value, error) {
	return pqStringArray([]string(a)), nil
}

// pqStringArray renders a Go []string as a Postgres array literal.
func pqStringArray(ss []string) string {
	if ss == nil {
		return "{}"
	}
	quoted := make([]string, len(ss))
	for i, s := range ss {
		escaped := strings.ReplaceAll(s, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		quoted[i] = `"` + escaped + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// parsePGTextArray parses a Postgres array literal of the form
// {"a","b"} or {a,b} into a Go []string.
func parsePGTextArray(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return nil
	}
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil
	}

	var out []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	out = append(out, cur.String())
	return out
}
