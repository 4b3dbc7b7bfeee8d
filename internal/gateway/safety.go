package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// StatementFilter inspects a raw SQL statement before it may execute under a
// tenant schema. Implementations return nil to allow, or a *Denial carrying
// DenySchemaEscape or DenyProtectedDDL to reject. The filter is a strategy:
// the textual implementation below can be swapped for a parser-based one
// without changing the gateway's call contract.
type StatementFilter interface {
	Check(sql, activeSchema string) error
}

// TextualFilter is a best-effort textual scan, not a SQL parser. It catches
// the common evasions (pg_catalog references, another tenant's p{N} schema,
// mixed case, quoted identifiers) but is inherently incomplete against
// string-literal tricks or comments splitting keywords. Known gap, accepted:
// the statement still executes under a pinned search_path, which is the
// primary isolation lever.
type TextualFilter struct {
	ddlWithProtected *regexp.Regexp
}

// qualifiedRef matches schema.identifier style references, tolerant of
// quoting and whitespace around the dot.
var qualifiedRef = regexp.MustCompile(`("[^"]+"|[A-Za-z_][A-Za-z0-9_$]*)\s*\.\s*("[^"]+"|[A-Za-z_][A-Za-z0-9_$]*)`)

// ddlKeyword matches statements that create, alter, drop or truncate.
var ddlKeyword = regexp.MustCompile(`(?i)\b(create|alter|drop|truncate)\b`)

func NewTextualFilter() *TextualFilter {
	// One combined pattern for protected names, case-insensitive, bounded so
	// "users" does not match "power_users".
	names := make([]string, 0, len(protectedTables))
	for _, t := range protectedTables {
		names = append(names, regexp.QuoteMeta(t))
	}
	return &TextualFilter{
		ddlWithProtected: regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`),
	}
}

// Check applies the schema-escape scan and then the protected-DDL scan.
// Rejections carry a machine-readable reason and happen before any execution.
func (f *TextualFilter) Check(sql, activeSchema string) error {
	active := strings.ToLower(activeSchema)

	for _, m := range qualifiedRef.FindAllStringSubmatch(sql, -1) {
		schema := normalizeIdent(m[1])
		if schema == active || schema == "public" {
			continue
		}
		return &Denial{
			Code:    DenySchemaEscape,
			Message: "statement references a schema outside the project",
			Detail:  fmt.Sprintf("qualified reference %s.%s, active schema %s", schema, normalizeIdent(m[2]), active),
		}
	}

	if ddlKeyword.MatchString(sql) {
		if m := f.ddlWithProtected.FindString(sql); m != "" {
			return &Denial{
				Code:    DenyProtectedDDL,
				Message: "statement targets a protected table",
				Detail:  fmt.Sprintf("ddl against protected table %s", strings.ToLower(m)),
			}
		}
	}

	return nil
}

// normalizeIdent strips double quotes and lowercases, matching how PostgreSQL
// folds unquoted identifiers.
func normalizeIdent(ident string) string {
	ident = strings.TrimSpace(ident)
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		ident = ident[1 : len(ident)-1]
	}
	return strings.ToLower(ident)
}
