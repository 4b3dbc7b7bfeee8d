package gateway

// SanitizeIdentifier strips every character outside [A-Za-z0-9_] from a
// string destined to become a SQL identifier. It is total and deterministic:
// it never fails, and the result may be empty. Callers must treat an empty
// result as invalid for a required identifier.
//
// Every schema, table, column and order-by target goes through this before
// string-concatenation into generated SQL — no identifier-bearing query path
// skips it.
func SanitizeIdentifier(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '_':
			out = append(out, c)
		}
	}
	return string(out)
}
