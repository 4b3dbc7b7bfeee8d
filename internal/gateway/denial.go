package gateway

import "errors"

// DenialCode is the machine-readable reason attached to every deterministic
// rejection. These are produced before any database statement executes.
type DenialCode string

const (
	// Credential errors
	DenyUnauthorized DenialCode = "unauthorized"

	// Parameter errors — the client can self-correct
	DenyMissingProject    DenialCode = "missing_project"
	DenyProjectMismatch   DenialCode = "project_mismatch"
	DenyInvalidIdentifier DenialCode = "invalid_identifier"

	// Authorization errors
	DenyForbidden DenialCode = "forbidden"

	// Statement-safety errors
	DenySchemaEscape DenialCode = "schema_escape"
	DenyProtectedDDL DenialCode = "protected_ddl"

	// Budget errors
	DenyBudgetExceeded DenialCode = "budget_exceeded"
)

// Denial is a structured rejection. Detail is for audit logging and is not
// necessarily shown to the end caller.
type Denial struct {
	Code    DenialCode
	Message string
	Detail  string
}

func (d *Denial) Error() string {
	return string(d.Code) + ": " + d.Message
}

func deny(code DenialCode, message string) *Denial {
	return &Denial{Code: code, Message: message}
}

// AsDenial unwraps a Denial from an error chain.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
