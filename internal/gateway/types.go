package gateway

import "fmt"

// AuthMethod identifies how a request's identity was established.
type AuthMethod string

const (
	MethodSession  AuthMethod = "session"
	MethodAPIKey   AuthMethod = "api_key"
	MethodOverride AuthMethod = "override"
)

// AuthContext is the canonical per-request identity. It is produced once by
// the Resolver and consumed identically by every route; it is never persisted.
type AuthContext struct {
	Authorized     bool
	Method         AuthMethod
	UserID         string
	ProjectID      int64 // bound by the API key; zero for session and override auth
	KeyType        string
	KeyPrefix      string
	IsAdmin        bool
	IsLatticeAdmin bool
	Reason         string // set when Authorized is false
}

// Project is the minimal project record the gateway needs.
type Project struct {
	ID     int64
	OrgID  int64
	Slug   string
	Status string
}

// APIKey is a project-bound credential record. service_role keys bypass
// row-level checks within their own project only, never across projects.
type APIKey struct {
	ID        string
	ProjectID int64
	KeyType   string // "anon" or "service_role"
	Active    bool
}

// Grant is a successful authorization decision: the project the caller may
// act against and the schema every statement must run under.
type Grant struct {
	ProjectID int64
	Schema    string
}

// SchemaFor returns the tenant schema name for a project.
func SchemaFor(projectID int64) string {
	return fmt.Sprintf("p%d", projectID)
}
