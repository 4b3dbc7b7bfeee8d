package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// protectedTables are platform tables that can never be targets of caller
// DDL and are excluded from tenant table listings, regardless of auth method.
var protectedTables = []string{
	"api_keys",
	"users",
	"organizations",
	"permissions",
	"project_users",
	"projects",
	"provider_configs",
	"sessions",
	"sso_configurations",
	"vault_secrets",
	"encryption_keys",
	"security_audit_log",
	"rate_limits",
	"migrations",
	"_migrations",
	"table_registry",
}

var protectedSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(protectedTables))
	for _, t := range protectedTables {
		m[t] = struct{}{}
	}
	return m
}()

// IsProtectedTable reports whether a table name is on the platform blocklist.
// Matching is case-insensitive.
func IsProtectedTable(name string) bool {
	_, ok := protectedSet[strings.ToLower(name)]
	return ok
}

// ProtectedTables returns the blocklist.
func ProtectedTables() []string {
	out := make([]string, len(protectedTables))
	copy(out, protectedTables)
	return out
}

// OwnershipKind classifies how a table's owning project was determined.
type OwnershipKind int

const (
	// OwnedByConvention: the table lives inside the tenant's own schema.
	OwnedByConvention OwnershipKind = iota
	// OwnedByRegistry: an explicit table_registry row names the owner.
	OwnedByRegistry
	// OwnedByColumn: no registry row, but the table carries a project_id
	// column; a project owns only its matching rows.
	OwnedByColumn
	// OwnedByNobody: neither a registry row nor a project_id column. The
	// table is a platform table and is not exposable to tenants.
	OwnedByNobody
)

// Ownership is the result of resolving which project a table belongs to.
type Ownership struct {
	Kind      OwnershipKind
	ProjectID int64 // set only for OwnedByRegistry
}

// RegistryStore is the persistence surface behind the tenancy registry.
type RegistryStore interface {
	// RegisteredOwner returns the explicit registry entry for a table, if any.
	RegisteredOwner(ctx context.Context, tableName string) (projectID int64, found bool, err error)

	// TableExists reports whether a table exists in the given schema.
	TableExists(ctx context.Context, schema, tableName string) (bool, error)

	// HasProjectIDColumn reports whether a shared table carries a project_id
	// column usable for registry-less tenancy.
	HasProjectIDColumn(ctx context.Context, schema, tableName string) (bool, error)

	// TablesInSchema lists table names in a schema.
	TablesInSchema(ctx context.Context, schema string) ([]string, error)

	// RegisteredTables lists registry entries owned by a project.
	RegisteredTables(ctx context.Context, projectID int64) ([]string, error)

	// SharedTenantTables lists public-schema tables carrying a project_id
	// column (the registry-less fallback surface).
	SharedTenantTables(ctx context.Context) ([]string, error)
}

// Registry maps logical tables to owning projects: explicit registry rows
// first, the project_id-column convention second, platform-table otherwise.
type Registry struct {
	store         RegistryStore
	lookupTimeout time.Duration
}

func NewRegistry(store RegistryStore, lookupTimeout time.Duration) *Registry {
	return &Registry{store: store, lookupTimeout: lookupTimeout}
}

// ResolveTable decides how a sanitized table name may be accessed by the
// granted project. Protected names resolve to OwnedByNobody without any
// lookup.
func (r *Registry) ResolveTable(ctx context.Context, grant Grant, tableName string) (Ownership, error) {
	if IsProtectedTable(tableName) {
		return Ownership{Kind: OwnedByNobody}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	// Convention: a table inside the tenant's own schema is theirs.
	inSchema, err := r.store.TableExists(ctx, grant.Schema, tableName)
	if err != nil {
		return Ownership{}, fmt.Errorf("table lookup: %w", err)
	}
	if inSchema {
		return Ownership{Kind: OwnedByConvention}, nil
	}

	owner, found, err := r.store.RegisteredOwner(ctx, tableName)
	if err != nil {
		return Ownership{}, fmt.Errorf("registry lookup: %w", err)
	}
	if found {
		return Ownership{Kind: OwnedByRegistry, ProjectID: owner}, nil
	}

	// Registry-less fallback: a shared table with a project_id column belongs
	// to a project only for rows where project_id matches. Callers must apply
	// that filter; the raw table is never handed out unfiltered.
	hasColumn, err := r.store.HasProjectIDColumn(ctx, "public", tableName)
	if err != nil {
		return Ownership{}, fmt.Errorf("column lookup: %w", err)
	}
	if hasColumn {
		return Ownership{Kind: OwnedByColumn}, nil
	}

	return Ownership{Kind: OwnedByNobody}, nil
}

// ListTables returns the tables a project may see: its own schema, its
// registry entries, and the shared fallback tables. Protected names never
// appear.
func (r *Registry) ListTables(ctx context.Context, grant Grant) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	own, err := r.store.TablesInSchema(ctx, grant.Schema)
	if err != nil {
		return nil, fmt.Errorf("list schema tables: %w", err)
	}

	registered, err := r.store.RegisteredTables(ctx, grant.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list registered tables: %w", err)
	}

	shared, err := r.store.SharedTenantTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shared tables: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{own, registered, shared} {
		for _, name := range group {
			if IsProtectedTable(name) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
