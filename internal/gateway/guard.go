package gateway

import (
	"context"
	"fmt"
	"time"
)

// ProjectStore resolves project records. Implementations return (nil, nil)
// for a clean miss.
type ProjectStore interface {
	Project(ctx context.Context, projectID int64) (*Project, error)
}

// MembershipStore answers whether a user may act against a project: the user
// is an owner of the project's org, or a project_users row exists.
type MembershipStore interface {
	IsMember(ctx context.Context, userID string, projectID int64) (bool, error)
}

// Guard decides, for a resolved identity and a requested project, whether the
// request may proceed and which schema it must run under. Authorization fully
// completes (or fails) before any tenant data is touched.
type Guard struct {
	projects      ProjectStore
	members       MembershipStore
	lookupTimeout time.Duration
}

func NewGuard(projects ProjectStore, members MembershipStore, lookupTimeout time.Duration) *Guard {
	return &Guard{projects: projects, members: members, lookupTimeout: lookupTimeout}
}

// Authorize maps (AuthContext, requestedProjectID) to a Grant or a typed
// denial. requestedProjectID == 0 means the caller supplied none.
//
// A missing project id under session auth is a parameter error, distinct from
// a forbidden denial, so the client can self-correct. A forbidden denial
// never reveals whether the project exists.
func (g *Guard) Authorize(ctx context.Context, auth AuthContext, requestedProjectID int64) (Grant, error) {
	if !auth.Authorized {
		return Grant{}, deny(DenyUnauthorized, "not authenticated")
	}

	// A hung project or membership lookup times out and surfaces as an
	// infrastructure error, never as an open-ended wait.
	ctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	switch auth.Method {
	case MethodAPIKey:
		// The key fixes the project. A disagreeing caller-supplied id is an
		// error: a key for project A must never address project B.
		if requestedProjectID != 0 && requestedProjectID != auth.ProjectID {
			return Grant{}, deny(DenyProjectMismatch, "api key is bound to a different project")
		}
		project, err := g.projects.Project(ctx, auth.ProjectID)
		if err != nil {
			return Grant{}, fmt.Errorf("project lookup: %w", err)
		}
		if project == nil || project.Status != "active" {
			return Grant{}, deny(DenyForbidden, "access denied")
		}
		return Grant{ProjectID: auth.ProjectID, Schema: SchemaFor(auth.ProjectID)}, nil

	case MethodSession:
		if requestedProjectID == 0 {
			return Grant{}, deny(DenyMissingProject, "projectId is required")
		}
		// Membership first: an unauthorized caller learns nothing about
		// whether the project exists.
		ok, err := g.members.IsMember(ctx, auth.UserID, requestedProjectID)
		if err != nil {
			return Grant{}, fmt.Errorf("membership lookup: %w", err)
		}
		if !ok {
			return Grant{}, deny(DenyForbidden, "access denied")
		}
		// Status is checked only after membership, so the denial still tells a
		// non-member nothing. A suspended project is closed to its own members
		// exactly as it is to API keys.
		project, err := g.projects.Project(ctx, requestedProjectID)
		if err != nil {
			return Grant{}, fmt.Errorf("project lookup: %w", err)
		}
		if project == nil || project.Status != "active" {
			return Grant{}, deny(DenyForbidden, "access denied")
		}
		return Grant{ProjectID: requestedProjectID, Schema: SchemaFor(requestedProjectID)}, nil

	case MethodOverride:
		// Operators still address one explicit project at a time; there is no
		// code path that queries outside a resolved schema.
		if requestedProjectID == 0 {
			return Grant{}, deny(DenyMissingProject, "projectId is required")
		}
		project, err := g.projects.Project(ctx, requestedProjectID)
		if err != nil {
			return Grant{}, fmt.Errorf("project lookup: %w", err)
		}
		if project == nil {
			return Grant{}, deny(DenyForbidden, "access denied")
		}
		return Grant{ProjectID: requestedProjectID, Schema: SchemaFor(requestedProjectID)}, nil

	default:
		return Grant{}, deny(DenyUnauthorized, "not authenticated")
	}
}
