package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProjects struct {
	projects map[int64]*Project
	err      error
}

func (f *fakeProjects) Project(_ context.Context, id int64) (*Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.projects[id], nil
}

type fakeMembers struct {
	members map[string]map[int64]bool
	err     error
}

func (f *fakeMembers) IsMember(_ context.Context, userID string, projectID int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.members[userID][projectID], nil
}

func newTestGuard() *Guard {
	projects := &fakeProjects{projects: map[int64]*Project{
		3: {ID: 3, OrgID: 1, Slug: "alpha", Status: "active"},
		9: {ID: 9, OrgID: 2, Slug: "beta", Status: "active"},
		5: {ID: 5, OrgID: 1, Slug: "gamma", Status: "suspended"},
	}}
	members := &fakeMembers{members: map[string]map[int64]bool{
		"user-1": {3: true, 5: true},
	}}
	return NewGuard(projects, members, time.Second)
}

func sessionAuth(userID string) AuthContext {
	return AuthContext{Authorized: true, Method: MethodSession, UserID: userID}
}

func apiKeyAuth(projectID int64) AuthContext {
	return AuthContext{Authorized: true, Method: MethodAPIKey, ProjectID: projectID, KeyPrefix: "lk_12345"}
}

// ---------------------------------------------------------------------------
// Session auth
// ---------------------------------------------------------------------------

func TestAuthorizeSessionMember(t *testing.T) {
	g := newTestGuard()

	grant, err := g.Authorize(context.Background(), sessionAuth("user-1"), 3)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.ProjectID != 3 || grant.Schema != "p3" {
		t.Errorf("grant = %+v, want project 3 schema p3", grant)
	}
}

// A missing project id is a parameter error the client can self-correct, not
// a forbidden denial.
func TestAuthorizeSessionMissingProject(t *testing.T) {
	g := newTestGuard()

	_, err := g.Authorize(context.Background(), sessionAuth("user-1"), 0)
	checkDenial(t, err, DenyMissingProject)
}

// Suspension closes a project to its own members, not just to API keys.
func TestAuthorizeSessionSuspendedProject(t *testing.T) {
	g := newTestGuard()

	_, err := g.Authorize(context.Background(), sessionAuth("user-1"), 5)
	checkDenial(t, err, DenyForbidden)
}

func TestAuthorizeSessionNonMember(t *testing.T) {
	g := newTestGuard()

	_, err := g.Authorize(context.Background(), sessionAuth("user-1"), 9)
	checkDenial(t, err, DenyForbidden)
}

// A non-member is told "forbidden" whether or not the project exists, so the
// denial leaks nothing about project existence.
func TestAuthorizeSessionNoExistenceLeak(t *testing.T) {
	g := newTestGuard()

	_, errExisting := g.Authorize(context.Background(), sessionAuth("user-2"), 9)
	_, errMissing := g.Authorize(context.Background(), sessionAuth("user-2"), 404)

	dExisting, _ := AsDenial(errExisting)
	dMissing, _ := AsDenial(errMissing)
	if dExisting == nil || dMissing == nil {
		t.Fatalf("expected denials, got %v and %v", errExisting, errMissing)
	}
	if dExisting.Code != dMissing.Code || dExisting.Message != dMissing.Message {
		t.Errorf("denials differ: %+v vs %+v", dExisting, dMissing)
	}
}

// ---------------------------------------------------------------------------
// API key auth
// ---------------------------------------------------------------------------

func TestAuthorizeAPIKeyImplicitProject(t *testing.T) {
	g := newTestGuard()

	grant, err := g.Authorize(context.Background(), apiKeyAuth(3), 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.ProjectID != 3 || grant.Schema != "p3" {
		t.Errorf("grant = %+v, want project 3 schema p3", grant)
	}
}

func TestAuthorizeAPIKeyMatchingProject(t *testing.T) {
	g := newTestGuard()

	grant, err := g.Authorize(context.Background(), apiKeyAuth(3), 3)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.ProjectID != 3 {
		t.Errorf("grant project = %d, want 3", grant.ProjectID)
	}
}

func TestAuthorizeAPIKeyProjectMismatch(t *testing.T) {
	g := newTestGuard()

	_, err := g.Authorize(context.Background(), apiKeyAuth(3), 9)
	checkDenial(t, err, DenyProjectMismatch)
}

func TestAuthorizeAPIKeySuspendedProject(t *testing.T) {
	g := newTestGuard()

	_, err := g.Authorize(context.Background(), apiKeyAuth(5), 0)
	checkDenial(t, err, DenyForbidden)
}

// ---------------------------------------------------------------------------
// Override auth
// ---------------------------------------------------------------------------

func TestAuthorizeOverrideRequiresProject(t *testing.T) {
	g := newTestGuard()
	auth := AuthContext{Authorized: true, Method: MethodOverride, IsLatticeAdmin: true}

	_, err := g.Authorize(context.Background(), auth, 0)
	checkDenial(t, err, DenyMissingProject)

	grant, err := g.Authorize(context.Background(), auth, 9)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Schema != "p9" {
		t.Errorf("grant schema = %s, want p9", grant.Schema)
	}
}

// ---------------------------------------------------------------------------
// Failure modes
// ---------------------------------------------------------------------------

func TestAuthorizeUnauthenticated(t *testing.T) {
	g := newTestGuard()

	_, err := g.Authorize(context.Background(), AuthContext{Reason: "missing credentials"}, 3)
	checkDenial(t, err, DenyUnauthorized)
}

// Infrastructure failures surface as plain errors, never as denials, so the
// caller fails closed with a retryable response.
func TestAuthorizeInfraFailureIsNotDenial(t *testing.T) {
	members := &fakeMembers{err: errors.New("connection refused")}
	g := NewGuard(&fakeProjects{}, members, time.Second)

	_, err := g.Authorize(context.Background(), sessionAuth("user-1"), 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := AsDenial(err); ok {
		t.Errorf("infra failure should not be a denial: %v", err)
	}
}

type hangingProjects struct{}

func (hangingProjects) Project(ctx context.Context, _ int64) (*Project, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type hangingMembers struct{}

func (hangingMembers) IsMember(ctx context.Context, _ string, _ int64) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

// A hung store never stalls authorization: the lookup is cut off at the
// configured bound and surfaces as an infrastructure error.
func TestAuthorizeHungLookupIsBounded(t *testing.T) {
	g := NewGuard(hangingProjects{}, hangingMembers{}, 50*time.Millisecond)

	for _, auth := range []AuthContext{sessionAuth("user-1"), apiKeyAuth(3)} {
		start := time.Now()
		_, err := g.Authorize(context.Background(), auth, 3)
		if err == nil {
			t.Fatalf("%s: expected error from hung lookup", auth.Method)
		}
		if _, ok := AsDenial(err); ok {
			t.Errorf("%s: timeout should not be a denial: %v", auth.Method, err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("%s: lookup not bounded, took %v", auth.Method, elapsed)
		}
	}
}
