package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/latticehq/tenantgate/internal/database"
	"github.com/latticehq/tenantgate/internal/gateway"
	"github.com/latticehq/tenantgate/internal/middleware"
	"github.com/latticehq/tenantgate/internal/platform"
)

const (
	defaultRowLimit = 100
	maxRowLimit     = 1000
)

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return 0
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	return len(data)
}

func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": message})
}

// denialStatus maps denial codes to HTTP statuses. Parameter errors are 400
// so clients can self-correct; authorization and statement-safety denials are
// 403 and never reveal resource existence.
func denialStatus(code gateway.DenialCode) int {
	switch code {
	case gateway.DenyUnauthorized:
		return http.StatusUnauthorized
	case gateway.DenyMissingProject, gateway.DenyProjectMismatch, gateway.DenyInvalidIdentifier:
		return http.StatusBadRequest
	case gateway.DenyBudgetExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// writeDenial records the denial in the audit log and sends the structured
// rejection to the caller.
func (s *Server) writeDenial(w http.ResponseWriter, r *http.Request, auth gateway.AuthContext, projectID int64, d *gateway.Denial) {
	s.audit.Log(r.Context(), platform.Event{
		RequestID: middleware.GetRequestID(r),
		UserID:    auth.UserID,
		ProjectID: projectID,
		Action:    "request_denied",
		Reason:    string(d.Code),
		Metadata:  map[string]interface{}{"detail": d.Detail, "path": r.URL.Path},
	}, r)
	writeErrorJSON(w, denialStatus(d.Code), string(d.Code), d.Message)
}

// authorize runs the guard for a request and handles the failure responses.
// The returned bool reports whether the caller may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, auth gateway.AuthContext, projectID int64) (gateway.Grant, bool) {
	grant, err := s.guard.Authorize(r.Context(), auth, projectID)
	if err != nil {
		if d, ok := gateway.AsDenial(err); ok {
			s.writeDenial(w, r, auth, projectID, d)
			return gateway.Grant{}, false
		}
		slog.Error("Authorization failed", "error", err, "request_id", middleware.GetRequestID(r))
		writeErrorJSON(w, http.StatusServiceUnavailable, "authorization_unavailable", "authorization lookup failed, retry shortly")
		return gateway.Grant{}, false
	}

	decision := s.tracker.CheckBudget(grant.ProjectID, auth.KeyPrefix)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds())+1, 10))
		s.writeDenial(w, r, auth, grant.ProjectID, &gateway.Denial{
			Code:    gateway.DenyBudgetExceeded,
			Message: "usage budget exceeded",
		})
		return gateway.Grant{}, false
	}

	s.tracker.Record(grant.ProjectID, auth.KeyPrefix, gateway.MetricRequests, 1)
	return grant, true
}

func parseProjectID(raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ---- GET /v1/verify ----

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.GetAuth(r)

	resp := map[string]interface{}{
		"authorized": auth.Authorized,
		"method":     string(auth.Method),
	}
	if auth.UserID != "" {
		resp["user_id"] = auth.UserID
	}
	if auth.ProjectID != 0 {
		resp["project_id"] = auth.ProjectID
	}
	if auth.KeyType != "" {
		resp["key_type"] = auth.KeyType
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- GET /v1/tables ----

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.GetAuth(r)

	projectID, ok := parseProjectID(r.URL.Query().Get("projectId"))
	if !ok {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_parameter", "projectId must be a positive integer")
		return
	}

	grant, ok := s.authorize(w, r, auth, projectID)
	if !ok {
		return
	}

	tables, err := s.registry.ListTables(r.Context(), grant)
	if err != nil {
		slog.Error("Table listing failed", "error", err, "project_id", grant.ProjectID)
		writeErrorJSON(w, http.StatusServiceUnavailable, "registry_unavailable", "table listing failed, retry shortly")
		return
	}

	n := writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
	s.tracker.Record(grant.ProjectID, auth.KeyPrefix, gateway.MetricEgressBytes, int64(n))
}

// ---- GET /v1/rows ----

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.GetAuth(r)
	q := r.URL.Query()

	projectID, ok := parseProjectID(q.Get("projectId"))
	if !ok {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_parameter", "projectId must be a positive integer")
		return
	}

	grant, ok := s.authorize(w, r, auth, projectID)
	if !ok {
		return
	}

	rawTable := q.Get("table")
	table := gateway.SanitizeIdentifier(rawTable)
	if table == "" {
		s.writeDenial(w, r, auth, grant.ProjectID, &gateway.Denial{
			Code:    gateway.DenyInvalidIdentifier,
			Message: "table name is required and must contain identifier characters",
			Detail:  "raw table parameter: " + rawTable,
		})
		return
	}

	// An explicit schema parameter may only name the granted schema or public;
	// anything else is an escape attempt.
	if rawSchema := q.Get("schema"); rawSchema != "" {
		schema := gateway.SanitizeIdentifier(rawSchema)
		if schema != grant.Schema && schema != "public" {
			s.writeDenial(w, r, auth, grant.ProjectID, &gateway.Denial{
				Code:    gateway.DenySchemaEscape,
				Message: "schema parameter names a schema outside the project",
				Detail:  "requested schema: " + rawSchema,
			})
			return
		}
	}

	ownership, err := s.registry.ResolveTable(r.Context(), grant, table)
	if err != nil {
		slog.Error("Table resolution failed", "error", err, "table", table)
		writeErrorJSON(w, http.StatusServiceUnavailable, "registry_unavailable", "table resolution failed, retry shortly")
		return
	}

	query := database.RowQuery{Table: table, Limit: defaultRowLimit}
	switch ownership.Kind {
	case gateway.OwnedByConvention:
		query.Schema = grant.Schema
	case gateway.OwnedByRegistry:
		if ownership.ProjectID != grant.ProjectID {
			s.writeDenial(w, r, auth, grant.ProjectID, &gateway.Denial{
				Code:    gateway.DenyForbidden,
				Message: "access denied",
				Detail:  "registry names a different owning project",
			})
			return
		}
		query.Schema = "public"
	case gateway.OwnedByColumn:
		query.Schema = "public"
		query.FilterProjectID = grant.ProjectID
	default:
		// Unknown and platform tables are indistinguishable to the caller.
		s.writeDenial(w, r, auth, grant.ProjectID, &gateway.Denial{
			Code:    gateway.DenyForbidden,
			Message: "access denied",
			Detail:  "table not exposable: " + table,
		})
		return
	}

	if rawOrder := q.Get("order"); rawOrder != "" {
		col := gateway.SanitizeIdentifier(rawOrder)
		if col == "" {
			s.writeDenial(w, r, auth, grant.ProjectID, &gateway.Denial{
				Code:    gateway.DenyInvalidIdentifier,
				Message: "order column must contain identifier characters",
				Detail:  "raw order parameter: " + rawOrder,
			})
			return
		}
		query.OrderBy = col
		query.OrderDesc = q.Get("dir") == "desc"
	}

	if rawLimit := q.Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_parameter", "limit must be a positive integer")
			return
		}
		if limit > maxRowLimit {
			limit = maxRowLimit
		}
		query.Limit = limit
	}

	rows, err := s.executor.Rows(r.Context(), query)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "query_failed", database.SanitizeDBError(err))
		return
	}

	n := writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
	s.tracker.Record(grant.ProjectID, auth.KeyPrefix, gateway.MetricEgressBytes, int64(n))
}

// ---- POST /v1/query ----

type queryRequest struct {
	ProjectID int64  `json:"projectId"`
	SQL       string `json:"sql"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.GetAuth(r)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "request body must be JSON with a sql field")
		return
	}

	if req.SQL == "" {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "sql field is required")
		return
	}

	// The project may come in the body or, for callers that keep the body to
	// the statement alone, as a query parameter. The body wins when both are set.
	projectID := req.ProjectID
	if projectID == 0 {
		qid, ok := parseProjectID(r.URL.Query().Get("projectId"))
		if !ok {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_parameter", "projectId must be a positive integer")
			return
		}
		projectID = qid
	}

	grant, ok := s.authorize(w, r, auth, projectID)
	if !ok {
		return
	}

	// Statement safety runs before any execution: rejections are deterministic
	// and never touch tenant data.
	if err := s.filter.Check(req.SQL, grant.Schema); err != nil {
		if d, denial := gateway.AsDenial(err); denial {
			s.writeDenial(w, r, auth, grant.ProjectID, d)
			return
		}
		writeErrorJSON(w, http.StatusBadRequest, "query_rejected", "statement rejected")
		return
	}

	if err := s.querySem.Acquire(r.Context(), 1); err != nil {
		writeErrorJSON(w, http.StatusServiceUnavailable, "query_capacity", "query capacity exhausted, retry shortly")
		return
	}
	defer s.querySem.Release(1)

	rows, err := s.executor.Raw(r.Context(), grant.Schema, req.SQL)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "query_failed", database.SanitizeDBError(err))
		return
	}

	n := writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
	s.tracker.Record(grant.ProjectID, auth.KeyPrefix, gateway.MetricEgressBytes, int64(n))
}

// ---- GET /v1/usage ----

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.GetAuth(r)

	projectID, ok := parseProjectID(r.URL.Query().Get("projectId"))
	if !ok {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_parameter", "projectId must be a positive integer")
		return
	}

	grant, ok := s.authorize(w, r, auth, projectID)
	if !ok {
		return
	}

	hours := 24
	if rawHours := r.URL.Query().Get("hours"); rawHours != "" {
		h, err := strconv.Atoi(rawHours)
		if err != nil || h <= 0 || h > 24*31 {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_parameter", "hours must be between 1 and 744")
			return
		}
		hours = h
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	totals, err := s.tracker.Totals(r.Context(), grant.ProjectID, since)
	if err != nil {
		slog.Error("Usage read failed", "error", err, "project_id", grant.ProjectID)
		writeErrorJSON(w, http.StatusServiceUnavailable, "usage_unavailable", "usage read failed, retry shortly")
		return
	}

	n := writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": grant.ProjectID,
		"since":      since.Format(time.RFC3339),
		"totals":     totals,
	})
	s.tracker.Record(grant.ProjectID, auth.KeyPrefix, gateway.MetricEgressBytes, int64(n))
}
