package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditService writes security-relevant gateway events (denials, override
// usage, budget rejections) to the platform audit log.
type AuditService struct {
	db *pgxpool.Pool
}

func NewAuditService(db *pgxpool.Pool) *AuditService {
	return &AuditService{db: db}
}

// Event describes one audit entry. ProjectID may be zero when the request
// never resolved to a project.
type Event struct {
	RequestID string
	UserID    string
	ProjectID int64
	Action    string
	Reason    string
	Metadata  map[string]interface{}
}

// Log records an audit event. Non-blocking — errors are silently ignored
// since audit logging should never break the main flow.
func (a *AuditService) Log(ctx context.Context, ev Event, r *http.Request) {
	ip := extractClientIP(r)
	ua := r.Header.Get("User-Agent")

	if ev.RequestID == "" {
		ev.RequestID = uuid.NewString()
	}

	var metaJSON []byte
	if ev.Metadata != nil {
		metaJSON, _ = json.Marshal(ev.Metadata)
	} else {
		metaJSON = []byte("{}")
	}

	var userID *string
	if ev.UserID != "" {
		userID = &ev.UserID
	}
	var projectID *int64
	if ev.ProjectID != 0 {
		projectID = &ev.ProjectID
	}

	a.db.Exec(ctx, `
		INSERT INTO security_audit_log (request_id, user_id, project_id, action, reason, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.RequestID, userID, projectID, ev.Action, ev.Reason, ip, ua, string(metaJSON))
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		ip = ip[:idx]
	}
	return ip
}
