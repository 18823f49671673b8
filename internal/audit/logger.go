package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventConnectionOpened EventType = "connection_opened"
	EventConnectionDenied EventType = "connection_denied"
	EventConnectionClosed EventType = "connection_closed"
	EventArchiveCreated   EventType = "archive_created"
	EventArchiveFailure   EventType = "archive_failure"
	EventFinalizeTimeout  EventType = "finalize_timeout"
	EventRecoveryArchive  EventType = "recovery_archive"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	OrgToken  string
	SessionID string
	ConnID    string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "relay").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.OrgToken != "" {
		logger = logger.With().Str("org_token", event.OrgToken).Logger()
	}
	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.ConnID != "" {
		logger = logger.With().Str("conn_id", event.ConnID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("relay audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
