package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-relay-go/internal/audit"
	"github.com/openclaw/session-relay-go/internal/config"
	apperrors "github.com/openclaw/session-relay-go/internal/errors"
	"github.com/openclaw/session-relay-go/internal/httputil"
	"github.com/openclaw/session-relay-go/internal/relay"
	"github.com/openclaw/session-relay-go/internal/repository"
)

// CloseForbidden is the application close code for a rejected organization
// token: the websocket-level equivalent of HTTP 403, sent after the upgrade
// because the handshake has already completed by the time the relay sees
// the token.
const CloseForbidden = 4403

// ConnLimiter gates connection attempts per organization before the
// websocket upgrade. A nil limiter admits everything.
type ConnLimiter interface {
	Allow(ctx context.Context, orgToken string) bool
}

type RelayHandler struct {
	registry  *relay.Registry
	queue     relay.EventQueue
	store     relay.SessionStore
	archiver  relay.SessionArchiver
	orgs      repository.OrganizationRepository
	timeouts  relay.Timeouts
	connLimit ConnLimiter
	upgrader  websocket.Upgrader
}

func NewRelayHandler(
	registry *relay.Registry,
	queue relay.EventQueue,
	store relay.SessionStore,
	archiver relay.SessionArchiver,
	orgs repository.OrganizationRepository,
	timeouts relay.Timeouts,
	connLimit ConnLimiter,
) *RelayHandler {
	return &RelayHandler{
		registry:  registry,
		queue:     queue,
		store:     store,
		archiver:  archiver,
		orgs:      orgs,
		timeouts:  timeouts,
		connLimit: connLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin policy is enforced upstream; tokens gate access here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *RelayHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/enduser/{channelType}/{orgToken}/{enduserID}/{sessionID}/", h.EndUser)
	r.Get("/client/{channelType}/{orgToken}/{enduserID}/{sessionID}/", h.Client)
	return r
}

// EndUser serves the browser side of the relay.
func (h *RelayHandler) EndUser(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// Client serves the operator side of the relay.
func (h *RelayHandler) Client(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

func (h *RelayHandler) serve(w http.ResponseWriter, r *http.Request, endUser bool) {
	key := relay.GroupKey{
		ChannelType: chi.URLParam(r, "channelType"),
		OrgToken:    chi.URLParam(r, "orgToken"),
		EndUserID:   chi.URLParam(r, "enduserID"),
		SessionID:   chi.URLParam(r, "sessionID"),
	}

	if h.connLimit != nil && !h.connLimit.Allow(r.Context(), key.OrgToken) {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventRateLimitExceed,
			OrgToken: key.OrgToken,
		})
		w.Header().Set("Retry-After", "60")
		httputil.WriteError(w, apperrors.RateLimitExceeded())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		log.Warn().Err(err).Str("groupKey", key.String()).Msg("websocket upgrade failed")
		return
	}

	if reason, ok := h.authorize(r, key); !ok {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventConnectionDenied,
			OrgToken:  key.OrgToken,
			SessionID: key.SessionID,
			Details:   map[string]interface{}{"reason": reason},
		})
		closeMsg := websocket.FormatCloseMessage(CloseForbidden, reason)
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(config.WSWriteWait))
		conn.Close()
		return
	}

	handle := relay.NewHandle(uuid.NewString(), config.WSSendBufferSize)

	var sess relay.Conn
	if endUser {
		sess = relay.NewEndUserSession(key, handle, h.registry, h.queue, h.store, h.archiver, h.timeouts)
	} else {
		sess = relay.NewOperatorSession(key, handle, h.registry)
	}

	if err := sess.Connect(r.Context()); err != nil {
		// Fail closed: never leave a half-open connection behind.
		log.Error().Err(err).Str("groupKey", key.String()).Msg("connection setup failed")
		closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connection setup failed")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(config.WSWriteWait))
		conn.Close()
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventConnectionOpened,
		OrgToken:  key.OrgToken,
		SessionID: key.SessionID,
		ConnID:    handle.ID,
		Details:   map[string]interface{}{"endUser": endUser},
	})

	done := make(chan struct{})
	go h.writePump(conn, handle, done)
	h.readPump(conn, sess)
	close(done)

	// The socket is gone; teardown runs on its own clock.
	sess.Disconnect(context.Background())
	conn.Close()

	audit.Log(context.Background(), audit.Event{
		Type:      audit.EventConnectionClosed,
		OrgToken:  key.OrgToken,
		SessionID: key.SessionID,
		ConnID:    handle.ID,
	})
}

// authorize validates the bearer token from the query string against the
// organization directory. The token must name a known organization and match
// the organization in the connection path.
func (h *RelayHandler) authorize(r *http.Request, key relay.GroupKey) (reason string, ok bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "missing organization token", false
	}

	org, err := h.orgs.FindByToken(r.Context(), token)
	if err != nil {
		log.Error().Err(err).Msg("organization lookup failed")
		return "authorization unavailable", false
	}
	if org == nil || token != key.OrgToken {
		log.Warn().Str("orgToken", key.OrgToken).Msg("invalid organization token attempt")
		return "invalid organization token", false
	}

	return "", true
}

func (h *RelayHandler) readPump(conn *websocket.Conn, sess relay.Conn) {
	conn.SetReadLimit(config.WSMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(config.WSPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connId", sess.Handle().ID).Msg("websocket read ended")
			}
			return
		}
		sess.Receive(context.Background(), data)
	}
}

func (h *RelayHandler) writePump(conn *websocket.Conn, handle *relay.Handle, done <-chan struct{}) {
	ping := time.NewTicker(config.WSPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case msg := <-handle.Deliver:
			_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("connId", handle.ID).Msg("websocket write failed")
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
