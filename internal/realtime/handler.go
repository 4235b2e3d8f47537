package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"

	"pasofino/internal/constants"
	"pasofino/internal/security"
)

// Authenticator resolves the user behind an upgrade request. A nil user
// with a nil error means an anonymous connection.
type Authenticator interface {
	Authenticate(r *http.Request) (*OnlineUser, error)
}

type AuthenticatorFunc func(r *http.Request) (*OnlineUser, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (*OnlineUser, error) { return f(r) }

type HandlerOptions struct {
	AllowedOrigins []string
	Authenticator  Authenticator
	Limiter        *security.ConnectionLimiter
}

type wsHandler struct {
	hub      *Hub
	opts     HandlerOptions
	upgrader websocket.Upgrader
}

// Handler upgrades requests to websocket connections managed by h.
func (h *Hub) Handler(opts HandlerOptions) http.Handler {
	if opts.Limiter == nil {
		opts.Limiter = security.NewConnectionLimiter(constants.MaxConnectionsPerIP)
	}
	return &wsHandler{
		hub:  h,
		opts: opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: constants.WSHandshakeTimeout,
			ReadBufferSize:   constants.WSBufferSize,
			WriteBufferSize:  constants.WSBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return security.ValidateOrigin(r, opts.AllowedOrigins)
			},
		},
	}
}

func (wh *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := security.GetClientIP(r)

	if !wh.opts.Limiter.TryConnect(ip) {
		wh.hub.audit.LogConnectionLimit(ip)
		http.Error(w, constants.MsgConnectionLimit, http.StatusTooManyRequests)
		return
	}
	defer wh.opts.Limiter.Disconnect(ip)

	var user *OnlineUser
	if wh.opts.Authenticator != nil {
		u, err := wh.opts.Authenticator.Authenticate(r)
		if err != nil {
			wh.hub.log.WithError(err).Debugf("Realtime auth failed for %s, continuing anonymous", ip)
		} else {
			user = u
		}
	}

	ws, err := wh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wh.hub.log.WithError(err).Debugf("Websocket upgrade failed for %s", ip)
		return
	}

	c := NewConn(ws, user, ip)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	wh.hub.audit.LogRealtimeConnect(ip, c.id, userID)

	wh.hub.Register(c)
	go c.writePump()
	c.readPump(wh.hub)

	wh.hub.audit.LogRealtimeDisconnect(ip, c.id, "closed")
}
