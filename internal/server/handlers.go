package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"pasofino/internal/cache"
	"pasofino/internal/constants"
	"pasofino/internal/gate"
	"pasofino/internal/push"
	"pasofino/internal/realtime"
	"pasofino/internal/security"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cacheEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Found bool            `json:"found"`
}

func (s *Server) cacheKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, constants.MsgMissingKey)
		return "", false
	}
	if !security.ValidateCacheKey(key) {
		s.AuditLogger.LogInvalidRequest(security.GetClientIP(r), r.URL.Path, "invalid cache key")
		writeError(w, http.StatusBadRequest, constants.MsgInvalidKey)
		return "", false
	}
	return key, true
}

func (s *Server) HandleCacheGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.cacheKey(w, r)
	if !ok {
		return
	}

	var value json.RawMessage
	err := s.Cache.Get(r.Context(), key, &value)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.log.WithError(err).Warnf("⚠️  Cache read failed for %s", key)
	}
	if err != nil {
		value = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, cacheEntry{Key: key, Value: value, Found: err == nil})
}

type cacheSetRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	// TTL is in seconds; zero or absent uses the default.
	TTL int `json:"ttl"`
}

func (s *Server) HandleCacheSet(w http.ResponseWriter, r *http.Request) {
	var req cacheSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidJSON)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, constants.MsgMissingKey)
		return
	}
	if !security.ValidateCacheKey(req.Key) {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidKey)
		return
	}
	if len(req.Value) == 0 {
		req.Value = json.RawMessage("null")
	}

	ttl := constants.DefaultCacheTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	ok := s.Cache.Set(r.Context(), req.Key, req.Value, ttl)
	s.AuditLogger.LogCacheWrite(security.GetClientIP(r), "set", req.Key)
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) HandleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := s.cacheKey(w, r)
	if !ok {
		return
	}
	n := s.Cache.Delete(r.Context(), key)
	s.AuditLogger.LogCacheWrite(security.GetClientIP(r), "delete", key)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// HandlePushSubscribe answers success for any well-formed subscription, even
// when the registry could not persist it.
func (s *Server) HandlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidJSON)
		return
	}
	if err := sub.Validate(); err != nil {
		s.AuditLogger.LogInvalidRequest(security.GetClientIP(r), r.URL.Path, err.Error())
		writeError(w, http.StatusBadRequest, constants.MsgInvalidSubscription)
		return
	}

	if !s.Registry.Save(r.Context(), sub) {
		s.log.Debugf("Push subscription not persisted (cache disabled)")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) HandlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidJSON)
		return
	}
	if req.Endpoint != "" {
		s.Registry.Remove(r.Context(), s.Registry.KeyFor(req.Endpoint))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type pushSendResponse struct {
	Success      bool   `json:"success"`
	Sent         int    `json:"sent"`
	Total        int    `json:"total"`
	Cleaned      int    `json:"cleaned"`
	RedisEnabled bool   `json:"redisEnabled"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) HandlePushSend(w http.ResponseWriter, r *http.Request) {
	var n push.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidJSON)
		return
	}
	if n.Title == "" || n.Body == "" {
		writeError(w, http.StatusBadRequest, constants.MsgMissingNotification)
		return
	}
	if n.URL != "" && !security.ValidateRedirectPath(n.URL) {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidNotificationURL)
		return
	}

	res, err := s.Push.Send(r.Context(), n)
	resp := pushSendResponse{
		Success:      err == nil,
		Sent:         res.Sent,
		Total:        res.Total,
		Cleaned:      res.Cleaned,
		RedisEnabled: s.Cache.IsEnabled(),
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, push.ErrPushDisabled) {
			status = http.StatusServiceUnavailable
		}
		resp.Error = err.Error()
		writeJSON(w, status, resp)
		return
	}

	userID := ""
	if u, ok := gate.UserFrom(r.Context()); ok {
		userID = u.ID
	}
	s.AuditLogger.LogPushBroadcast(security.GetClientIP(r), userID, res.Total, res.Sent, res.Cleaned)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	key := ""
	if creds, ok := s.Clients.WebPush.Get(); ok {
		key = creds.PublicKey
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"publicKey": key,
		"enabled":   s.Push.Enabled(),
	})
}

// Stats is the operational snapshot served at /socket/stats.
type Stats struct {
	RedisStatus         string `json:"redisStatus"`
	RedisEnabled        bool   `json:"-"`
	ConnectedClients    int    `json:"connectedClients"`
	TotalConnections    int64  `json:"totalConnections"`
	OnlineUsers         int    `json:"onlineUsers"`
	Rooms               int    `json:"rooms"`
	Dropped             int64  `json:"droppedMessages"`
	CacheHits           int64  `json:"cacheHits"`
	CacheMisses         int64  `json:"cacheMisses"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	Uptime              int64  `json:"uptime"`
	UsedMemory          string `json:"usedMemory"`
}

func (s *Server) stats(r *http.Request) Stats {
	hub := s.Hub.Stats()
	cs := s.Cache.Stats()
	st := Stats{
		RedisStatus:         "disconnected",
		RedisEnabled:        s.Cache.IsEnabled(),
		ConnectedClients:    hub.ConnectedClients,
		TotalConnections:    hub.TotalConnections,
		OnlineUsers:         hub.OnlineUsers,
		Rooms:               hub.Rooms,
		Dropped:             hub.Dropped,
		CacheHits:           cs.Hits,
		CacheMisses:         cs.Misses,
		ActiveSubscriptions: s.Registry.Count(r.Context()),
		Uptime:              int64(time.Since(s.started).Seconds()),
		UsedMemory:          s.Cache.UsedMemory(r.Context()),
	}
	if st.RedisEnabled {
		st.RedisStatus = "connected"
	}
	if st.UsedMemory == "" {
		st.UsedMemory = "N/A"
	}
	return st
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats(r))
}

func (s *Server) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	user, _ := gate.UserFrom(r.Context())
	st := s.stats(r)
	s.Templates.Render(w, http.StatusOK, "admin.html", map[string]any{
		"User":        user,
		"Stats":       st,
		"PushEnabled": s.Push.Enabled(),
		"Uptime":      (time.Duration(st.Uptime) * time.Second).String(),
		"Online":      s.Hub.OnlineUsers(),
	})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if !security.ValidateRedirectPath(next) {
		next = ""
	}
	s.Templates.Render(w, http.StatusOK, "login.html", map[string]any{"Next": next})
}

func (s *Server) HandleUnauthorized(w http.ResponseWriter, r *http.Request) {
	s.Templates.Render(w, http.StatusForbidden, "unauthorized.html", nil)
}

// socketUser identifies a websocket client from the gate's session or,
// for non-browser clients, the token query parameter.
func (s *Server) socketUser(r *http.Request) (*realtime.OnlineUser, error) {
	if u, ok := gate.UserFrom(r.Context()); ok {
		return &realtime.OnlineUser{ID: u.ID, Email: u.Email, Name: u.Name}, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, nil
	}
	u, err := s.Identity.Resolve(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &realtime.OnlineUser{ID: u.ID, Email: u.Email, Name: u.Name}, nil
}
