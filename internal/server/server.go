package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pasofino/internal/cache"
	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/gate"
	"pasofino/internal/identity"
	"pasofino/internal/logger"
	"pasofino/internal/platform"
	"pasofino/internal/push"
	"pasofino/internal/realtime"
	"pasofino/internal/security"
	"pasofino/internal/telemetry"
)

type Server struct {
	Config         config.Config
	Clients        platform.Clients
	Cache          cache.Store
	Registry       *push.Registry
	Push           *push.Dispatcher
	Hub            *realtime.Hub
	Relay          *realtime.Relay
	Identity       gate.Sessions
	Gate           *gate.Gate
	Templates      *TemplateManager
	ConnLimiter    *security.ConnectionLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger

	log     logger.Logger
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	bgMu    sync.Mutex
	bg      sync.WaitGroup
	stopped bool
	offs    []func()
	once    sync.Once
}

// NewServer wires every component from the client handles. Nothing here
// fails on a missing collaborator; only broken templates are fatal.
func NewServer(ctx context.Context, cfg config.Config, clients platform.Clients, log logger.Logger) (*Server, error) {
	log = logger.OrDefault(log)

	tm, err := NewTemplateManager(log)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	audit := security.NewAuditLogger(log)
	store := cache.NewStore(clients.Redis, log)
	registry := push.NewRegistry(store, log)
	resolver := identity.ResolverFrom(clients.Identity, clients.Postgres, log)
	brute := security.NewBruteForceProtector(ctx, constants.RefreshMaxFailures, constants.RefreshBlockDuration)

	s := &Server{
		Config:   cfg,
		Clients:  clients,
		Cache:    store,
		Registry: registry,
		Push: push.NewDispatcher(registry, push.NewSender(clients.WebPush), push.DispatcherOptions{
			Workers: cfg.Push.Workers,
			Timeout: cfg.Push.Timeout,
		}, log),
		Hub:            realtime.NewHub(log, audit),
		Identity:       resolver,
		Templates:      tm,
		ConnLimiter:    security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		BruteProtector: brute,
		AuditLogger:    audit,
		log:            log,
		started:        time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.Gate = gate.New(gate.Options{
		Sessions: resolver,
		Audit:    audit,
		Guard:    brute,
		Logger:   log,
	})

	if client, ok := clients.Redis.Get(); ok {
		nodeID := cfg.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		s.Relay = realtime.NewRelay(client, nodeID, log)
		s.Hub.SetPublisher(s.Relay)
		s.Relay.Start(ctx, s.Hub.DeliverRemote)
	}

	s.offs = append(s.offs,
		s.Hub.On(realtime.KindPostNew, s.notifyNewContent),
		s.Hub.On(realtime.KindCommentNew, s.notifyNewContent),
	)

	if !resolver.Enabled() {
		log.Warnf("⚠️  Identity provider not configured: admin pages will always redirect")
	}
	return s, nil
}

// Router builds the handler chain. Call it after replacing any component.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(constants.EndpointHealth, s.HandleHealth).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc(constants.EndpointCache, s.HandleCacheGet).Methods(http.MethodGet)
	r.HandleFunc(constants.EndpointCache, s.HandleCacheSet).Methods(http.MethodPost)
	r.HandleFunc(constants.EndpointCache, s.HandleCacheDelete).Methods(http.MethodDelete)

	r.HandleFunc(constants.EndpointPushSubscribe, s.HandlePushSubscribe).Methods(http.MethodPost)
	r.HandleFunc(constants.EndpointPushUnsub, s.HandlePushUnsubscribe).Methods(http.MethodPost)
	r.HandleFunc(constants.EndpointPushSend, s.HandlePushSend).Methods(http.MethodPost)
	r.HandleFunc(constants.EndpointPushPublicKey, s.HandleVAPIDPublicKey).Methods(http.MethodGet)

	r.HandleFunc(constants.EndpointSocketStats, s.HandleStats).Methods(http.MethodGet)
	r.Handle(constants.EndpointSocket, s.Hub.Handler(realtime.HandlerOptions{
		AllowedOrigins: s.Config.AllowedOrigins,
		Authenticator:  realtime.AuthenticatorFunc(s.socketUser),
		Limiter:        s.ConnLimiter,
	})).Methods(http.MethodGet)

	r.HandleFunc(constants.EndpointAdmin, s.HandleAdmin).Methods(http.MethodGet)
	r.HandleFunc(constants.EndpointLogin, s.HandleLogin).Methods(http.MethodGet)
	r.HandleFunc(constants.EndpointUnauthorized, s.HandleUnauthorized).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
	})

	var handler http.Handler = r
	handler = GzipMiddleware(handler)
	handler = RecoveryMiddleware(s.log)(handler)
	handler = security.MaxBodySize(constants.MaxBodySize)(handler)
	handler = s.Gate.Wrap(handler)
	handler = telemetry.Handler(handler, constants.AppName)
	return handler
}

// notifyNewContent turns content created by a signed-in user into a push
// broadcast. It runs on the sender's read goroutine, so the send itself is
// moved to the background.
func (s *Server) notifyNewContent(e realtime.Event) {
	user, ok := s.Hub.UserOf(e.Sender)
	if !ok || !s.Push.Enabled() {
		return
	}

	var n push.Notification
	switch p := e.Payload.(type) {
	case realtime.NewPost:
		n = push.Notification{Title: constants.MsgNewPostTitle, Body: p.Title}
	case realtime.NewComment:
		n = push.Notification{Title: constants.MsgNewCommentTitle, Body: truncate(p.Body, constants.PushBodyMaxRunes)}
	default:
		return
	}
	if n.Body == "" {
		return
	}

	started := s.background(func() {
		ctx, cancel := context.WithTimeout(s.ctx, constants.PushBroadcastTimeout)
		defer cancel()

		res, err := s.Push.Send(ctx, n)
		if err != nil {
			s.log.WithError(err).Warnf("⚠️  Push for %s from %s failed", e.Kind, user.ID)
			return
		}
		s.AuditLogger.LogPushBroadcast("", user.ID, res.Total, res.Sent, res.Cleaned)
	})
	if !started {
		s.log.Debugf("Skipping push for %s: server is shutting down", e.Kind)
	}
}

// background runs fn on a goroutine that Cleanup waits for. It refuses new
// work once Cleanup has started.
func (s *Server) background(fn func()) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.stopped {
		return false
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
	return true
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}

// Run serves until SIGINT/SIGTERM or ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	port := s.Config.Port
	if port == "" {
		port = constants.DefaultPort
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           h2c.NewHandler(s.Router(), &http2.Server{}),
		IdleTimeout:       constants.IdleTimeout,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		MaxHeaderBytes:    constants.MaxHeaderBytes,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Infof("🌐 HTTP mode (HTTP/2 enabled)")
	s.log.Infof("🚀 %s server starting on :%s", constants.AppName, port)

	var runErr error
	select {
	case <-sigChan:
	case <-ctx.Done():
	case runErr = <-errCh:
		s.log.WithError(runErr).Errorf("HTTP server error")
	}
	s.log.Infof("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warnf("Server forced to shutdown")
	}

	s.Cleanup()
	s.log.Infof("✅ Server stopped")
	return runErr
}

// Cleanup stops background work and closes every client. It is safe to call
// more than once.
func (s *Server) Cleanup() {
	s.once.Do(func() {
		for _, off := range s.offs {
			off()
		}
		s.cancel()
		if s.Relay != nil {
			s.Relay.Wait()
		}
		s.Hub.Close()

		s.bgMu.Lock()
		s.stopped = true
		s.bgMu.Unlock()
		s.bg.Wait()
		if err := s.Cache.Close(); err != nil {
			s.log.WithError(err).Debugf("Cache close")
		}
		s.Clients.Close()
	})
}
