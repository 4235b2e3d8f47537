package constants

import (
	"net/http"
	"time"
)

const (
	AppName = "pasofino"
	Version = "1.4.0"
)

// Network defaults
const (
	DefaultHost      = "localhost:8080"
	DefaultPort      = "8080"
	DefaultServerURL = "http://localhost:8080"
	WSBufferSize     = 4096
	MaxWSMessageSize = 64 * 1024 // 64KB per realtime frame
	ShutdownTimeout  = 10 * time.Second
	CleanupInterval  = 30 * time.Second
)

// Realtime settings
const (
	SendQueueSize        = 64
	WriteWait            = 10 * time.Second
	PongWait             = 60 * time.Second
	PingPeriod           = (PongWait * 9) / 10
	WSHandshakeTimeout   = 10 * time.Second
	InboundEventsPerSec  = 10
	InboundEventBurst    = 20
	ReconnectMinDelay    = 500 * time.Millisecond
	ReconnectMaxDelay    = 30 * time.Second
	RelayChannelPrefix   = "pasofino:realtime:"
	RelaySubscriberQueue = 256
)

// Cache settings
const (
	RedisDialTimeout    = 2 * time.Second
	RedisOpTimeout      = 2 * time.Second
	CacheProbeInterval  = 15 * time.Second
	CacheScanBatch      = 100
	DefaultCacheTTL     = 5 * time.Minute
	PushSubscriptionKey = "push_subscription:"
)

// Push settings
const (
	PushTTLSeconds      = 60 * 60 * 24 // 24 hours
	PushDeliveryTimeout = 10 * time.Second
	PushMaxConcurrency  = 8
	PushCleanupTimeout  = 5 * time.Second
	PushDefaultIcon     = "/icons/icon-192x192.png"
	PushDefaultURL      = "/"
	PushTag             = "pasofino"
)

// Session settings
const (
	AccessTokenCookie     = "sb-access-token"
	RefreshTokenCookie    = "sb-refresh-token"
	SessionCookieMaxAge   = 60 * 60 * 24 * 7 // 1 week
	SessionCookieSameSite = http.SameSiteLaxMode
	IdentityCacheSize     = 1024
	IdentityCacheTTL      = time.Minute
	PrivilegedRole        = "admin"
	IdentityTimeout       = 5 * time.Second
	RefreshMaxFailures    = 5
	RefreshBlockDuration  = 15 * time.Minute
)

// Rate limiting
const (
	MaxConnectionsPerIP   = 10
	MaxBodySize           = 1 << 20 // 1MB
	RequestTimeout        = 30 * time.Second
	MaxAuditLogsPerMinute = 100
)

// Server timeouts
const (
	ReadHeaderTimeout    = 10 * time.Second
	IdleTimeout          = 120 * time.Second
	MaxHeaderBytes       = 1 << 20
	PushBroadcastTimeout = time.Minute
	PushBodyMaxRunes     = 140
)

// API endpoints
const (
	EndpointCache         = "/cache"
	EndpointPushSubscribe = "/push/subscribe"
	EndpointPushUnsub     = "/push/unsubscribe"
	EndpointPushSend      = "/push/send"
	EndpointPushPublicKey = "/push/vapid-public-key"
	EndpointSocket        = "/socket"
	EndpointSocketStats   = "/socket/stats"
	EndpointHealth        = "/healthz"
	EndpointAdmin         = "/admin"
	EndpointLogin         = "/login"
	EndpointUnauthorized  = "/unauthorized"
)

// Path prefixes that receive CORS treatment
var APIPrefixes = []string{"/api/", "/cache", "/push/", "/socket"}

// Path prefixes that require a privileged session
var AdminPrefixes = []string{"/admin", "/cache", "/push/send"}

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Messages
const (
	MsgInvalidJSON            = "JSON inválido"
	MsgMethodNotAllowed       = "Método no permitido"
	MsgMissingKey             = "Falta el parámetro key"
	MsgInvalidKey             = "Clave inválida"
	MsgInvalidSubscription    = "Suscripción inválida"
	MsgConnectionLimit        = "Demasiadas conexiones"
	MsgNewPostTitle           = "Nuevo tema en el foro"
	MsgNewCommentTitle        = "Nuevo comentario"
	MsgMissingNotification    = "La notificación requiere título y cuerpo"
	MsgInvalidNotificationURL = "URL de notificación inválida"
)
