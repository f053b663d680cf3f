// Package httpapi exposes the webinar backend over HTTP: login, session
// lifecycle, presence signals and the chat relay.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/webinar-backend/internal/auth"
	"github.com/example/webinar-backend/internal/chat"
	"github.com/example/webinar-backend/internal/config"
	"github.com/example/webinar-backend/internal/presence"
)

// GoogleVerifier validates a Google ID token presented at host login.
type GoogleVerifier interface {
	ValidateIDToken(token string) (*auth.GoogleClaims, error)
}

// WhitelistLookup resolves a normalized phone number to a display name.
type WhitelistLookup interface {
	Lookup(phone string) (string, bool)
}

// ProfileStore persists and reads user display records.
type ProfileStore interface {
	Upsert(ctx context.Context, profile auth.Profile) error
	List(ctx context.Context, ids []string) (map[string]auth.Profile, error)
}

// ChatRelay sends messages and serves history.
type ChatRelay interface {
	Send(ctx context.Context, p auth.Principal, text, to string, now int64) (*chat.Message, error)
	History(ctx context.Context, p auth.Principal, before int64) (*chat.HistoryPage, error)
}

type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	presence *presence.Service
	tokens   *auth.TokenIssuer
	google   GoogleVerifier
	wl       WhitelistLookup
	profiles ProfileStore
	chat     ChatRelay

	generalLimit *Limiter
	loginLimit   *Limiter
	joinLimit    *Limiter
	messageLimit *Limiter
	perUserLimit *Limiter
}

func NewServer(cfg *config.Config, log *slog.Logger, svc *presence.Service,
	tokens *auth.TokenIssuer, google GoogleVerifier, wl WhitelistLookup,
	profiles ProfileStore, relay ChatRelay) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		presence: svc,
		tokens:   tokens,
		google:   google,
		wl:       wl,
		profiles: profiles,
		chat:     relay,

		generalLimit: NewLimiter(100, 15*time.Minute),
		loginLimit:   NewLimiter(10, 15*time.Minute),
		joinLimit:    NewLimiter(5, 5*time.Minute),
		messageLimit: NewLimiter(50, time.Minute),
		perUserLimit: NewLimiter(30, time.Minute),
	}
}

// Router builds the gin engine with all routes mounted under /api.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(s.rateLimit(s.generalLimit, clientKey))

	authGroup := api.Group("/auth")
	authGroup.POST("/host/login", s.rateLimit(s.loginLimit, clientKey), s.handleHostLogin)
	authGroup.POST("/participant/login", s.rateLimit(s.joinLimit, clientKey), s.handleParticipantLogin)
	authGroup.GET("/verify", s.handleVerify)
	authGroup.POST("/logout", s.handleLogout)

	session := api.Group("/session")
	session.GET("/count", s.handleCount)
	session.GET("/status", s.handleStatus)
	session.GET("/config", s.handleSessionConfig)
	session.POST("/state", s.requireAuth(), s.handleUpdateState)
	session.POST("/beacon", s.handleBeacon)
	session.POST("/heartbeat", s.requireAuth(), s.handleHeartbeat)
	session.POST("/end", s.requireAuth(), s.requireHost(), s.handleEndSession)

	chatGroup := api.Group("/chat")
	chatGroup.POST("/send", s.requireAuth(),
		s.rateLimit(s.messageLimit, clientKey), s.rateLimit(s.perUserLimit, principalKey),
		s.handleSendMessage)
	chatGroup.GET("/history", s.requireAuth(), s.handleHistory)
	chatGroup.GET("/participants", s.requireAuth(), s.requireHost(), s.handleParticipants)

	stream := api.Group("/stream")
	stream.GET("/config", s.requireAuth(), s.handleStreamConfig)

	return r
}
