package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/chat"
	"github.com/dukerupert/courier/internal/config"
	"github.com/dukerupert/courier/internal/delivery"
	"github.com/dukerupert/courier/internal/handler"
	"github.com/dukerupert/courier/internal/middleware"
	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/presence"
	"github.com/dukerupert/courier/internal/push"
	ws "github.com/dukerupert/courier/internal/websocket"
)

type Server struct {
	cfg         config.Config
	stores      Stores
	verifier    *auth.Verifier
	hub         *ws.Hub
	dispatcher  *delivery.Dispatcher
	deviceH     *handler.DeviceHandler
	chatH       *handler.ChatHandler
	vapidKey    string
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// New wires every component. Push providers are enabled per platform from
// cfg; an unconfigured platform yields transient results.
func New(ctx context.Context, cfg config.Config, stores Stores, logger *slog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAlg)
	if err != nil {
		return nil, fmt.Errorf("credential verifier: %w", err)
	}

	reg := presence.New()
	hub := ws.NewHub(reg, verifier, logger.With("component", "websocket"), ws.Options{
		AuthTimeout:  cfg.AuthTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	router := push.NewRouter()
	if cfg.FCMEnabled() {
		fcm, err := push.NewFCMSender(ctx, cfg.FCMProjectID, cfg.FCMCredentials)
		if err != nil {
			return nil, fmt.Errorf("fcm: %w", err)
		}
		router.Handle(fcm, model.PlatformAndroid, model.PlatformIOS)
	}
	var vapidKey string
	if cfg.WebPushEnabled() {
		wp := push.NewWebPushSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		router.Handle(wp, model.PlatformWeb)
		vapidKey = wp.VAPIDPublicKey()
	}

	pushSvc := push.NewService(stores.Devices, router, logger, push.Config{
		BatchSize:    cfg.PushBatchSize,
		BatchTimeout: cfg.PushTimeout,
	})
	dispatcher := delivery.New(hub, pushSvc, logger, delivery.Config{
		Policy:     cfg.PushPolicy,
		Workers:    cfg.PushWorkers,
		JobTimeout: cfg.PushJobTimeout,
	})
	chatSvc := chat.NewService(stores.Chats, stores.Notifications, hub, dispatcher, logger)
	hub.SetInbound(chatSvc)

	return &Server{
		cfg:         cfg,
		stores:      stores,
		verifier:    verifier,
		hub:         hub,
		dispatcher:  dispatcher,
		deviceH:     handler.NewDeviceHandler(pushSvc, logger.With("component", "device_handler")),
		chatH:       handler.NewChatHandler(chatSvc, logger.With("component", "chat_handler")),
		vapidKey:    vapidKey,
		rateLimiter: middleware.NewRateLimiter(10, time.Minute),
		logger:      logger,
	}, nil
}

// Deliverer is the entry point other business code uses to notify users.
func (s *Server) Deliverer() *delivery.Dispatcher {
	return s.dispatcher
}

func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Verifier() *auth.Verifier {
	return s.verifier
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", handler.Health(s.stores.Ping))
	outerMux.HandleFunc("GET /push/vapid-key", handler.VAPIDKey(s.vapidKey))
	// The websocket authenticates itself during the handshake.
	outerMux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.AllowedOrigins))

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireAuth(s.verifier)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /notifications/device-token", s.rateLimitedHandler(s.deviceH.Register))
	mux.HandleFunc("DELETE /notifications/device-token", s.deviceH.Unregister)
	mux.HandleFunc("GET /notifications/devices", s.deviceH.List)
	mux.HandleFunc("GET /notifications", s.chatH.Notifications)

	mux.HandleFunc("POST /chats", s.chatH.Create)
	mux.HandleFunc("POST /chats/{chatId}/messages", s.chatH.Send)
	mux.HandleFunc("GET /chats/{chatId}/messages", s.chatH.History)
}

// rateLimitedHandler limits per authenticated user.
func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	return middleware.RateLimit(s.rateLimiter, middleware.UserOrAddr)(h).ServeHTTP
}

// RunCleanup prunes expired rate limiter windows until ctx ends.
func (s *Server) RunCleanup(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.rateLimiter.Cleanup()
		}
	}
}

// Shutdown closes live connections and drains in-flight push jobs. The HTTP
// server must already be shut down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	err := s.dispatcher.Close(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("push jobs still running at shutdown")
	}
	return err
}
