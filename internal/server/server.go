// Package server exposes the gateway's HTTP surface per spec.md §6: the
// OpenAI-compatible chat-completions endpoint backed by
// internal/dispatch, and an admin CRUD surface over the Credential Store
// for managing connections.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/aigateway/internal/config"
	"github.com/rakunlabs/aigateway/internal/dispatch"
	"github.com/rakunlabs/aigateway/internal/store"
)

// Server wires the ada HTTP mux to the Dispatch Loop and the Credential
// Store admin surface.
type Server struct {
	config config.Server
	server *ada.Server

	dispatcher *dispatch.Dispatcher
	store      store.Store

	// providers is used only to build /v1/models' advertised list — the
	// Dispatcher itself resolves "provider/model" targets independently.
	providers  map[string]config.ProviderEntry
	authTokens []config.AuthTokenConfig
}

// New builds the HTTP mux and registers every route. Service, per
// spec.md §6, has no separate admin-UI surface — the teacher's embedded
// SPA and workflow/webhook routes have no equivalent here.
func New(_ context.Context, cfg config.Server, gatewayCfg config.Gateway, dispatcher *dispatch.Dispatcher, st store.Store, providers map[string]config.ProviderEntry) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:     cfg,
		server:     mux,
		dispatcher: dispatcher,
		store:      st,
		providers:  providers,
		authTokens: gatewayCfg.AuthTokens,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	// OpenAI-compatible chat gateway.
	baseGroup.POST("/v1/chat/completions", s.ChatCompletions)
	baseGroup.GET("/v1/models", s.ListModels)

	if cfg.ForwardAuth != nil {
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	// Connection admin CRUD, protected by AdminToken.
	connGroup := baseGroup.Group("/v1/connections")
	connGroup.Use(s.adminAuthMiddleware())
	connGroup.GET("", s.ListConnectionsAPI)
	connGroup.POST("", s.CreateConnectionAPI)
	connGroup.GET("/*", s.GetConnectionAPI)
	connGroup.PATCH("/*", s.UpdateConnectionAPI)
	connGroup.DELETE("/*", s.DeleteConnectionAPI)

	// Settings admin surface, same protection.
	settingsGroup := baseGroup.Group("/v1/settings")
	settingsGroup.Use(s.adminAuthMiddleware())
	settingsGroup.GET("", s.GetSettingsAPI)
	settingsGroup.PATCH("", s.UpdateSettingsAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// adminAuthMiddleware protects the admin CRUD surface. If no admin_token
// is configured, every admin request is rejected with 403, same as the
// teacher's settings-API guard.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
