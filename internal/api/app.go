package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/nearby-chat/internal/chat"
	"github.com/npezzotti/nearby-chat/internal/config"
	"github.com/npezzotti/nearby-chat/internal/database"
	"github.com/npezzotti/nearby-chat/internal/server"
)

// ChatService is the part of chat.Service the HTTP handlers depend on.
type ChatService interface {
	Ping(ctx context.Context) error
	GetOrCreateRoom(ctx context.Context, studentId, propertyId int) (database.ChatRoom, error)
	ListRooms(ctx context.Context, userId int, userType string) ([]database.RoomListing, error)
	ListAndMarkRead(ctx context.Context, roomId, readerId int) ([]database.ChatMessage, error)
	Send(ctx context.Context, roomId, senderId int, text string) (chat.SendResult, error)
}

type ChatApp struct {
	log                *slog.Logger
	svc                ChatService
	cs                 *server.ChatServer
	srv                *http.Server
	signingKey         []byte
	allowedOrigins     []string
	broadcastHTTPSends bool
}

// NewChatApp registers the chat routes on mux and wraps it with CORS and panic
// recovery. mux may already carry other routes, such as the stats endpoint.
func NewChatApp(mux *http.ServeMux, logger *slog.Logger, cs *server.ChatServer, svc ChatService, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:                logger,
		svc:                svc,
		cs:                 cs,
		signingKey:         cfg.SigningKey,
		allowedOrigins:     cfg.AllowedOrigins,
		broadcastHTTPSends: cfg.BroadcastHTTPSends,
	}

	mux.HandleFunc("GET /api/health", s.healthCheck)
	mux.Handle("POST /api/chat/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/chat/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("GET /api/chat/rooms/{room_id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/chat/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatApp) Start() error {
	s.log.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
