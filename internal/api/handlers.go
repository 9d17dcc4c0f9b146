package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/nearby-chat/internal/chat"
	"github.com/npezzotti/nearby-chat/internal/server"
	"github.com/npezzotti/nearby-chat/internal/types"
)

type CreateRoomRequest struct {
	PropertyId int `json:"property_id"`
}

type SendMessageRequest struct {
	RoomId  server.RoomID `json:"room_id"`
	Message string        `json:"message"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", "err", err)
	}
}

// writeServiceError logs unexpected failures and never echoes their detail.
func (s *ChatApp) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := errorFromService(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", "err", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *ChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.svc.GetOrCreateRoom(r.Context(), user.Id, req.PropertyId)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]types.Room{"room": types.RoomFromModel(room)})
}

func (s *ChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, err := s.svc.ListRooms(r.Context(), user.Id, user.UserType)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	studentView := user.UserType == chat.UserTypeStudent
	items := make([]types.RoomListItem, 0, len(rooms))
	for _, room := range rooms {
		items = append(items, types.RoomListItemFromModel(room, studentView))
	}

	s.writeJson(w, http.StatusOK, map[string][]types.RoomListItem{"rooms": items})
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId, err := strconv.Atoi(r.PathValue("room_id"))
	if err != nil || roomId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.svc.ListAndMarkRead(r.Context(), roomId, user.Id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	res := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		res = append(res, types.MessageFromModel(msg))
	}

	s.writeJson(w, http.StatusOK, map[string][]types.Message{"messages": res})
}

// sendMessage persists a message. Connected clients only see it when
// broadcasting of HTTP sends is enabled.
func (s *ChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	res, err := s.svc.Send(r.Context(), int(req.RoomId), user.Id, req.Message)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if s.broadcastHTTPSends && s.cs != nil {
		s.cs.DeliverMessage(r.Context(), res)
	}

	s.writeJson(w, http.StatusCreated, map[string]types.Message{"message": types.MessageFromModel(res.Message)})
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", "err", err)
		return
	}

	// the request context ends with this handler, the connection does not
	client := server.NewClient(context.WithoutCancel(r.Context()), user, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
