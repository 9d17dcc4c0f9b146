package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/nearby-chat/internal/chat"
	"github.com/npezzotti/nearby-chat/internal/config"
	"github.com/npezzotti/nearby-chat/internal/database"
	"github.com/npezzotti/nearby-chat/internal/server"
	"github.com/npezzotti/nearby-chat/internal/stats"
	"github.com/npezzotti/nearby-chat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testRoom = database.ChatRoom{
	Id:         7,
	PropertyId: 10,
	StudentId:  1,
	OwnerId:    2,
	CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
}

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

// newTestApp wires a ChatApp over a chat service backed by the mocked repository.
func newTestApp(t *testing.T, db database.ChatRepository, cfg *config.Config) (*ChatApp, *server.ChatServer) {
	logger := testutil.TestLogger(t)
	svc := chat.NewService(logger, db, nil)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs, err := server.NewChatServer(logger, svc, su, server.Options{})
	require.NoError(t, err)

	return NewChatApp(http.NewServeMux(), logger, cs, svc, cfg), cs
}

func doRequest(app *ChatApp, method, target, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name         string
		mockErr      error
		expectedCode int
	}{
		{
			name:         "successful health check",
			mockErr:      nil,
			expectedCode: http.StatusOK,
		},
		{
			name:         "failed health check",
			mockErr:      errors.New("db error"),
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)
			db.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			app, _ := newTestApp(t, db, testConfig())
			rr := doRequest(app, http.MethodGet, "/api/health", "", "")

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.mockErr == nil {
				assert.JSONEq(t, `{"status":"OK"}`, rr.Body.String())
			} else {
				assert.NotContains(t, rr.Body.String(), "db error", "expected error detail not to be echoed")
			}
		})
	}
}

func Test_createRoom(t *testing.T) {
	params := database.CreateRoomParams{PropertyId: 10, StudentId: 1, OwnerId: 2}

	tcases := []struct {
		name         string
		body         string
		setupMock    func(db *database.MockChatRepository)
		expectedCode int
	}{
		{
			name: "creates room",
			body: `{"property_id":10}`,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetPropertyOwner", mock.Anything, 10).Return(2, nil).Once()
				db.On("FindRoom", mock.Anything, params).Return(database.ChatRoom{}, database.ErrNotFound).Once()
				db.On("CreateRoom", mock.Anything, params).Return(testRoom, nil).Once()
			},
			expectedCode: http.StatusOK,
		},
		{
			name: "returns existing room",
			body: `{"property_id":10}`,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetPropertyOwner", mock.Anything, 10).Return(2, nil).Once()
				db.On("FindRoom", mock.Anything, params).Return(testRoom, nil).Once()
			},
			expectedCode: http.StatusOK,
		},
		{
			name: "unknown property",
			body: `{"property_id":10}`,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetPropertyOwner", mock.Anything, 10).Return(0, database.ErrNotFound).Once()
			},
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "missing property id",
			body:         `{}`,
			setupMock:    func(db *database.MockChatRepository) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "malformed body",
			body:         `{"property_id":`,
			setupMock:    func(db *database.MockChatRepository) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name: "store failure",
			body: `{"property_id":10}`,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetPropertyOwner", mock.Anything, 10).Return(0, errors.New("conn refused")).Once()
			},
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)
			tc.setupMock(db)

			app, _ := newTestApp(t, db, testConfig())
			rr := doRequest(app, http.MethodPost, "/api/chat/rooms", userToken(t, 1, "student"), tc.body)

			assert.Equal(t, tc.expectedCode, rr.Code, "unexpected status: %s", rr.Body.String())
			if tc.expectedCode == http.StatusOK {
				assert.JSONEq(t, `{"room":{
					"id":7,
					"property_id":10,
					"student_id":1,
					"owner_id":2,
					"last_message":null,
					"last_message_at":null,
					"created_at":"2025-03-01T12:00:00Z"
				}}`, rr.Body.String())
			}
		})
	}

	t.Run("requires a token", func(t *testing.T) {
		app, _ := newTestApp(t, &database.MockChatRepository{}, testConfig())
		rr := doRequest(app, http.MethodPost, "/api/chat/rooms", "", `{"property_id":10}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func Test_listRooms(t *testing.T) {
	last := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	listing := database.RoomListing{
		ChatRoom: database.ChatRoom{
			Id:            7,
			PropertyId:    10,
			StudentId:     1,
			OwnerId:       2,
			CreatedAt:     testRoom.CreatedAt,
			LastMessage:   testRoom.LastMessage,
			LastMessageAt: testRoom.LastMessageAt,
		},
		PropertyTitle:    "Loft",
		PropertyImages:   []byte(`["a.jpg"]`),
		CounterpartName:  "Counterpart",
		CounterpartEmail: "counterpart@example.com",
	}
	listing.LastMessage.String, listing.LastMessage.Valid = "Hello", true
	listing.LastMessageAt.Time, listing.LastMessageAt.Valid = last, true

	t.Run("student caller sees owner fields", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("ListRoomsForStudent", mock.Anything, 1).Return([]database.RoomListing{listing}, nil).Once()

		app, _ := newTestApp(t, db, testConfig())
		rr := doRequest(app, http.MethodGet, "/api/chat/rooms", userToken(t, 1, "student"), "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"rooms":[{
			"id":7,
			"property_id":10,
			"student_id":1,
			"owner_id":2,
			"last_message":"Hello",
			"last_message_at":"2025-03-02T09:00:00Z",
			"created_at":"2025-03-01T12:00:00Z",
			"property_title":"Loft",
			"property_images":["a.jpg"],
			"owner_name":"Counterpart",
			"owner_email":"counterpart@example.com"
		}]}`, rr.Body.String())
	})

	t.Run("owner caller sees student fields", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("ListRoomsForOwner", mock.Anything, 2).Return([]database.RoomListing{listing}, nil).Once()

		app, _ := newTestApp(t, db, testConfig())
		rr := doRequest(app, http.MethodGet, "/api/chat/rooms", userToken(t, 2, "owner"), "")

		assert.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Rooms []map[string]any `json:"rooms"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Len(t, body.Rooms, 1)
		assert.Equal(t, "Counterpart", body.Rooms[0]["student_name"])
		assert.NotContains(t, body.Rooms[0], "owner_name")
	})

	t.Run("no rooms is an empty list", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("ListRoomsForStudent", mock.Anything, 1).Return([]database.RoomListing{}, nil).Once()

		app, _ := newTestApp(t, db, testConfig())
		rr := doRequest(app, http.MethodGet, "/api/chat/rooms", userToken(t, 1, "student"), "")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"rooms":[]}`, rr.Body.String())
	})
}

func Test_getMessages(t *testing.T) {
	created := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	messages := []database.ChatMessage{
		{Id: 1, RoomId: 7, SenderId: 1, SenderName: "Sam Student", Message: "Hi", IsRead: false, CreatedAt: created},
		{Id: 2, RoomId: 7, SenderId: 2, SenderName: "Olga Owner", Message: "Hello", IsRead: true, CreatedAt: created.Add(time.Minute)},
	}

	tcases := []struct {
		name         string
		target       string
		userId       int
		setupMock    func(db *database.MockChatRepository)
		expectedCode int
	}{
		{
			name:   "participant reads and marks read",
			target: "/api/chat/rooms/7/messages",
			userId: 2,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
				db.On("ListMessagesAndMarkRead", mock.Anything, 7, 2).Return(messages, nil).Once()
			},
			expectedCode: http.StatusOK,
		},
		{
			name:   "outsider is forbidden",
			target: "/api/chat/rooms/7/messages",
			userId: 99,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
			},
			expectedCode: http.StatusForbidden,
		},
		{
			name:   "missing room is forbidden",
			target: "/api/chat/rooms/8/messages",
			userId: 1,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 8).Return(database.ChatRoom{}, database.ErrNotFound).Once()
			},
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "non numeric room id",
			target:       "/api/chat/rooms/abc/messages",
			userId:       1,
			setupMock:    func(db *database.MockChatRepository) {},
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)
			tc.setupMock(db)

			app, _ := newTestApp(t, db, testConfig())
			rr := doRequest(app, http.MethodGet, tc.target, userToken(t, tc.userId, "student"), "")

			assert.Equal(t, tc.expectedCode, rr.Code, "unexpected status: %s", rr.Body.String())
			if tc.expectedCode != http.StatusOK {
				db.AssertNotCalled(t, "ListMessagesAndMarkRead", mock.Anything, mock.Anything, mock.Anything)
				return
			}

			var body struct {
				Messages []map[string]any `json:"messages"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Len(t, body.Messages, 2)
			assert.Equal(t, "Sam Student", body.Messages[0]["sender_name"])
			assert.EqualValues(t, 2, body.Messages[1]["id"])
		})
	}
}

func Test_sendMessage(t *testing.T) {
	created := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	stored := database.ChatMessage{Id: 100, RoomId: 7, SenderId: 1, Message: "Hello", CreatedAt: created}

	tcases := []struct {
		name         string
		body         string
		userId       int
		setupMock    func(db *database.MockChatRepository)
		expectedCode int
	}{
		{
			name:   "created",
			body:   `{"room_id":7,"message":"Hello"}`,
			userId: 1,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
				db.On("CreateMessage", mock.Anything, database.CreateMessageParams{RoomId: 7, SenderId: 1, Message: "Hello"}).Return(stored, nil).Once()
			},
			expectedCode: http.StatusCreated,
		},
		{
			name:   "string room id",
			body:   `{"room_id":"7","message":"Hello"}`,
			userId: 1,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
				db.On("CreateMessage", mock.Anything, mock.Anything).Return(stored, nil).Once()
			},
			expectedCode: http.StatusCreated,
		},
		{
			name:   "outsider is forbidden",
			body:   `{"room_id":7,"message":"Hello"}`,
			userId: 99,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
			},
			expectedCode: http.StatusForbidden,
		},
		{
			name:   "empty message",
			body:   `{"room_id":7,"message":""}`,
			userId: 1,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "missing room id",
			body:         `{"message":"Hello"}`,
			userId:       1,
			setupMock:    func(db *database.MockChatRepository) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "malformed body",
			body:         `not json`,
			userId:       1,
			setupMock:    func(db *database.MockChatRepository) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:   "store failure",
			body:   `{"room_id":7,"message":"Hello"}`,
			userId: 1,
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
				db.On("CreateMessage", mock.Anything, mock.Anything).Return(database.ChatMessage{}, errors.New("disk full")).Once()
			},
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)
			tc.setupMock(db)

			app, _ := newTestApp(t, db, testConfig())
			rr := doRequest(app, http.MethodPost, "/api/chat/messages", userToken(t, tc.userId, "student"), tc.body)

			assert.Equal(t, tc.expectedCode, rr.Code, "unexpected status: %s", rr.Body.String())
			if tc.expectedCode == http.StatusCreated {
				assert.JSONEq(t, `{"message":{
					"id":100,
					"room_id":7,
					"sender_id":1,
					"message":"Hello",
					"is_read":false,
					"created_at":"2025-03-02T09:00:00Z"
				}}`, rr.Body.String())
			}
			if tc.expectedCode == http.StatusInternalServerError {
				assert.NotContains(t, rr.Body.String(), "disk full")
			}
		})
	}
}

func dialWs(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial websocket")
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitReady round-trips a rejected frame so the server side is known to be
// registered and reading.
func waitReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"leave_room","data":"abc"}`)))
	frame := readEvent(t, conn)
	require.Equal(t, server.EventError, frame["event"])
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame), "expected a frame")
	return frame
}

func Test_sendMessage_broadcast(t *testing.T) {
	created := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	stored := database.ChatMessage{Id: 100, RoomId: 7, SenderId: 1, Message: "Hello", CreatedAt: created}

	t.Run("http sends reach sockets when enabled", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.Anything).Return(stored, nil).Once()
		db.On("GetUserName", mock.Anything, 1).Return("Sam Student", nil).Once()

		cfg := testConfig()
		cfg.BroadcastHTTPSends = true
		app, _ := newTestApp(t, db, cfg)
		srv := httptest.NewServer(app.Handler())
		defer srv.Close()

		owner := dialWs(t, srv, userToken(t, 2, "owner"))
		waitReady(t, owner)

		rr := doRequest(app, http.MethodPost, "/api/chat/messages", userToken(t, 1, "student"), `{"room_id":7,"message":"Hello"}`)
		require.Equal(t, http.StatusCreated, rr.Code)

		frame := readEvent(t, owner)
		assert.Equal(t, server.EventNewNotification, frame["event"])
		assert.Equal(t, map[string]any{"type": "message", "room_id": float64(7), "message": "Hello"}, frame["data"])
	})

	t.Run("http sends are silent by default", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoom", mock.Anything, 7).Return(testRoom, nil).Once()
		db.On("CreateMessage", mock.Anything, mock.Anything).Return(stored, nil).Once()

		app, cs := newTestApp(t, db, testConfig())
		srv := httptest.NewServer(app.Handler())
		defer srv.Close()

		owner := dialWs(t, srv, userToken(t, 2, "owner"))
		waitReady(t, owner)

		rr := doRequest(app, http.MethodPost, "/api/chat/messages", userToken(t, 1, "student"), `{"room_id":7,"message":"Hello"}`)
		require.Equal(t, http.StatusCreated, rr.Code)

		// the first frame after the send is this one
		cs.NotifyUser(context.Background(), 2, "ping", nil)
		frame := readEvent(t, owner)
		assert.Equal(t, "ping", frame["event"])
		db.AssertNotCalled(t, "GetUserName", mock.Anything, mock.Anything)
	})
}

func Test_serveWs(t *testing.T) {
	app, _ := newTestApp(t, &database.MockChatRepository{}, testConfig())
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("rejects missing token before upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects invalid token before upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bogus", nil)
		assert.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects foreign origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+userToken(t, 1, "student"), header)
		assert.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("accepts allowed origin with bearer header", func(t *testing.T) {
		header := http.Header{
			"Origin":        []string{"http://localhost:3000"},
			"Authorization": []string{"Bearer " + userToken(t, 1, "student")},
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"join_room","data":"abc"}`)))
		frame := readEvent(t, conn)
		assert.Equal(t, "error", frame["event"])
	})
}

func Test_writeJson(t *testing.T) {
	app := &ChatApp{log: testutil.BufferLogger(&bytes.Buffer{})}

	rr := httptest.NewRecorder()
	app.writeJson(rr, http.StatusTeapot, map[string]string{"a": "b"})
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":"b"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	app.writeJson(rr, http.StatusNoContent, nil)
	assert.Empty(t, rr.Body.String())
}
