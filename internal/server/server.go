package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/npezzotti/nearby-chat/internal/chat"
	"github.com/npezzotti/nearby-chat/internal/database"
	"github.com/npezzotti/nearby-chat/internal/stats"
	"github.com/teris-io/shortid"
)

// ChatService is the part of chat.Service the real-time path depends on.
type ChatService interface {
	Authorize(ctx context.Context, roomId, actorId int) (database.ChatRoom, error)
	Send(ctx context.Context, roomId, senderId int, text string) (chat.SendResult, error)
	DisplayName(ctx context.Context, userId int) (string, error)
}

type Options struct {
	// VerifyRoomJoin rejects join_room for rooms the user does not participate in.
	VerifyRoomJoin bool
	// Relay fans events out to other instances. Nil keeps delivery local.
	Relay Relay
}

type group map[*Client]struct{}

// ChatServer tracks live connections and the groups they belong to: one
// personal group per user id and one group per joined room.
type ChatServer struct {
	log        *slog.Logger
	chat       ChatService
	stats      stats.StatsProvider
	relay      Relay
	instanceId string
	verifyJoin bool

	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[int]group
	rooms   map[int]group
}

func NewChatServer(logger *slog.Logger, svc ChatService, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	instanceId, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}

	stats.RegisterChatMetrics(su)

	return &ChatServer{
		log:        logger.With("instance_id", instanceId),
		chat:       svc,
		stats:      su,
		relay:      opts.Relay,
		instanceId: instanceId,
		verifyJoin: opts.VerifyRoomJoin,
		clients:    make(map[*Client]struct{}),
		users:      make(map[int]group),
		rooms:      make(map[int]group),
	}, nil
}

// RegisterClient adds the connection and places it in its user's personal group.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.clients[c] = struct{}{}
	addToGroup(cs.users, c.user.Id, c)
	cs.stats.Incr(stats.NumActiveClients)

	cs.log.Debug("client registered", "client_id", c.id, "user_id", c.user.Id)
}

// UnregisterClient drops the connection from every group it belongs to.
func (cs *ChatServer) UnregisterClient(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	removeFromGroup(cs.users, c.user.Id, c)

	for roomId := range c.rooms {
		if removeFromGroup(cs.rooms, roomId, c) {
			cs.stats.Decr(stats.NumRoomGroups)
		}
	}
	c.rooms = make(map[int]struct{})
	cs.stats.Decr(stats.NumActiveClients)

	cs.log.Debug("client unregistered", "client_id", c.id, "user_id", c.user.Id)
}

// Join subscribes the connection to the room's group. When join verification
// is enabled, non-participants are refused with ErrAccessDenied.
func (cs *ChatServer) Join(ctx context.Context, c *Client, roomId int) error {
	if cs.verifyJoin {
		if _, err := cs.chat.Authorize(ctx, roomId, c.user.Id); err != nil {
			return err
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := c.rooms[roomId]; ok {
		return nil
	}
	if addToGroup(cs.rooms, roomId, c) {
		cs.stats.Incr(stats.NumRoomGroups)
	}
	c.rooms[roomId] = struct{}{}

	cs.log.Debug("joined room", "client_id", c.id, "user_id", c.user.Id, "room_id", roomId)
	return nil
}

// Leave is a no-op when the connection is not in the room.
func (cs *ChatServer) Leave(c *Client, roomId int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := c.rooms[roomId]; !ok {
		return
	}
	delete(c.rooms, roomId)
	if removeFromGroup(cs.rooms, roomId, c) {
		cs.stats.Decr(stats.NumRoomGroups)
	}

	cs.log.Debug("left room", "client_id", c.id, "user_id", c.user.Id, "room_id", roomId)
}

func (cs *ChatServer) BroadcastToRoom(ctx context.Context, roomId int, event string, payload any) {
	cs.deliver(ctx, Envelope{Target: TargetRoom, Id: roomId}, event, payload)
}

// NotifyUser pushes to every connection of userId. A user with no connections
// is silently skipped.
func (cs *ChatServer) NotifyUser(ctx context.Context, userId int, event string, payload any) {
	cs.deliver(ctx, Envelope{Target: TargetUser, Id: userId}, event, payload)
}

// RelayTyping forwards a typing indicator to the room's group, skipping every
// connection of the actor.
func (cs *ChatServer) RelayTyping(ctx context.Context, roomId, actorId int, isTyping bool) {
	cs.deliver(ctx, Envelope{Target: TargetRoom, Id: roomId, SkipUser: actorId}, EventUserTyping, typingPayload(actorId, isTyping))
}

// DeliverMessage fans a persisted message out: the full record to the room's
// group and a truncated notification to the counterpart's personal group.
func (cs *ChatServer) DeliverMessage(ctx context.Context, res chat.SendResult) {
	msg := res.Message
	if msg.SenderName == "" {
		name, err := cs.chat.DisplayName(ctx, msg.SenderId)
		if err != nil {
			cs.log.Error("failed to resolve sender name", "user_id", msg.SenderId, "message_id", msg.Id, "err", err)
		}
		msg.SenderName = name
	}

	cs.BroadcastToRoom(ctx, msg.RoomId, EventNewMessage, messagePayload(msg))
	cs.NotifyUser(ctx, res.Room.Counterpart(msg.SenderId), EventNewNotification, notificationPayload(msg))
	cs.stats.Incr(stats.MessagesSent)
}

func (cs *ChatServer) deliver(ctx context.Context, env Envelope, event string, payload any) {
	cs.deliverLocal(env, &ServerMessage{Event: event, Data: payload})

	if cs.relay == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		cs.log.Error("failed to encode relay payload", "event", event, "err", err)
		return
	}
	env.Origin = cs.instanceId
	env.Event = event
	env.Data = data

	if err := cs.relay.Publish(ctx, env); err != nil {
		cs.log.Error("failed to publish to relay", "event", event, "target", env.Target, "id", env.Id, "err", err)
	}
}

func (cs *ChatServer) deliverLocal(env Envelope, msg *ServerMessage) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var g group
	switch env.Target {
	case TargetRoom:
		g = cs.rooms[env.Id]
	case TargetUser:
		g = cs.users[env.Id]
	}

	for c := range g {
		if env.SkipUser != 0 && c.user.Id == env.SkipUser {
			continue
		}
		c.queueMessage(msg)
	}
}

// handleRelayed delivers an envelope published by another instance.
func (cs *ChatServer) handleRelayed(env Envelope) {
	if env.Origin == cs.instanceId {
		return
	}
	cs.stats.Incr(stats.RelayedEvents)
	cs.deliverLocal(env, &ServerMessage{Event: env.Event, Data: env.Data})
}

// Run consumes the relay until ctx is cancelled. Without a relay it returns
// immediately.
func (cs *ChatServer) Run(ctx context.Context) error {
	if cs.relay == nil {
		return nil
	}

	cs.log.Info("subscribing to relay")
	err := cs.relay.Subscribe(ctx, cs.handleRelayed)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	return nil
}

// Shutdown stops every connection's write pump, which closes the socket and
// lets the read pump unregister it.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("shutting down chat server")

	cs.mu.RLock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.mu.RUnlock()

	for _, c := range clients {
		c.stopClient()
	}

	if cs.relay != nil {
		if err := cs.relay.Close(); err != nil {
			cs.log.Error("failed to close relay", "err", err)
		}
	}

	return ctx.Err()
}

func (cs *ChatServer) numClients() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

func (cs *ChatServer) roomSize(roomId int) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.rooms[roomId])
}

// addToGroup reports whether the group was created.
func addToGroup(groups map[int]group, id int, c *Client) bool {
	g, ok := groups[id]
	if !ok {
		g = make(group)
		groups[id] = g
	}
	g[c] = struct{}{}
	return !ok
}

// removeFromGroup reports whether the group was emptied and dropped.
func removeFromGroup(groups map[int]group, id int, c *Client) bool {
	g, ok := groups[id]
	if !ok {
		return false
	}
	if _, member := g[c]; !member {
		return false
	}
	delete(g, c)
	if len(g) == 0 {
		delete(groups, id)
		return true
	}
	return false
}
