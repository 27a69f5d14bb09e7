// Package realtime owns collaborative rooms: membership, live presence, the
// current document text and its version counter.
//
// A Coordinator must be the only owner of the rooms it serves. All mutations
// of one room run under that room's lock, which makes the version
// check-then-increment in SubmitChange atomic. Running two coordinators for
// the same room id in different processes needs room-affinity routing in
// front of them.
package realtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tandem/api/internal/ot"
	"tandem/api/internal/presence"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotMember     = errors.New("connection is not a member of the room")
	ErrInvalidChange = errors.New("invalid change")
	ErrInvalidStatus = errors.New("invalid status")
	ErrClosed        = errors.New("coordinator closed")
)

// Notifier delivers a message to one connection. Implementations must not
// block: Deliver is called while the room lock is held.
type Notifier interface {
	Deliver(connID string, msg Message)
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithPalette(palette []string) Option {
	return func(c *Coordinator) {
		c.palette = palette
	}
}

type Coordinator struct {
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	palette  []string

	mu        sync.Mutex
	rooms     map[string]*Room
	connRooms map[string]map[string]struct{}
	closed    bool
}

type Room struct {
	ID string

	mu         sync.Mutex
	content    string
	version    int
	lastAuthor string
	closed     bool
	presence   *presence.Tracker
	conns      map[string]string // connID -> userID
}

type SubmitResult struct {
	Accepted bool
	Version  int
	Content  string
}

// LeaveResult carries the room text as of the leave so the caller can
// persist it when Remaining drops to zero.
type LeaveResult struct {
	RoomID    string
	UserID    string
	Remaining int
	Version   int
	Content   string
}

func NewCoordinator(notifier Notifier, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		notifier:  notifier,
		logger:    logger.Named("coordinator"),
		now:       time.Now,
		rooms:     make(map[string]*Room),
		connRooms: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join adds the connection to the room, creating the room if needed, and
// sends the joiner the full room state.
func (c *Coordinator) Join(connID, roomID, userID, userName, avatar string) (RoomState, error) {
	room, err := c.getOrCreateRoom(roomID)
	if err != nil {
		return RoomState{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.conns[connID] = userID
	joined := room.presence.Join(userID, userName, avatar)
	state := room.stateLocked()

	c.notifier.Deliver(connID, Message{Type: EventRoomState, RoomID: roomID, Payload: state})
	c.broadcastLocked(room, connID, Message{
		Type:   EventUserJoined,
		RoomID: roomID,
		Payload: UserJoined{
			UserID:   userID,
			UserName: userName,
			Avatar:   avatar,
			Color:    joined.Color,
		},
	})

	c.indexAdd(connID, roomID)
	c.logger.Debug("user joined room",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.String("conn_id", connID))
	return state, nil
}

// Leave removes the user bound to connID from the room.
func (c *Coordinator) Leave(connID, roomID string) (LeaveResult, error) {
	room, err := c.lookup(roomID)
	if err != nil {
		return LeaveResult{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.conns[connID]; !ok {
		return LeaveResult{}, ErrNotMember
	}
	result := c.leaveLocked(room, connID)
	c.indexRemove(connID, roomID)
	return result, nil
}

// Disconnect treats a closed connection as a leave from every room it had
// joined. Calls for one connection must not race with its Disconnect; the
// transport guarantees this by disconnecting after its read loop ends.
func (c *Coordinator) Disconnect(connID string) []LeaveResult {
	c.mu.Lock()
	memberships := c.connRooms[connID]
	delete(c.connRooms, connID)
	roomIDs := make([]string, 0, len(memberships))
	for roomID := range memberships {
		roomIDs = append(roomIDs, roomID)
	}
	rooms := make([]*Room, 0, len(roomIDs))
	sort.Strings(roomIDs)
	for _, roomID := range roomIDs {
		if room, ok := c.rooms[roomID]; ok {
			rooms = append(rooms, room)
		}
	}
	c.mu.Unlock()

	results := make([]LeaveResult, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if _, ok := room.conns[connID]; ok {
			results = append(results, c.leaveLocked(room, connID))
		}
		room.mu.Unlock()
	}
	if len(results) > 0 {
		c.logger.Debug("connection disconnected",
			zap.String("conn_id", connID),
			zap.Int("rooms", len(results)))
	}
	return results
}

func (c *Coordinator) MoveCursor(connID, roomID, userID string, cursor presence.Cursor, selection *presence.Selection) error {
	room, err := c.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if err := room.requireMemberLocked(connID, userID); err != nil {
		return err
	}
	updated, ok := room.presence.UpdateCursor(userID, cursor, selection)
	if !ok {
		return ErrNotMember
	}
	c.broadcastLocked(room, connID, Message{
		Type:   EventCursorUpdate,
		RoomID: roomID,
		Payload: CursorUpdate{
			UserID:    userID,
			Cursor:    updated.Cursor,
			Selection: updated.Selection,
		},
	})
	return nil
}

// SubmitChange applies change if baseVersion matches the room's current
// version. A stale change is not an error: the sender receives the
// authoritative content and version and the room is left untouched.
func (c *Coordinator) SubmitChange(connID, roomID, userID string, change ot.Change, baseVersion int) (SubmitResult, error) {
	if err := change.Validate(); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	room, err := c.lookup(roomID)
	if err != nil {
		return SubmitResult{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return SubmitResult{}, ErrClosed
	}
	if err := room.requireMemberLocked(connID, userID); err != nil {
		return SubmitResult{}, err
	}

	if baseVersion != room.version {
		c.notifier.Deliver(connID, Message{
			Type:   EventContentConflict,
			RoomID: roomID,
			Payload: ContentConflict{
				CurrentVersion: room.version,
				CurrentContent: room.content,
			},
		})
		c.logger.Debug("stale change rejected",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Int("base_version", baseVersion),
			zap.Int("current_version", room.version))
		return SubmitResult{Accepted: false, Version: room.version, Content: room.content}, nil
	}

	change.BaseVersion = baseVersion
	change.AuthorID = userID
	if change.Timestamp.IsZero() {
		change.Timestamp = c.now().UTC()
	}

	room.content = change.ApplyTo(room.content)
	room.version++
	room.lastAuthor = userID
	room.presence.Touch(userID)

	c.broadcastLocked(room, connID, Message{
		Type:   EventContentUpdate,
		RoomID: roomID,
		Payload: ContentUpdate{
			UserID:  userID,
			Change:  change,
			Version: room.version,
		},
	})
	c.notifier.Deliver(connID, Message{
		Type:    EventContentConfirmed,
		RoomID:  roomID,
		Payload: ContentConfirmed{Version: room.version},
	})
	return SubmitResult{Accepted: true, Version: room.version, Content: room.content}, nil
}

func (c *Coordinator) UpdateStatus(connID, roomID, userID string, status presence.Status) error {
	if !presence.ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	room, err := c.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if err := room.requireMemberLocked(connID, userID); err != nil {
		return err
	}
	if _, ok := room.presence.SetStatus(userID, status); !ok {
		return ErrNotMember
	}
	c.broadcastLocked(room, connID, Message{
		Type:    EventStatusUpdate,
		RoomID:  roomID,
		Payload: StatusUpdate{UserID: userID, Status: status},
	})
	return nil
}

// Heartbeat refreshes the presence timestamp of the user bound to connID
// without notifying anyone.
func (c *Coordinator) Heartbeat(connID, roomID string) error {
	room, err := c.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	userID, ok := room.conns[connID]
	if !ok {
		return ErrNotMember
	}
	room.presence.Touch(userID)
	return nil
}

// Sweep evicts presence entries idle for longer than maxIdle in every room.
// Evicted users lose their connection bindings and the room is told they
// left. There is one result per evicted user per room, so the host can
// persist rooms the sweep left empty. The host schedules it.
func (c *Coordinator) Sweep(maxIdle time.Duration) []LeaveResult {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	var results []LeaveResult
	for _, room := range rooms {
		room.mu.Lock()
		removed := room.presence.CleanupInactive(maxIdle)
		for _, userID := range removed {
			for connID, bound := range room.conns {
				c.notifier.Deliver(connID, Message{
					Type:    EventUserLeft,
					RoomID:  room.ID,
					Payload: UserLeft{UserID: userID},
				})
				if bound == userID {
					delete(room.conns, connID)
					c.indexRemove(connID, room.ID)
				}
			}
			c.logger.Info("evicted idle user",
				zap.String("room_id", room.ID),
				zap.String("user_id", userID))
		}
		for _, userID := range removed {
			results = append(results, LeaveResult{
				RoomID:    room.ID,
				UserID:    userID,
				Remaining: len(room.conns),
				Version:   room.version,
				Content:   room.content,
			})
		}
		room.mu.Unlock()
	}
	return results
}

// State returns a snapshot of the room.
func (c *Coordinator) State(roomID string) (RoomState, bool) {
	room, err := c.lookup(roomID)
	if err != nil {
		return RoomState{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.stateLocked(), true
}

func (c *Coordinator) RoomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) ConnectionRooms(connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.connRooms[connID]))
	for id := range c.connRooms[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rejects further calls and drops every room. It returns the final
// state of each room that has been edited, with Remaining zero and UserID set
// to the last author, so the host can persist it.
func (c *Coordinator) Shutdown() []LeaveResult {
	c.mu.Lock()
	c.closed = true
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[string]*Room)
	c.connRooms = make(map[string]map[string]struct{})
	c.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	var results []LeaveResult
	for _, room := range rooms {
		room.mu.Lock()
		room.closed = true
		if room.version > 0 {
			results = append(results, LeaveResult{
				RoomID:  room.ID,
				UserID:  room.lastAuthor,
				Version: room.version,
				Content: room.content,
			})
		}
		room.mu.Unlock()
	}
	c.logger.Info("coordinator shut down",
		zap.Int("rooms", len(rooms)),
		zap.Int("edited", len(results)))
	return results
}

// Close is Shutdown for callers that have nothing to persist.
func (c *Coordinator) Close() {
	c.Shutdown()
}

func (c *Coordinator) getOrCreateRoom(roomID string) (*Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if room, ok := c.rooms[roomID]; ok {
		return room, nil
	}
	opts := []presence.Option{presence.WithClock(c.now)}
	if len(c.palette) > 0 {
		opts = append(opts, presence.WithPalette(c.palette))
	}
	room := &Room{
		ID:       roomID,
		presence: presence.NewTracker(opts...),
		conns:    make(map[string]string),
	}
	c.rooms[roomID] = room
	c.logger.Info("room created", zap.String("room_id", roomID))
	return room, nil
}

func (c *Coordinator) lookup(roomID string) (*Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	room, ok := c.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (c *Coordinator) indexAdd(connID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	memberships, ok := c.connRooms[connID]
	if !ok {
		memberships = make(map[string]struct{})
		c.connRooms[connID] = memberships
	}
	memberships[roomID] = struct{}{}
}

func (c *Coordinator) indexRemove(connID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	memberships, ok := c.connRooms[connID]
	if !ok {
		return
	}
	delete(memberships, roomID)
	if len(memberships) == 0 {
		delete(c.connRooms, connID)
	}
}

// leaveLocked unbinds connID. The presence entry goes away with the user's
// last connection in the room.
func (c *Coordinator) leaveLocked(room *Room, connID string) LeaveResult {
	userID := room.conns[connID]
	delete(room.conns, connID)

	stillConnected := false
	for _, bound := range room.conns {
		if bound == userID {
			stillConnected = true
			break
		}
	}
	if !stillConnected {
		room.presence.Remove(userID)
		c.broadcastLocked(room, connID, Message{
			Type:    EventUserLeft,
			RoomID:  room.ID,
			Payload: UserLeft{UserID: userID},
		})
	}
	c.logger.Debug("user left room",
		zap.String("room_id", room.ID),
		zap.String("user_id", userID),
		zap.String("conn_id", connID))
	return LeaveResult{
		RoomID:    room.ID,
		UserID:    userID,
		Remaining: len(room.conns),
		Version:   room.version,
		Content:   room.content,
	}
}

func (c *Coordinator) broadcastLocked(room *Room, exceptConn string, msg Message) {
	for connID := range room.conns {
		if connID == exceptConn {
			continue
		}
		c.notifier.Deliver(connID, msg)
	}
}

func (r *Room) requireMemberLocked(connID, userID string) error {
	bound, ok := r.conns[connID]
	if !ok || bound != userID {
		return ErrNotMember
	}
	return nil
}

func (r *Room) stateLocked() RoomState {
	return RoomState{
		RoomID:  r.ID,
		Users:   r.presence.All(),
		Content: r.content,
		Version: r.version,
	}
}
