// Package presence tracks the ephemeral live state of users in a room:
// cursor, selection, activity status and display color.
package presence

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusTyping  Status = "typing"
	StatusEditing Status = "editing"
	StatusViewing Status = "viewing"
)

// DefaultMaxIdle is the idle threshold applied by hosts that do not configure one.
const DefaultMaxIdle = 30 * time.Second

var DefaultPalette = []string{
	"#E57373",
	"#64B5F6",
	"#81C784",
	"#FFB74D",
	"#BA68C8",
	"#4DB6AC",
	"#F06292",
	"#A1887F",
	"#7986CB",
	"#DCE775",
}

func ValidStatus(status Status) bool {
	switch status {
	case StatusIdle, StatusTyping, StatusEditing, StatusViewing:
		return true
	default:
		return false
	}
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Presence struct {
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Avatar    string     `json:"avatar,omitempty"`
	Color     string     `json:"color"`
	Cursor    Cursor     `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
	Status    Status     `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func WithPalette(palette []string) Option {
	return func(t *Tracker) {
		if len(palette) > 0 {
			t.palette = append([]string(nil), palette...)
		}
	}
}

// Tracker holds presence entries for one room. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]*Presence
	palette   []string
	nextColor int
	now       func() time.Time
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[string]*Presence),
		palette: DefaultPalette,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join creates or overwrites the user's entry with status viewing and the
// cursor at the origin. A live entry keeps its color.
func (t *Tracker) Join(userID, userName, avatar string) Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &Presence{
		UserID:    userID,
		UserName:  userName,
		Avatar:    avatar,
		Color:     t.colorLocked(userID),
		Status:    StatusViewing,
		UpdatedAt: t.now(),
	}
	t.entries[userID] = entry
	return *entry
}

// AssignColor returns the user's color, taking the next palette slot if the
// user has no live entry. Colors are not remembered across eviction.
func (t *Tracker) AssignColor(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.colorLocked(userID)
}

func (t *Tracker) colorLocked(userID string) string {
	if entry, ok := t.entries[userID]; ok && entry.Color != "" {
		return entry.Color
	}
	color := t.palette[t.nextColor%len(t.palette)]
	t.nextColor++
	return color
}

func (t *Tracker) UpdateCursor(userID string, cursor Cursor, selection *Selection) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	entry.Cursor = cursor
	if selection != nil {
		sel := *selection
		entry.Selection = &sel
	} else {
		entry.Selection = nil
	}
	entry.UpdatedAt = t.now()
	return copyPresence(entry), true
}

func (t *Tracker) SetStatus(userID string, status Status) (Presence, bool) {
	if !ValidStatus(status) {
		return Presence{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	entry.Status = status
	entry.UpdatedAt = t.now()
	return copyPresence(entry), true
}

// MarkInactive flips the user to idle without refreshing the timestamp, so
// the idle sweep still sees the last real activity.
func (t *Tracker) MarkInactive(userID string) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	entry.Status = StatusIdle
	return copyPresence(entry), true
}

// Touch refreshes the activity timestamp.
func (t *Tracker) Touch(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	entry.UpdatedAt = t.now()
	return true
}

func (t *Tracker) Remove(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[userID]; !ok {
		return false
	}
	delete(t.entries, userID)
	return true
}

func (t *Tracker) Get(userID string) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	return copyPresence(entry), true
}

// All returns every entry ordered by user id.
func (t *Tracker) All() []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Presence, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, copyPresence(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CleanupInactive removes entries last updated more than maxIdle ago and
// returns their user ids in sorted order. A non-positive maxIdle uses
// DefaultMaxIdle.
func (t *Tracker) CleanupInactive(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var removed []string
	for userID, entry := range t.entries {
		if now.Sub(entry.UpdatedAt) > maxIdle {
			delete(t.entries, userID)
			removed = append(removed, userID)
		}
	}
	sort.Strings(removed)
	return removed
}

func copyPresence(entry *Presence) Presence {
	out := *entry
	if entry.Selection != nil {
		sel := *entry.Selection
		out.Selection = &sel
	}
	return out
}
