package versions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultCheckpointEvery     = 25
	DefaultCheckpointQueueSize = 256
	DefaultDocumentPath        = "document.txt"
	drainTimeout               = 10 * time.Second
)

// Checkpoint is a room state worth persisting. Version is the room version
// the content belongs to, not a history version number.
type Checkpoint struct {
	ProjectID string
	Version   int
	Content   string
	AuthorID  string
	Force     bool
}

type CheckpointConfig struct {
	Every        int
	QueueSize    int
	DocumentPath string
}

// Checkpointer writes room content into the version history off the edit
// path. Enqueue never blocks; a full queue drops the checkpoint.
type Checkpointer struct {
	store  *Store
	logger *zap.Logger
	queue  chan Checkpoint
	every  int
	path   string

	mu    sync.Mutex
	saved map[string]int
}

func NewCheckpointer(s *Store, logger *zap.Logger, cfg CheckpointConfig) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Every <= 0 {
		cfg.Every = DefaultCheckpointEvery
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultCheckpointQueueSize
	}
	if cfg.DocumentPath == "" {
		cfg.DocumentPath = DefaultDocumentPath
	}
	return &Checkpointer{
		store:  s,
		logger: logger.Named("checkpoint"),
		queue:  make(chan Checkpoint, cfg.QueueSize),
		every:  cfg.Every,
		path:   cfg.DocumentPath,
		saved:  make(map[string]int),
	}
}

// Enqueue hands a checkpoint to the worker. It returns false when dropped.
func (c *Checkpointer) Enqueue(cp Checkpoint) bool {
	if !cp.Force && cp.Version%c.every != 0 {
		return false
	}
	select {
	case c.queue <- cp:
		return true
	default:
		c.logger.Warn("checkpoint queue full, dropping",
			zap.String("project_id", cp.ProjectID),
			zap.Int("room_version", cp.Version),
		)
		return false
	}
}

// Flush persists the content regardless of the interval.
func (c *Checkpointer) Flush(projectID string, version int, content, authorID string) bool {
	return c.Enqueue(Checkpoint{
		ProjectID: projectID,
		Version:   version,
		Content:   content,
		AuthorID:  authorID,
		Force:     true,
	})
}

// Put queues cp whatever its version, waiting for queue space until ctx is
// done. Shutdown uses it so final room states are not dropped.
func (c *Checkpointer) Put(ctx context.Context, cp Checkpoint) error {
	select {
	case c.queue <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes checkpoints until ctx is done, then drains what is queued.
func (c *Checkpointer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			c.Drain(drainCtx)
			return nil
		case cp := <-c.queue:
			c.handle(ctx, cp)
		}
	}
}

// Drain handles every checkpoint currently queued and returns.
func (c *Checkpointer) Drain(ctx context.Context) int {
	handled := 0
	for {
		select {
		case cp := <-c.queue:
			c.handle(ctx, cp)
			handled++
		default:
			return handled
		}
	}
}

func (c *Checkpointer) handle(ctx context.Context, cp Checkpoint) {
	if cp.Version <= 0 {
		return
	}

	c.mu.Lock()
	already := c.saved[cp.ProjectID] >= cp.Version
	c.mu.Unlock()
	if already {
		return
	}

	record, err := c.store.CreateVersion(ctx, CreateInput{
		ProjectID:   cp.ProjectID,
		Description: fmt.Sprintf("Checkpoint at edit %d", cp.Version),
		CreatedBy:   cp.AuthorID,
		Snapshot:    map[string]string{c.path: cp.Content},
	})
	if err != nil {
		c.logger.Error("write checkpoint",
			zap.String("project_id", cp.ProjectID),
			zap.Int("room_version", cp.Version),
			zap.Error(err),
		)
		return
	}

	c.mu.Lock()
	if c.saved[cp.ProjectID] < cp.Version {
		c.saved[cp.ProjectID] = cp.Version
	}
	c.mu.Unlock()

	c.logger.Debug("checkpoint written",
		zap.String("project_id", cp.ProjectID),
		zap.Int("room_version", cp.Version),
		zap.Int("version", record.Version),
	)
}
