package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Ledger applies commands to the manifest log and exposes its state.
type Ledger interface {
	// Apply commits a command. Rejections are returned as errors.
	Apply(ctx context.Context, cmd Command) error
	// Channel returns one channel's log.
	Channel(key string) (ChannelLog, bool)
	// Channels returns every known channel in declaration order.
	Channels() []ChannelLog
	// RunID returns the run that last initialized the ledger.
	RunID() string
	// Close releases resources held by the ledger.
	Close() error
}

// SidecarDir is the directory inside the output tree that holds ledger state.
const SidecarDir = ".semhls"

// SidecarPath returns the snapshot file path for an output tree.
func SidecarPath(outputDir string) string {
	return filepath.Join(outputDir, SidecarDir, "ledger.snap")
}

// Local is a single-process ledger that applies commands directly to the FSM and
// persists a snapshot after every successful command.
type Local struct {
	mu     sync.Mutex
	fsm    *ManifestFSM
	path   string
	index  uint64
	logger *slog.Logger
}

var _ Ledger = (*Local)(nil)

// NewLocal creates an empty local ledger. An empty path disables persistence.
func NewLocal(path string, logger *slog.Logger) *Local {
	return &Local{
		fsm:    NewManifestFSM(logger),
		path:   path,
		logger: logger,
	}
}

// OpenLocal creates a local ledger and restores the snapshot at path when one exists.
func OpenLocal(path string, logger *slog.Logger) (*Local, error) {
	l := NewLocal(path, logger)
	if path == "" {
		return l, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger snapshot: %w", err)
	}

	if err := l.fsm.Restore(f); err != nil {
		return nil, err
	}
	l.index = l.fsm.GetState().LastIndex
	return l, nil
}

// Apply implements Ledger.
func (l *Local) Apply(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.index++
	resp := l.fsm.Apply(&raft.Log{
		Index:      l.index,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: time.Now(),
	})
	if err, ok := resp.(error); ok && err != nil {
		return err
	}

	return l.persist()
}

func (l *Local) persist() error {
	if l.path == "" {
		return nil
	}

	snap, err := l.fsm.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot ledger: %w", err)
	}
	defer snap.Release()

	sink, err := newFileSink(l.path, l.index)
	if err != nil {
		return err
	}
	if err := snap.Persist(sink); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Channel implements Ledger.
func (l *Local) Channel(key string) (ChannelLog, bool) { return l.fsm.Channel(key) }

// Channels implements Ledger.
func (l *Local) Channels() []ChannelLog { return l.fsm.Channels() }

// RunID implements Ledger.
func (l *Local) RunID() string { return l.fsm.GetState().RunID }

// Close implements Ledger.
func (l *Local) Close() error { return nil }

// fileSink implements raft.SnapshotSink over a temp file that is renamed into place on Close.
type fileSink struct {
	id   string
	path string
	tmp  *os.File
}

func newFileSink(path string, index uint64) (*fileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create ledger snapshot: %w", err)
	}

	return &fileSink{
		id:   fmt.Sprintf("1-%d", index),
		path: path,
		tmp:  tmp,
	}, nil
}

func (s *fileSink) ID() string { return s.id }

func (s *fileSink) Write(p []byte) (int, error) { return s.tmp.Write(p) }

func (s *fileSink) Close() error {
	if err := s.tmp.Sync(); err != nil {
		s.Cancel()
		return fmt.Errorf("sync ledger snapshot: %w", err)
	}
	if err := s.tmp.Close(); err != nil {
		os.Remove(s.tmp.Name())
		return fmt.Errorf("close ledger snapshot: %w", err)
	}
	if err := os.Rename(s.tmp.Name(), s.path); err != nil {
		os.Remove(s.tmp.Name())
		return fmt.Errorf("rename ledger snapshot: %w", err)
	}
	return nil
}

func (s *fileSink) Cancel() error {
	s.tmp.Close()
	return os.Remove(s.tmp.Name())
}
