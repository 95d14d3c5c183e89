// Package ledger holds the append-only manifest log from which every channel playlist is rendered.
package ledger

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/semhls/internal/errs"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(InitializeCommand{})
	gob.Register(AppendCommand{})
	gob.Register(CloseCommand{})
}

// ChannelState is the lifecycle state of one channel playlist.
type ChannelState uint8

const (
	// Absent means no initialize or append has been seen for the channel.
	Absent ChannelState = iota
	// Initialized means the channel was declared by an initialize command and has no entries.
	Initialized
	// Open means the channel holds at least one entry and accepts appends.
	Open
	// Closed means the channel was finalized and rejects appends.
	Closed
)

func (s ChannelState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Initialized:
		return "initialized"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Header is the playlist header captured from the first encoder playlist of a channel.
type Header struct {
	Version             int
	TargetDuration      int
	PlaylistType        string
	IndependentSegments bool
}

// Entry is one appended segment.
type Entry struct {
	// Sequence is the 1-based append position within the channel.
	Sequence  int
	RiskType  int
	RiskLevel int
	Privacy   bool
	// NextRiskLevel is the lookahead risk level of the following segment, if any.
	NextRiskLevel *int
	Duration      float64
	Title         string
	URI           string
}

// ChannelSpec declares a channel.
type ChannelSpec struct {
	Key     string
	Privacy bool
}

// ChannelLog is the full record of one channel.
type ChannelLog struct {
	Key     string
	Privacy bool
	State   ChannelState
	Header  Header
	Entries []Entry
}

func (c ChannelLog) clone() ChannelLog {
	out := c
	out.Entries = make([]Entry, len(c.Entries))
	copy(out.Entries, c.Entries)
	return out
}

// State is the complete ledger state. It is what snapshots carry.
type State struct {
	RunID    string
	Order    []string
	Channels map[string]*ChannelLog
	// LastIndex is the index of the last applied log entry.
	LastIndex uint64
}

func (s State) clone() State {
	out := State{
		RunID:     s.RunID,
		Order:     append([]string(nil), s.Order...),
		Channels:  make(map[string]*ChannelLog, len(s.Channels)),
		LastIndex: s.LastIndex,
	}
	for k, c := range s.Channels {
		cc := c.clone()
		out.Channels[k] = &cc
	}
	return out
}

// CommandType identifies the type of ledger command.
type CommandType uint8

const (
	// CommandInitialize declares the channels of a run and empties them.
	CommandInitialize CommandType = 1
	// CommandAppend appends one entry to a channel.
	CommandAppend CommandType = 2
	// CommandClose finalizes a channel.
	CommandClose CommandType = 3
)

// Command is a ledger log command.
type Command struct {
	Type CommandType
	Data any
}

// InitializeCommand resets the listed channels to Initialized under a new run.
type InitializeCommand struct {
	RunID    string
	Channels []ChannelSpec
}

// AppendCommand appends Entry to channel Key. Header is recorded on the first append.
type AppendCommand struct {
	Channel ChannelSpec
	Header  Header
	Entry   Entry
}

// CloseCommand finalizes channel Key.
type CloseCommand struct {
	Key string
}

// NewInitialize builds an initialize command.
func NewInitialize(runID string, channels []ChannelSpec) Command {
	return Command{Type: CommandInitialize, Data: InitializeCommand{RunID: runID, Channels: channels}}
}

// NewAppend builds an append command.
func NewAppend(channel ChannelSpec, header Header, entry Entry) Command {
	return Command{Type: CommandAppend, Data: AppendCommand{Channel: channel, Header: header, Entry: entry}}
}

// NewClose builds a close command.
func NewClose(key string) Command {
	return Command{Type: CommandClose, Data: CloseCommand{Key: key}}
}

// ManifestFSM implements the raft.FSM interface over the ledger state.
type ManifestFSM struct {
	mu     sync.RWMutex
	state  State
	logger *slog.Logger
}

// NewManifestFSM creates an empty ManifestFSM.
func NewManifestFSM(logger *slog.Logger) *ManifestFSM {
	return &ManifestFSM{
		state:  State{Channels: map[string]*ChannelLog{}},
		logger: logger,
	}
}

// Apply applies a log entry. It returns nil on success or an error describing the rejection.
func (f *ManifestFSM) Apply(log *raft.Log) any {
	cmd, err := DecodeCommand(log.Data)
	if err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if log.Index > f.state.LastIndex {
		f.state.LastIndex = log.Index
	}

	switch cmd.Type {
	case CommandInitialize:
		return f.applyInitialize(cmd.Data)
	case CommandAppend:
		return f.applyAppend(cmd.Data)
	case CommandClose:
		return f.applyClose(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *ManifestFSM) applyInitialize(data any) any {
	initCmd, ok := data.(InitializeCommand)
	if !ok {
		return fmt.Errorf("invalid initialize command data")
	}

	f.state.RunID = initCmd.RunID
	for _, spec := range initCmd.Channels {
		if _, exists := f.state.Channels[spec.Key]; !exists {
			f.state.Order = append(f.state.Order, spec.Key)
		}
		f.state.Channels[spec.Key] = &ChannelLog{
			Key:     spec.Key,
			Privacy: spec.Privacy,
			State:   Initialized,
		}
	}

	f.logger.Info("initialized ledger", "run_id", initCmd.RunID, "channels", len(initCmd.Channels))
	return nil
}

func (f *ManifestFSM) applyAppend(data any) any {
	appendCmd, ok := data.(AppendCommand)
	if !ok {
		return fmt.Errorf("invalid append command data")
	}

	key := appendCmd.Channel.Key
	entry := appendCmd.Entry

	ch, exists := f.state.Channels[key]
	if !exists {
		ch = &ChannelLog{Key: key, Privacy: appendCmd.Channel.Privacy, State: Absent}
		f.state.Channels[key] = ch
		f.state.Order = append(f.state.Order, key)
	}

	if ch.State == Closed {
		return &errs.ConsistencyError{Channel: key, Sequence: entry.Sequence, Reason: "channel is closed"}
	}

	if want := len(ch.Entries) + 1; entry.Sequence != want {
		return &errs.ConsistencyError{
			Channel:  key,
			Sequence: entry.Sequence,
			Reason:   fmt.Sprintf("expected sequence %d", want),
		}
	}

	if len(ch.Entries) == 0 {
		ch.Header = appendCmd.Header
	}
	ch.Entries = append(ch.Entries, entry)
	ch.State = Open

	f.logger.Debug("appended entry", "channel", key, "sequence", entry.Sequence, "uri", entry.URI)
	return nil
}

func (f *ManifestFSM) applyClose(data any) any {
	closeCmd, ok := data.(CloseCommand)
	if !ok {
		return fmt.Errorf("invalid close command data")
	}

	ch, exists := f.state.Channels[closeCmd.Key]
	if !exists {
		return &errs.ConsistencyError{Channel: closeCmd.Key, Reason: "channel does not exist"}
	}
	ch.State = Closed

	f.logger.Info("closed channel", "channel", closeCmd.Key, "entries", len(ch.Entries))
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *ManifestFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.state.clone()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *ManifestFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state State
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Channels == nil {
		state.Channels = map[string]*ChannelLog{}
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored ledger from snapshot", "run_id", state.RunID, "channels", len(state.Channels))
	return nil
}

// GetState returns a copy of the current state.
func (f *ManifestFSM) GetState() State {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.state.clone()
}

// Channel returns a copy of one channel's log.
func (f *ManifestFSM) Channel(key string) (ChannelLog, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ch, ok := f.state.Channels[key]
	if !ok {
		return ChannelLog{Key: key, State: Absent}, false
	}
	return ch.clone(), true
}

// Channels returns copies of all channel logs in declaration order.
func (f *ManifestFSM) Channels() []ChannelLog {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]ChannelLog, 0, len(f.state.Order))
	for _, key := range f.state.Order {
		out = append(out, f.state.Channels[key].clone())
	}
	return out
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state State
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for log submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand decodes a command produced by EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}
