package boardsync

import (
	"fmt"

	"github.com/caydenlund/codenames/go/internal/models"
)

// ChannelState is the lifecycle state of the push channel.
type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosed
	ChannelReconnectScheduled
	ChannelExhausted
)

func (c ChannelState) String() string {
	switch c {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	case ChannelReconnectScheduled:
		return "reconnect_scheduled"
	case ChannelExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("channel_state(%d)", int(c))
	}
}

// MarshalText lets the state render by name in JSON and logs.
func (c ChannelState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// SyncState is the observable view of the board and its connection. A new
// value is published on every change; published values are never modified.
type SyncState struct {
	Board             models.Board `json:"board"`
	BoardVersion      uint64       `json:"board_version"`
	Mode              models.Mode  `json:"mode"`
	Loading           bool         `json:"loading"`
	Error             string       `json:"error,omitempty"`
	Connected         bool         `json:"connected"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	Channel           ChannelState `json:"channel"`
}

// initialState is what a freshly constructed Synchronizer exposes.
func initialState() SyncState {
	return SyncState{
		Board:   models.Board{},
		Mode:    models.ModePublic,
		Channel: ChannelIdle,
	}
}

func beginInitialize(st SyncState, mode models.Mode) SyncState {
	st.Mode = mode
	st.Loading = true
	st.Error = ""
	return st
}

// applySnapshot stores a freshly fetched board. The snapshot always
// supersedes whatever board was held before.
func applySnapshot(st SyncState, board models.Board) SyncState {
	st.Board = board
	st.BoardVersion++
	st.Loading = false
	st.Error = ""
	return st
}

func applySnapshotError(st SyncState, err error) SyncState {
	st.Loading = false
	st.Error = err.Error()
	return st
}

// applyMessage reconciles one push message. On error the input state is
// returned untouched.
func applyMessage(st SyncState, msg Message) (SyncState, error) {
	switch m := msg.(type) {
	case BoardReplaced:
		st.Board = m.Board
		st.BoardVersion++
		st.Loading = false
		st.Error = ""
		return st, nil

	case CardRevealed:
		next, err := st.Board.WithCell(m.Row, m.Col, m.Card)
		if err != nil {
			return st, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		st.Board = next
		st.BoardVersion++
		return st, nil

	default:
		return st, fmt.Errorf("%w: cannot apply %T", ErrProtocol, msg)
	}
}

func withError(st SyncState, msg string) SyncState {
	st.Error = msg
	return st
}

func withChannel(st SyncState, ch ChannelState) SyncState {
	st.Channel = ch
	st.Connected = ch == ChannelOpen
	return st
}

func withAttempts(st SyncState, n int) SyncState {
	st.ReconnectAttempts = n
	return st
}
