package boardsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caydenlund/codenames/go/internal/models"
)

const waitFor = 2 * time.Second

var errRefused = errors.New("connection refused")

type fakeBackend struct {
	mu         sync.Mutex
	boards     map[models.Mode]models.Board
	fetchErr   error
	fetchHook  func(ctx context.Context, call int, mode models.Mode) (json.RawMessage, error)
	fetches    int
	revealErr  error
	reveals    [][2]int
	newGameErr error
	newGames   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{boards: make(map[models.Mode]models.Board)}
}

func (b *fakeBackend) setBoard(mode models.Mode, board models.Board) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.boards[mode] = board
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) FetchBoard(ctx context.Context, mode models.Mode) (json.RawMessage, error) {
	b.mu.Lock()
	b.fetches++
	call, hook, err, board := b.fetches, b.fetchHook, b.fetchErr, b.boards[mode]
	b.mu.Unlock()

	if hook != nil {
		return hook(ctx, call, mode)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(board.Encode(mode))
}

func (b *fakeBackend) RevealCard(ctx context.Context, row, col int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reveals = append(b.reveals, [2]int{row, col})
	return b.revealErr
}

func (b *fakeBackend) NewGame(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newGames++
	return b.newGameErr
}

type fakeChannel struct {
	msgs   chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
	closed atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan []byte), done: make(chan struct{})}
}

func (c *fakeChannel) end(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *fakeChannel) Receive() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.done:
		return nil, c.err
	}
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	c.end(errors.New("closed by client"))
	return nil
}

// drop simulates the server going away.
func (c *fakeChannel) drop() {
	c.end(io.EOF)
}

func (c *fakeChannel) push(t *testing.T, raw string) {
	t.Helper()
	select {
	case c.msgs <- []byte(raw):
	case <-time.After(waitFor):
		t.Fatal("push not consumed")
	}
}

type fakeOpener struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	modes    []models.Mode
	channels []*fakeChannel
}

func (o *fakeOpener) Open(ctx context.Context, mode models.Mode) (Channel, error) {
	o.mu.Lock()
	o.modes = append(o.modes, mode)
	gate, err := o.gate, o.err
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	ch := newFakeChannel()
	o.mu.Lock()
	o.channels = append(o.channels, ch)
	o.mu.Unlock()
	return ch, nil
}

func (o *fakeOpener) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.modes)
}

func (o *fakeOpener) seenModes() []models.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Mode(nil), o.modes...)
}

func (o *fakeOpener) last() *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.channels) == 0 {
		return nil
	}
	return o.channels[len(o.channels)-1]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	sync    *Synchronizer
	backend *fakeBackend
	opener  *fakeOpener
	clock   *clockwork.FakeClock
	logs    *syncBuffer
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		opener:  &fakeOpener{},
		clock:   clockwork.NewFakeClock(),
		logs:    &syncBuffer{},
	}
	h.backend.setBoard(models.ModePublic, neutralBoard(5))

	logger := zerolog.New(h.logs)
	h.cfg = DefaultConfig()
	h.cfg.Clock = h.clock
	h.cfg.Logger = &logger
	h.sync = New(h.backend, h.opener, h.cfg)
	t.Cleanup(func() { _ = h.sync.Close() })
	return h
}

func (h *harness) initialize(t *testing.T, mode models.Mode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.sync.Initialize(ctx, mode))
}

func (h *harness) waitState(t *testing.T, cond func(*SyncState) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.sync.State()) }, waitFor, 5*time.Millisecond, msg)
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	h.waitState(t, func(st *SyncState) bool { return st.Connected }, "channel never opened")
}

func (h *harness) awaitTimer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
}

func neutralBoard(size int) models.Board {
	b := make(models.Board, size)
	for r := range b {
		b[r] = make([]models.Card, size)
		for c := range b[r] {
			b[r][c] = models.Card{Word: wordAt(r, c), Team: models.TeamNeutral, Revealed: true}
		}
	}
	return b
}

func TestConfig_ReconnectDelay(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.reconnectDelay(0))
	assert.Equal(t, 2*time.Second, cfg.reconnectDelay(1))
	assert.Equal(t, 16*time.Second, cfg.reconnectDelay(4))
	assert.Equal(t, 30*time.Second, cfg.reconnectDelay(5))
	assert.Equal(t, 30*time.Second, cfg.reconnectDelay(200))

	cfg.MaxDelay = 0
	assert.Equal(t, 64*time.Second, cfg.reconnectDelay(6))

	cfg.BaseDelay = time.Hour
	for _, attempt := range []int{20, 32, 64, 1000} {
		d := cfg.reconnectDelay(attempt)
		assert.Greater(t, d, time.Hour, "attempt %d", attempt)
	}
	assert.Equal(t, cfg.reconnectDelay(64), cfg.reconnectDelay(1000), "uncapped delay saturates")
}

func TestSynchronizer_InitialState(t *testing.T) {
	h := newHarness(t)
	st := h.sync.State()
	assert.Empty(t, st.Board)
	assert.False(t, st.Connected)
	assert.Equal(t, ChannelIdle, h.sync.ChannelState())
	assert.Equal(t, 0, h.opener.opens())
}

func TestSynchronizer_ScenarioA_InitializeOpensChannel(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)

	st := h.sync.State()
	if diff := cmp.Diff(neutralBoard(5), st.Board); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, st.Loading)
	assert.Empty(t, st.Error)
	assert.Equal(t, models.ModePublic, st.Mode)

	h.waitConnected(t)
	assert.Equal(t, ChannelOpen, h.sync.ChannelState())
	assert.Equal(t, 1, h.opener.opens())
	assert.Equal(t, []models.Mode{models.ModePublic}, h.opener.seenModes())
}

func TestSynchronizer_ScenarioB_CardRevealed(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	prev := h.sync.State()
	h.opener.last().push(t, `{"type":"card_revealed","data":{"row":2,"col":3,"new_card_state":{"word":"cd","team":"red"}}}`)

	h.waitState(t, func(st *SyncState) bool { return st.BoardVersion == prev.BoardVersion+1 }, "reveal not applied")
	next := h.sync.State()

	assert.Equal(t, models.Card{Word: "cd", Team: models.TeamRed, Revealed: true}, next.Board[2][3])
	for c := 0; c < 5; c++ {
		if c != 3 {
			assert.Equal(t, prev.Board[2][c], next.Board[2][c])
		}
	}
	for r := 0; r < 5; r++ {
		if r != 2 {
			assert.Same(t, &prev.Board[r][0], &next.Board[r][0], "row %d replaced", r)
		}
	}
	assert.Equal(t, models.TeamNeutral, prev.Board[2][3].Team)
}

func TestSynchronizer_ScenarioC_BackoffDelays(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	h.opener.setErr(errRefused)
	h.opener.last().drop()

	for k, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		attempts := k + 1
		h.waitState(t, func(st *SyncState) bool {
			return st.Channel == ChannelReconnectScheduled && st.ReconnectAttempts == attempts
		}, "reconnect not scheduled")
		assert.False(t, h.sync.State().Connected)
		h.awaitTimer(t)

		opens := h.opener.opens()
		h.clock.Advance(delay - time.Millisecond)
		assert.Never(t, func() bool { return h.opener.opens() != opens }, 30*time.Millisecond, 5*time.Millisecond,
			"reopened before %s", delay)

		h.clock.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return h.opener.opens() == opens+1 }, waitFor, 5*time.Millisecond)
	}

	// Three unsolicited closures observed (drop + two failed reopens) before
	// the third timer fired; the fourth schedule follows the last failure.
	h.waitState(t, func(st *SyncState) bool { return st.ReconnectAttempts == 4 }, "fourth reconnect not scheduled")
}

func TestSynchronizer_ReconnectSuccessResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	first := h.opener.last()

	first.drop()
	h.waitState(t, func(st *SyncState) bool { return st.ReconnectAttempts == 1 }, "reconnect not scheduled")
	h.awaitTimer(t)
	h.clock.Advance(time.Second)

	h.waitState(t, func(st *SyncState) bool {
		return st.Connected && st.ReconnectAttempts == 0
	}, "reconnect did not reset attempts")
	assert.NotSame(t, first, h.opener.last())
	assert.Equal(t, 2, h.opener.opens())
	assert.Equal(t, 1, h.backend.fetchCount(), "reconnect does not refetch")
}

func TestSynchronizer_ScenarioD_OutOfBoundsDropped(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	prev := h.sync.State()
	h.opener.last().push(t, `{"type":"card_revealed","data":{"row":10,"col":0,"new_card_state":{"word":"zz","team":"red"}}}`)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(h.logs.String()), []byte("protocol error"))
	}, waitFor, 5*time.Millisecond)

	st := h.sync.State()
	assert.Equal(t, prev.BoardVersion, st.BoardVersion)
	if diff := cmp.Diff(prev.Board, st.Board); diff != "" {
		t.Errorf("board changed (-want +got):\n%s", diff)
	}
	assert.Empty(t, st.Error)
	assert.True(t, st.Connected)
}

func TestSynchronizer_MalformedMessageKeepsChannel(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	prev := h.sync.State()
	h.opener.last().push(t, `{"type":"card_revealed","data":`)
	h.opener.last().push(t, `{"type":"chat","data":{"text":"hi"}}`)

	require.Eventually(t, func() bool {
		logs := h.logs.String()
		return bytes.Contains([]byte(logs), []byte("dropping malformed push message")) &&
			bytes.Contains([]byte(logs), []byte("protocol error"))
	}, waitFor, 5*time.Millisecond)

	st := h.sync.State()
	assert.Equal(t, prev.BoardVersion, st.BoardVersion)
	assert.Equal(t, ChannelOpen, st.Channel)
	assert.Equal(t, 1, h.opener.opens())
}

func TestSynchronizer_MessagesAppliedInOrder(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	ch := h.opener.last()
	ch.push(t, `{"type":"card_revealed","data":{"row":0,"col":0,"new_card_state":{"word":"aa","team":"blue"}}}`)
	ch.push(t, `{"type":"new_game","data":[[{"word":"fresh","team":"unknown"}]]}`)
	ch.push(t, `{"type":"card_revealed","data":{"row":0,"col":0,"new_card_state":{"word":"fresh","team":"assassin"}}}`)

	h.waitState(t, func(st *SyncState) bool { return st.BoardVersion == 4 }, "messages not applied")
	want := models.Board{{{Word: "fresh", Team: models.TeamAssassin, Revealed: true}}}
	if diff := cmp.Diff(want, h.sync.State().Board); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}
}

func TestSynchronizer_ExhaustionAndManualResume(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	h.opener.setErr(errRefused)
	h.opener.last().drop()

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		h.waitState(t, func(st *SyncState) bool {
			return st.Channel == ChannelReconnectScheduled && st.ReconnectAttempts == attempt
		}, "reconnect not scheduled")
		h.awaitTimer(t)
		h.clock.Advance(h.cfg.reconnectDelay(attempt - 1))
	}

	h.waitState(t, func(st *SyncState) bool { return st.Channel == ChannelExhausted }, "never exhausted")
	st := h.sync.State()
	assert.Equal(t, exhaustedMessage, st.Error)
	assert.False(t, st.Connected)
	assert.Equal(t, h.cfg.MaxAttempts, st.ReconnectAttempts)
	assert.Equal(t, 1+h.cfg.MaxAttempts, h.opener.opens())

	opens := h.opener.opens()
	h.clock.Advance(time.Hour)
	assert.Never(t, func() bool { return h.opener.opens() != opens }, 50*time.Millisecond, 5*time.Millisecond)

	h.opener.setErr(nil)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	st = h.sync.State()
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Empty(t, st.Error)
}

func TestSynchronizer_RevealCardDoesNotTouchBoard(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	h.opener.setErr(errRefused)
	h.opener.last().drop()
	h.waitState(t, func(st *SyncState) bool { return !st.Connected }, "still connected")

	prev := h.sync.State()
	h.backend.mu.Lock()
	h.backend.revealErr = errors.New("HTTP 503: Service Unavailable")
	h.backend.mu.Unlock()

	err := h.sync.RevealCard(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	h.waitState(t, func(st *SyncState) bool { return st.Error != "" }, "error not recorded")
	st := h.sync.State()
	assert.Contains(t, st.Error, "503")
	assert.Equal(t, prev.BoardVersion, st.BoardVersion)
	if diff := cmp.Diff(prev.Board, st.Board); diff != "" {
		t.Errorf("board changed (-want +got):\n%s", diff)
	}

	h.sync.ClearError()
	h.waitState(t, func(st *SyncState) bool { return st.Error == "" }, "error not cleared")
}

func TestSynchronizer_RevealCardSuccess(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	prev := h.sync.State()

	require.NoError(t, h.sync.RevealCard(context.Background(), 2, 3))

	h.backend.mu.Lock()
	assert.Equal(t, [][2]int{{2, 3}}, h.backend.reveals)
	h.backend.mu.Unlock()
	assert.Same(t, prev, h.sync.State(), "reveal waits for the push")
}

func TestSynchronizer_NewGameWaitsForPush(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	prev := h.sync.State()

	require.NoError(t, h.sync.NewGame(context.Background()))
	assert.Equal(t, prev.BoardVersion, h.sync.State().BoardVersion)

	h.opener.last().push(t, `{"type":"new_game","data":[[{"word":"x","team":"unknown"},{"word":"y","team":"unknown"}]]}`)
	h.waitState(t, func(st *SyncState) bool { return st.BoardVersion == prev.BoardVersion+1 }, "new board not applied")

	want := models.Board{{{Word: "x", Team: models.TeamUnknown}, {Word: "y", Team: models.TeamUnknown}}}
	if diff := cmp.Diff(want, h.sync.State().Board); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}

	h.backend.mu.Lock()
	h.backend.newGameErr = errors.New("HTTP 500: Internal Server Error")
	h.backend.mu.Unlock()
	require.Error(t, h.sync.NewGame(context.Background()))
	h.waitState(t, func(st *SyncState) bool { return st.Error != "" }, "error not recorded")
}

func TestSynchronizer_GameResetRefetches(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	fresh := models.Board{{{Word: "reset", Team: models.TeamUnknown}}}
	h.backend.setBoard(models.ModePublic, fresh)
	h.opener.last().push(t, `{"type":"game_reset"}`)

	h.waitState(t, func(st *SyncState) bool { return st.BoardVersion == 2 && !st.Loading }, "reset not applied")
	if diff := cmp.Diff(fresh, h.sync.State().Board); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, h.backend.fetchCount())
	assert.Equal(t, 1, h.opener.opens(), "reset keeps the live channel")
	assert.True(t, h.sync.State().Connected)
}

func TestSynchronizer_GameResetDuringModeSwitch(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	public := h.opener.last()

	spyBoard := neutralBoard(5)
	release := make(chan struct{})
	h.backend.fetchHook = func(ctx context.Context, call int, mode models.Mode) (json.RawMessage, error) {
		<-release
		return json.Marshal(spyBoard.Encode(mode))
	}

	initErr := make(chan error, 1)
	go func() { initErr <- h.sync.Initialize(context.Background(), models.ModeSpymaster) }()
	require.Eventually(t, func() bool { return h.backend.fetchCount() == 2 }, waitFor, 5*time.Millisecond)

	public.push(t, `{"type":"game_reset"}`)
	public.push(t, `{"type":"card_revealed","data":{"row":0,"col":0,"new_card_state":{"word":"x","team":"red"}}}`)
	assert.Never(t, func() bool { return h.backend.fetchCount() != 2 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)

	select {
	case err := <-initErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("initialize never returned")
	}

	h.waitState(t, func(st *SyncState) bool { return st.Connected && h.opener.opens() == 2 }, "spymaster channel not open")
	st := h.sync.State()
	assert.Equal(t, models.ModeSpymaster, st.Mode)
	assert.Equal(t, spyBoard, st.Board)
	assert.Equal(t, []models.Mode{models.ModePublic, models.ModeSpymaster}, h.opener.seenModes())
	assert.True(t, public.closed.Load(), "public channel must be closed after the switch")

	h.opener.last().push(t, `{"type":"card_revealed","data":{"row":1,"col":1,"new_card_state":{"word":"y","team":"blue","revealed":true}}}`)
	h.waitState(t, func(st *SyncState) bool { return st.Board[1][1].Word == "y" }, "spymaster push not applied")
}

func TestSynchronizer_GameResetWhileInitializing(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	fresh := models.Board{{{Word: "fresh", Team: models.TeamUnknown}}}
	release := make(chan struct{})
	h.backend.fetchHook = func(ctx context.Context, call int, mode models.Mode) (json.RawMessage, error) {
		<-release
		return json.Marshal(fresh.Encode(mode))
	}

	initErr := make(chan error, 1)
	go func() { initErr <- h.sync.Initialize(context.Background(), models.ModePublic) }()
	require.Eventually(t, func() bool { return h.backend.fetchCount() == 2 }, waitFor, 5*time.Millisecond)

	h.opener.last().push(t, `{"type":"game_reset"}`)
	assert.Never(t, func() bool { return h.backend.fetchCount() != 2 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)

	select {
	case err := <-initErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("initialize never returned")
	}
	h.waitState(t, func(st *SyncState) bool { return st.Connected && h.opener.opens() == 2 }, "channel not reopened")
	assert.Equal(t, fresh, h.sync.State().Board)
}

func TestSynchronizer_InitializeFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.mu.Lock()
	h.backend.fetchErr = errors.New("HTTP 500: Internal Server Error")
	h.backend.mu.Unlock()

	err := h.sync.Initialize(context.Background(), models.ModePublic)
	require.Error(t, err)

	st := h.sync.State()
	assert.Equal(t, "HTTP 500: Internal Server Error", st.Error)
	assert.False(t, st.Loading)
	assert.False(t, st.Connected)
	assert.Equal(t, ChannelIdle, st.Channel)
	assert.Equal(t, 0, h.opener.opens())
}

func TestSynchronizer_InitializeRejectsWrongShape(t *testing.T) {
	h := newHarness(t)
	// A public board served to a spymaster session lacks revealed flags.
	h.backend.fetchHook = func(context.Context, int, models.Mode) (json.RawMessage, error) {
		return json.RawMessage(`[[{"word":"a","team":"unknown"}]]`), nil
	}

	err := h.sync.Initialize(context.Background(), models.ModeSpymaster)
	require.ErrorIs(t, err, models.ErrInvalidTeam)
	assert.NotEmpty(t, h.sync.State().Error)
	assert.Equal(t, 0, h.opener.opens())
}

func TestSynchronizer_SpymasterMode(t *testing.T) {
	h := newHarness(t)
	board := models.Board{{
		{Word: "a", Team: models.TeamAssassin, Revealed: false},
		{Word: "b", Team: models.TeamRed, Revealed: true},
	}}
	h.backend.setBoard(models.ModeSpymaster, board)

	h.initialize(t, models.ModeSpymaster)
	h.waitConnected(t)

	assert.Equal(t, board, h.sync.State().Board)
	assert.Equal(t, []models.Mode{models.ModeSpymaster}, h.opener.seenModes())
}

func TestSynchronizer_ReinitializeClosesExistingChannel(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	first := h.opener.last()

	h.initialize(t, models.ModePublic)
	h.waitState(t, func(st *SyncState) bool { return st.Connected && h.opener.opens() == 2 }, "second channel not open")

	assert.True(t, first.closed.Load(), "old channel must be closed before reopening")
	assert.NotSame(t, first, h.opener.last())
	assert.Never(t, func() bool { return h.sync.State().Channel != ChannelOpen }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSynchronizer_SupersededHandshakeDiscarded(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.opener.gate = gate

	h.initialize(t, models.ModePublic)
	h.waitState(t, func(st *SyncState) bool { return st.Channel == ChannelConnecting }, "not connecting")

	h.initialize(t, models.ModePublic)
	close(gate)

	h.waitConnected(t)
	assert.Never(t, func() bool {
		st := h.sync.State()
		return st.Channel != ChannelOpen || st.ReconnectAttempts != 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, h.opener.opens())
}

func TestSynchronizer_SupersededInitialize(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	boardA := models.Board{{{Word: "a", Team: models.TeamUnknown}}}
	boardB := models.Board{{{Word: "b", Team: models.TeamUnknown}}}
	h.backend.fetchHook = func(ctx context.Context, call int, mode models.Mode) (json.RawMessage, error) {
		if call == 1 {
			<-release
			return json.Marshal(boardA.Encode(mode))
		}
		return json.Marshal(boardB.Encode(mode))
	}

	firstErr := make(chan error, 1)
	go func() { firstErr <- h.sync.Initialize(context.Background(), models.ModePublic) }()
	require.Eventually(t, func() bool { return h.backend.fetchCount() == 1 }, waitFor, 5*time.Millisecond)

	h.initialize(t, models.ModePublic)
	close(release)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(waitFor):
		t.Fatal("first initialize never returned")
	}
	assert.Equal(t, boardB, h.sync.State().Board)
	assert.Equal(t, 1, h.opener.opens())
}

func TestSynchronizer_CloseTearsDown(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)
	ch := h.opener.last()

	require.NoError(t, h.sync.Close())

	st := h.sync.State()
	assert.Equal(t, ChannelIdle, st.Channel)
	assert.False(t, st.Connected)
	assert.True(t, ch.closed.Load())

	assert.ErrorIs(t, h.sync.Initialize(context.Background(), models.ModePublic), ErrClosed)
	assert.ErrorIs(t, h.sync.RevealCard(context.Background(), 0, 0), ErrClosed)
	assert.ErrorIs(t, h.sync.NewGame(context.Background()), ErrClosed)
	require.NoError(t, h.sync.Close())
}

func TestSynchronizer_CloseCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, models.ModePublic)
	h.waitConnected(t)

	h.opener.last().drop()
	h.waitState(t, func(st *SyncState) bool { return st.Channel == ChannelReconnectScheduled }, "reconnect not scheduled")
	h.awaitTimer(t)

	require.NoError(t, h.sync.Close())
	h.clock.Advance(time.Hour)

	assert.Never(t, func() bool { return h.opener.opens() != 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, ChannelIdle, h.sync.ChannelState())
}

func TestSynchronizer_LateFetchAfterCloseDiscarded(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.backend.fetchHook = func(ctx context.Context, call int, mode models.Mode) (json.RawMessage, error) {
		<-release
		return json.Marshal(neutralBoard(5).Encode(mode))
	}

	result := make(chan error, 1)
	go func() { result <- h.sync.Initialize(context.Background(), models.ModePublic) }()
	require.Eventually(t, func() bool { return h.backend.fetchCount() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.sync.Close())
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("initialize never returned")
	}
	assert.Never(t, func() bool { return len(h.sync.State().Board) != 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, h.opener.opens())
}
