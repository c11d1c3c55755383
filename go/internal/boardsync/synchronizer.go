package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caydenlund/codenames/go/internal/models"
)

var (
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("synchronizer closed")
	// ErrSuperseded is returned by Initialize when a newer Initialize call
	// started before its snapshot arrived.
	ErrSuperseded = errors.New("initialize superseded by a newer call")
)

// Backend is the request/response side of the server.
type Backend interface {
	FetchBoard(ctx context.Context, mode models.Mode) (json.RawMessage, error)
	RevealCard(ctx context.Context, row, col int) error
	NewGame(ctx context.Context) error
}

// Opener opens the push channel for a mode. Open blocks until the handshake
// completes; ctx only bounds the handshake, not the channel's lifetime.
type Opener interface {
	Open(ctx context.Context, mode models.Mode) (Channel, error)
}

// Channel is one live push channel.
type Channel interface {
	// Receive blocks until the next server message. Any error ends the
	// channel, including the one caused by Close.
	Receive() ([]byte, error)
	Close() error
}

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) clockwork.Timer
}

// Config holds the reconnect policy and injected collaborators.
type Config struct {
	BaseDelay   time.Duration
	MaxAttempts int
	// MaxDelay caps a single backoff delay. Zero means uncapped.
	MaxDelay time.Duration

	Clock   Clock
	Logger  *zerolog.Logger
	Metrics MetricsCollector
}

// DefaultConfig returns the default reconnect policy
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxAttempts: 5,
		MaxDelay:    30 * time.Second,
	}
}

// reconnectDelay is BaseDelay * 2^attempt, capped by MaxDelay.
// Doubling stops before it would overflow, so an uncapped delay saturates
// instead of wrapping negative.
func (c Config) reconnectDelay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && d <= math.MaxInt64>>1; i++ {
		d <<= 1
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

const exhaustedMessage = "Unable to reconnect to server. Initialize again to retry."

// Synchronizer keeps a local board consistent with the server. All state
// transitions run on a single event loop goroutine; transports, timers and
// HTTP completions hand their results to it through the inbox.
type Synchronizer struct {
	backend Backend
	opener  Opener
	cfg     Config
	logger  zerolog.Logger
	clock   Clock
	metrics MetricsCollector
	store   *Store

	inbox    chan event
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	once     sync.Once

	// owned by the loop goroutine
	mode    models.Mode
	initSeq uint64
	// pendingReopen is set while an Initialize is waiting on its snapshot.
	pendingReopen bool
	channel       channelManager
}

// New creates a Synchronizer and starts its event loop. The board starts
// empty and disconnected until Initialize is called.
func New(backend Backend, opener Opener, cfg Config) *Synchronizer {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetricsCollector{}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		backend:  backend,
		opener:   opener,
		cfg:      cfg,
		logger:   logger.With().Str("session_id", uuid.NewString()[:8]).Logger(),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		store:    newStore(initialState()),
		inbox:    make(chan event),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		mode:     models.ModePublic,
	}

	go s.loop()
	return s
}

// Store exposes the observable state.
func (s *Synchronizer) Store() *Store {
	return s.store
}

// State returns the latest published state.
func (s *Synchronizer) State() *SyncState {
	return s.store.Current()
}

// ChannelState returns the push channel's lifecycle state.
func (s *Synchronizer) ChannelState() ChannelState {
	return s.store.Current().Channel
}

// Initialize switches to mode, fetches a fresh snapshot and, on success,
// (re)opens the push channel. A fetch failure is recorded in the state and
// returned; board and connection are left as they were.
func (s *Synchronizer) Initialize(ctx context.Context, mode models.Mode) error {
	reply := make(chan error, 1)
	if !s.post(initializeCmd{ctx: ctx, mode: mode, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// RevealCard asks the server to reveal a card. The board is never changed
// here; the authoritative update arrives over the push channel. A failure
// is recorded in the state and returned, and is not retried.
func (s *Synchronizer) RevealCard(ctx context.Context, row, col int) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.backend.RevealCard(ctx, row, col); err != nil {
		s.post(requestFailed{op: "reveal card", err: err})
		return fmt.Errorf("reveal card: %w", err)
	}
	return nil
}

// NewGame asks the server to start a new game. The new board arrives over
// the push channel.
func (s *Synchronizer) NewGame(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.backend.NewGame(ctx); err != nil {
		s.post(requestFailed{op: "new game", err: err})
		return fmt.Errorf("new game: %w", err)
	}
	return nil
}

// ClearError resets the user-visible error.
func (s *Synchronizer) ClearError() {
	s.post(clearErrorCmd{})
}

// Close cancels any pending reconnect, closes the channel and stops the
// event loop. It is safe to call more than once.
func (s *Synchronizer) Close() error {
	s.once.Do(s.cancel)
	<-s.loopDone
	return nil
}

// post hands an event to the loop. It reports false once the Synchronizer
// is closed; the inbox is unbuffered so nothing is accepted after that.
func (s *Synchronizer) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Synchronizer) loop() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return

		case ev := <-s.inbox:
			switch msg := ev.(type) {
			case initializeCmd:
				s.handleInitialize(msg)
			case snapshotResult:
				s.handleSnapshot(msg)
			case requestFailed:
				s.logger.Error().Err(msg.err).Str("op", msg.op).Msg("request failed")
				s.store.replace(func(st SyncState) SyncState {
					return withError(st, msg.err.Error())
				})
			case clearErrorCmd:
				s.store.replace(func(st SyncState) SyncState {
					return withError(st, "")
				})
			case channelOpened:
				s.handleOpened(msg)
			case channelFailed:
				s.handleEnded(msg.gen, msg.err)
			case channelMessage:
				s.handleMessage(msg)
			case channelClosed:
				s.handleEnded(msg.gen, msg.err)
			case reconnectDue:
				s.handleReconnectDue(msg)
			}
		}
	}
}

func (s *Synchronizer) handleInitialize(msg initializeCmd) {
	s.mode = msg.mode
	s.initSeq++
	s.pendingReopen = true
	s.store.replace(func(st SyncState) SyncState {
		return beginInitialize(st, msg.mode)
	})

	s.logger.Info().Str("mode", string(msg.mode)).Msg("initializing board")
	s.fetchSnapshot(msg.ctx, s.initSeq, msg.mode, true, msg.reply)
}

// fetchSnapshot runs the fetch off the loop. The request is also cancelled
// when the Synchronizer closes.
func (s *Synchronizer) fetchSnapshot(ctx context.Context, seq uint64, mode models.Mode, reopen bool, reply chan error) {
	go func() {
		fetchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		start := s.clock.Now()
		raw, err := s.backend.FetchBoard(fetchCtx, mode)
		var board models.Board
		if err == nil {
			board, err = models.DecodeBoard(raw, mode)
		}
		s.metrics.RecordSnapshotFetch(err == nil, s.clock.Now().Sub(start))

		s.post(snapshotResult{seq: seq, mode: mode, board: board, err: err, reopen: reopen, reply: reply})
	}()
}

func (s *Synchronizer) handleSnapshot(msg snapshotResult) {
	if msg.seq != s.initSeq {
		s.logger.Debug().Uint64("seq", msg.seq).Msg("discarding superseded snapshot")
		msg.respond(ErrSuperseded)
		return
	}
	if msg.reopen {
		s.pendingReopen = false
	}

	if msg.err != nil {
		s.logger.Error().Err(msg.err).Str("mode", string(msg.mode)).Msg("failed to load board")
		s.store.replace(func(st SyncState) SyncState {
			return applySnapshotError(st, msg.err)
		})
		msg.respond(fmt.Errorf("fetch board: %w", msg.err))
		return
	}

	s.store.replace(func(st SyncState) SyncState {
		st = applySnapshot(st, msg.board)
		if msg.reopen {
			st = withAttempts(st, 0)
		}
		return st
	})
	s.logger.Info().
		Str("mode", string(msg.mode)).
		Int("rows", msg.board.Rows()).
		Msg("board snapshot loaded")

	if msg.reopen {
		s.openChannel()
	}
	msg.respond(nil)
}

func (s *Synchronizer) handleMessage(msg channelMessage) {
	if msg.gen != s.channel.gen {
		s.metrics.RecordMessage("unknown", OutcomeStale)
		return
	}
	// A channel opened for another mode only lingers until the pending
	// Initialize replaces it; its messages do not fit the current board.
	if s.channel.mode != s.mode {
		s.metrics.RecordMessage("unknown", OutcomeStale)
		s.logger.Debug().
			Str("channel_mode", string(s.channel.mode)).
			Str("mode", string(s.mode)).
			Msg("dropping push message from previous mode")
		return
	}

	parsed, err := ParseMessage(msg.data, s.mode)
	if err != nil {
		s.reportBadMessage(msg.data, err)
		return
	}

	if _, ok := parsed.(GameReset); ok {
		if s.pendingReopen {
			// The pending Initialize fetches a fresh board and reopens.
			s.metrics.RecordMessage(string(KindGameReset), OutcomeStale)
			s.logger.Debug().Msg("game reset while initializing, pending snapshot covers it")
			return
		}
		s.logger.Info().Msg("game reset, re-fetching board")
		s.metrics.RecordMessage(string(KindGameReset), OutcomeApplied)
		s.initSeq++
		s.store.replace(func(st SyncState) SyncState {
			return beginInitialize(st, s.mode)
		})
		s.fetchSnapshot(s.ctx, s.initSeq, s.mode, false, nil)
		return
	}

	next, err := applyMessage(*s.store.Current(), parsed)
	if err != nil {
		s.reportBadMessage(msg.data, err)
		return
	}
	s.store.replace(func(SyncState) SyncState { return next })
	s.metrics.RecordMessage(string(parsed.Kind()), OutcomeApplied)

	s.logger.Debug().
		Str("kind", string(parsed.Kind())).
		Uint64("board_version", next.BoardVersion).
		Msg("push message applied")
}

func (s *Synchronizer) reportBadMessage(raw []byte, err error) {
	kind := "unknown"
	var env Envelope
	if json.Unmarshal(raw, &env) == nil && env.Type != "" {
		kind = string(env.Type)
	}

	if errors.Is(err, ErrParse) {
		s.metrics.RecordMessage(kind, OutcomeParseError)
		s.logger.Warn().Err(err).Str("kind", kind).Msg("dropping malformed push message")
		return
	}
	s.metrics.RecordMessage(kind, OutcomeProtocolError)
	s.logger.Warn().Err(err).Str("kind", kind).Msg("protocol error, dropping push message")
}

// teardown returns the Synchronizer to Idle.
func (s *Synchronizer) teardown() {
	s.channel.stopTimer()
	s.channel.release()
	s.channel.state = ChannelIdle
	s.pendingReopen = false
	s.store.replace(func(st SyncState) SyncState {
		st = withChannel(st, ChannelIdle)
		st.Loading = false
		return st
	})
	s.metrics.RecordConnection(false)
	s.logger.Info().Msg("synchronizer closed")
}
