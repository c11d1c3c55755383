package boardsync

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/caydenlund/codenames/go/internal/models"
)

// channelManager tracks the single live push channel. It is only touched by
// the loop goroutine.
type channelManager struct {
	state ChannelState

	// gen identifies the current open attempt. Events tagged with an older
	// generation belong to a channel that has been superseded.
	gen        uint64
	connID     string
	mode       models.Mode
	current    Channel
	cancelDial context.CancelFunc

	timer    clockwork.Timer
	timerSeq uint64
}

// release closes the current channel or abandons the pending handshake.
func (c *channelManager) release() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.current != nil {
		_ = c.current.Close()
		c.current = nil
	}
}

func (c *channelManager) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// openChannel moves to Connecting. Any existing channel is closed first so
// at most one channel is ever live.
func (s *Synchronizer) openChannel() {
	cm := &s.channel
	if cm.current != nil || cm.cancelDial != nil {
		s.logger.Debug().Str("connection_id", cm.connID).Msg("closing existing channel before reopening")
	}
	cm.release()
	cm.stopTimer()

	cm.gen++
	gen := cm.gen
	cm.connID = uuid.NewString()
	id := cm.connID
	mode := s.mode
	cm.mode = mode

	dialCtx, cancel := context.WithCancel(s.ctx)
	cm.cancelDial = cancel
	s.setChannelState(ChannelConnecting)

	s.logger.Info().
		Str("connection_id", id).
		Str("mode", string(mode)).
		Int("attempt", s.store.Current().ReconnectAttempts).
		Msg("opening push channel")

	go func() {
		ch, err := s.opener.Open(dialCtx, mode)
		if err != nil {
			s.post(channelFailed{gen: gen, err: err})
			return
		}
		if !s.post(channelOpened{gen: gen, id: id, ch: ch}) {
			_ = ch.Close()
		}
	}()
}

func (s *Synchronizer) handleOpened(msg channelOpened) {
	cm := &s.channel
	if msg.gen != cm.gen || cm.state != ChannelConnecting {
		s.logger.Debug().Str("connection_id", msg.id).Msg("closing superseded channel")
		_ = msg.ch.Close()
		return
	}

	if cm.cancelDial != nil {
		cm.cancelDial()
		cm.cancelDial = nil
	}
	cm.current = msg.ch
	cm.stopTimer()
	cm.state = ChannelOpen
	s.store.replace(func(st SyncState) SyncState {
		return withAttempts(withChannel(st, ChannelOpen), 0)
	})
	s.metrics.RecordConnection(true)
	s.logger.Info().Str("connection_id", msg.id).Msg("push channel connected")

	go s.readPump(msg.gen, msg.ch)
}

// readPump forwards messages in receipt order until the channel ends.
func (s *Synchronizer) readPump(gen uint64, ch Channel) {
	for {
		data, err := ch.Receive()
		if err != nil {
			s.post(channelClosed{gen: gen, err: err})
			return
		}
		if !s.post(channelMessage{gen: gen, data: data}) {
			return
		}
	}
}

// handleEnded covers both a failed handshake and the loss of an open
// channel; either way the reconnect policy takes over.
func (s *Synchronizer) handleEnded(gen uint64, err error) {
	cm := &s.channel
	if gen != cm.gen || (cm.state != ChannelOpen && cm.state != ChannelConnecting) {
		return
	}

	wasOpen := cm.state == ChannelOpen
	cm.release()
	s.setChannelState(ChannelClosed)
	s.metrics.RecordConnection(false)

	logEvent := s.logger.Warn().Str("connection_id", cm.connID)
	if err != nil {
		logEvent = logEvent.Err(err)
	}
	if wasOpen {
		logEvent.Msg("push channel disconnected")
	} else {
		logEvent.Msg("push channel failed to open")
	}

	s.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer, or gives up once the attempt
// budget is spent. The counter is bumped here, at schedule time.
func (s *Synchronizer) scheduleReconnect() {
	cm := &s.channel
	attempts := s.store.Current().ReconnectAttempts

	if attempts >= s.cfg.MaxAttempts {
		cm.state = ChannelExhausted
		s.store.replace(func(st SyncState) SyncState {
			return withError(withChannel(st, ChannelExhausted), exhaustedMessage)
		})
		s.metrics.RecordReconnectExhausted()
		s.logger.Error().Int("attempts", attempts).Msg("giving up on push channel")
		return
	}

	delay := s.cfg.reconnectDelay(attempts)
	cm.stopTimer()
	cm.timerSeq++
	seq := cm.timerSeq
	cm.timer = s.clock.AfterFunc(delay, func() {
		s.post(reconnectDue{seq: seq})
	})

	cm.state = ChannelReconnectScheduled
	s.store.replace(func(st SyncState) SyncState {
		return withAttempts(withChannel(st, ChannelReconnectScheduled), attempts+1)
	})
	s.metrics.RecordReconnectScheduled(attempts+1, delay)
	s.logger.Info().
		Int("attempt", attempts+1).
		Dur("delay", delay).
		Msg("scheduled reconnect")
}

func (s *Synchronizer) handleReconnectDue(msg reconnectDue) {
	cm := &s.channel
	if msg.seq != cm.timerSeq || cm.state != ChannelReconnectScheduled {
		return
	}
	cm.timer = nil
	s.openChannel()
}

func (s *Synchronizer) setChannelState(state ChannelState) {
	s.channel.state = state
	s.store.replace(func(st SyncState) SyncState {
		return withChannel(st, state)
	})
}
