package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/caydenlund/codenames/go/internal/boardsync"
	"github.com/caydenlund/codenames/go/internal/models"
)

// ErrChannelClosed is returned by Receive after the channel is closed locally.
var ErrChannelClosed = errors.New("push channel closed")

// NATSConfig holds configuration for the NATS push channel
type NATSConfig struct {
	URL string
	// SubjectPrefix is suffixed with the mode, e.g. "board.events.public".
	SubjectPrefix string
	Name          string
	Timeout       time.Duration
	PendingLimit  int
}

// DefaultNATSConfig returns default NATS push channel configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "board.events",
		Name:          "boardsync",
		Timeout:       5 * time.Second,
		PendingLimit:  256,
	}
}

// NATSOpener opens push channels as core NATS subscriptions. The client
// library's own reconnect is disabled: a lost connection ends the channel
// and the Synchronizer decides when to try again.
type NATSOpener struct {
	config NATSConfig
}

func NewNATSOpener(cfg NATSConfig) *NATSOpener {
	return &NATSOpener{config: cfg}
}

// Subject returns the subject carrying pushes for mode.
func (o *NATSOpener) Subject(mode models.Mode) string {
	return fmt.Sprintf("%s.%s", o.config.SubjectPrefix, mode)
}

// Open connects, subscribes and flushes so the subscription is registered
// with the server before it returns.
func (o *NATSOpener) Open(ctx context.Context, mode models.Mode) (boardsync.Channel, error) {
	ch := &natsChannel{
		messages: make(chan []byte, o.config.PendingLimit),
		done:     make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(o.config.Name),
		nats.Timeout(o.config.Timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
			ch.end(fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			ch.end(ErrChannelClosed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
			if errors.Is(err, nats.ErrSlowConsumer) {
				ch.end(fmt.Errorf("nats subscription: %w", err))
			}
		}),
	}

	nc, err := nats.Connect(o.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	ch.nc = nc

	subject := o.Subject(mode)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch.messages <- msg.Data:
		case <-ch.done:
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	log.Debug().Str("subject", subject).Str("url", nc.ConnectedUrl()).Msg("NATS subscription ready")
	return ch, nil
}

type natsChannel struct {
	nc       *nats.Conn
	messages chan []byte
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
}

func (c *natsChannel) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Receive returns pushes in the order the subscription delivered them.
func (c *natsChannel) Receive() ([]byte, error) {
	select {
	case data := <-c.messages:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

func (c *natsChannel) Close() error {
	c.end(ErrChannelClosed)
	c.nc.Close()
	return nil
}
