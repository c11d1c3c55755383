package boardsync

import (
	"context"

	"github.com/caydenlund/codenames/go/internal/models"
)

// event is anything the loop goroutine consumes.
type event interface{ isEvent() }

type initializeCmd struct {
	ctx   context.Context
	mode  models.Mode
	reply chan error
}

type snapshotResult struct {
	seq   uint64
	mode  models.Mode
	board models.Board
	err   error
	// reopen is set for Initialize; a game reset keeps the live channel.
	reopen bool
	reply  chan error
}

// respond never blocks; reply is either nil or buffered.
func (r snapshotResult) respond(err error) {
	if r.reply == nil {
		return
	}
	select {
	case r.reply <- err:
	default:
	}
}

type requestFailed struct {
	op  string
	err error
}

type clearErrorCmd struct{}

type channelOpened struct {
	gen uint64
	id  string
	ch  Channel
}

type channelFailed struct {
	gen uint64
	err error
}

type channelMessage struct {
	gen  uint64
	data []byte
}

type channelClosed struct {
	gen uint64
	err error
}

type reconnectDue struct {
	seq uint64
}

func (initializeCmd) isEvent()  {}
func (snapshotResult) isEvent() {}
func (requestFailed) isEvent()  {}
func (clearErrorCmd) isEvent()  {}
func (channelOpened) isEvent()  {}
func (channelFailed) isEvent()  {}
func (channelMessage) isEvent() {}
func (channelClosed) isEvent()  {}
func (reconnectDue) isEvent()   {}
