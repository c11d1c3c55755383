package boardsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caydenlund/codenames/go/internal/models"
)

var (
	// ErrParse marks a push message that is not valid JSON for its kind.
	ErrParse = errors.New("malformed push message")
	// ErrProtocol marks a well-formed message that cannot be applied.
	ErrProtocol = errors.New("protocol error")
)

// MessageKind is the type tag of a push message.
type MessageKind string

const (
	KindCardRevealed MessageKind = "card_revealed"
	KindNewGame      MessageKind = "new_game"
	KindBoardUpdate  MessageKind = "board_update"
	KindGameReset    MessageKind = "game_reset"
)

// Envelope is the wire form of every server push.
type Envelope struct {
	Type MessageKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is a validated push message.
type Message interface {
	Kind() MessageKind
}

// CardRevealed replaces a single cell.
type CardRevealed struct {
	Row  int
	Col  int
	Card models.Card
}

func (CardRevealed) Kind() MessageKind { return KindCardRevealed }

// BoardReplaced replaces the whole board. Source is the wire kind that
// carried it (new_game or board_update).
type BoardReplaced struct {
	Source MessageKind
	Board  models.Board
}

func (m BoardReplaced) Kind() MessageKind { return m.Source }

// GameReset asks the client to re-fetch its snapshot.
type GameReset struct{}

func (GameReset) Kind() MessageKind { return KindGameReset }

type cardRevealedData struct {
	Row          *int            `json:"row"`
	Col          *int            `json:"col"`
	NewCardState json.RawMessage `json:"new_card_state"`
}

// ParseMessage decodes a raw push message and validates it against mode.
// Errors wrap either ErrParse or ErrProtocol.
func ParseMessage(raw []byte, mode models.Mode) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	switch env.Type {
	case KindCardRevealed:
		var data cardRevealedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %w", ErrParse, env.Type, err)
		}
		if data.Row == nil || data.Col == nil {
			return nil, fmt.Errorf("%w: %s without row/col", ErrProtocol, env.Type)
		}
		if *data.Row < 0 || *data.Col < 0 {
			return nil, fmt.Errorf("%w: negative cell (%d,%d)", ErrProtocol, *data.Row, *data.Col)
		}
		if len(data.NewCardState) == 0 {
			return nil, fmt.Errorf("%w: %s without new_card_state", ErrProtocol, env.Type)
		}
		card, err := models.DecodeCard(data.NewCardState, mode)
		if err != nil {
			return nil, classify(env.Type, err)
		}
		return CardRevealed{Row: *data.Row, Col: *data.Col, Card: card}, nil

	case KindNewGame, KindBoardUpdate:
		board, err := models.DecodeBoard(env.Data, mode)
		if err != nil {
			return nil, classify(env.Type, err)
		}
		return BoardReplaced{Source: env.Type, Board: board}, nil

	case KindGameReset:
		return GameReset{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrProtocol, env.Type)
	}
}

// classify separates payloads that do not decode at all from payloads that
// decode but carry the wrong card shape for the session.
func classify(kind MessageKind, err error) error {
	var shapeErr *models.ShapeError
	if errors.As(err, &shapeErr) {
		return fmt.Errorf("%w: %s: %w", ErrProtocol, kind, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrParse, kind, err)
}
