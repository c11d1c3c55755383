package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Team defines the affiliation of a card.
type Team string

const (
	TeamRed      Team = "red"
	TeamBlue     Team = "blue"
	TeamNeutral  Team = "neutral"
	TeamAssassin Team = "assassin"
	// TeamUnknown masks an unrevealed card on a public board.
	TeamUnknown Team = "unknown"
)

// Mode defines how much of the board a session is allowed to see.
type Mode string

const (
	ModePublic    Mode = "public"
	ModeSpymaster Mode = "spymaster"
)

var (
	ErrShapeMismatch = errors.New("card shape does not match mode")
	ErrInvalidTeam   = errors.New("invalid team")
	ErrInvalidMode   = errors.New("invalid mode")
)

// ParseMode converts a user supplied mode name. "privileged" is accepted as
// an alias for the spymaster view.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "public":
		return ModePublic, nil
	case "spymaster", "privileged":
		return ModeSpymaster, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Privileged reports whether cards in this mode carry their true team and a
// revealed flag.
func (m Mode) Privileged() bool {
	return m == ModeSpymaster
}

// Valid reports whether the team is allowed on a board of the given mode.
func (t Team) Valid(mode Mode) bool {
	switch t {
	case TeamRed, TeamBlue, TeamNeutral, TeamAssassin:
		return true
	case TeamUnknown:
		return !mode.Privileged()
	default:
		return false
	}
}

// Card is a single word on the board. Revealed is only meaningful for
// privileged boards; public boards express it through the team mask.
type Card struct {
	Word     string `json:"word"`
	Team     Team   `json:"team"`
	Revealed bool   `json:"revealed"`
}

// ShapeError describes a card that failed boundary validation.
type ShapeError struct {
	Mode   Mode
	Reason string
	Err    error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s card: %s", e.Mode, e.Reason)
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}

// wireCard keeps Revealed as a pointer so a missing key can be told apart
// from an explicit false.
type wireCard struct {
	Word     *string `json:"word"`
	Team     Team    `json:"team"`
	Revealed *bool   `json:"revealed"`
}

// DecodeCard parses a single card and checks that its shape matches mode.
func DecodeCard(raw json.RawMessage, mode Mode) (Card, error) {
	var w wireCard
	if err := json.Unmarshal(raw, &w); err != nil {
		return Card{}, fmt.Errorf("decode card: %w", err)
	}
	return w.toCard(mode)
}

func (w wireCard) toCard(mode Mode) (Card, error) {
	if w.Word == nil {
		return Card{}, &ShapeError{Mode: mode, Reason: "missing word", Err: ErrShapeMismatch}
	}
	if !w.Team.Valid(mode) {
		return Card{}, &ShapeError{Mode: mode, Reason: fmt.Sprintf("team %q not allowed", w.Team), Err: ErrInvalidTeam}
	}

	card := Card{Word: *w.Word, Team: w.Team}
	if mode.Privileged() {
		if w.Revealed == nil {
			return Card{}, &ShapeError{Mode: mode, Reason: "missing revealed flag", Err: ErrShapeMismatch}
		}
		card.Revealed = *w.Revealed
		return card, nil
	}

	if w.Revealed != nil {
		return Card{}, &ShapeError{Mode: mode, Reason: "unexpected revealed flag", Err: ErrShapeMismatch}
	}
	card.Revealed = w.Team != TeamUnknown
	return card, nil
}

// Encode renders the card in the wire shape used by mode.
func (c Card) Encode(mode Mode) any {
	if mode.Privileged() {
		return c
	}
	return struct {
		Word string `json:"word"`
		Team Team   `json:"team"`
	}{c.Word, c.Team}
}
