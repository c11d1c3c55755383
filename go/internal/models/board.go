package models

import (
	"encoding/json"
	"fmt"
)

// Board is the grid of cards, indexed [row][col]. The grid shape is decided
// by the server and never validated here.
type Board [][]Card

// Rows returns the number of rows.
func (b Board) Rows() int {
	return len(b)
}

// InBounds reports whether (row, col) addresses an existing cell.
func (b Board) InBounds(row, col int) bool {
	return row >= 0 && row < len(b) && col >= 0 && col < len(b[row])
}

// WithCell returns a new board with a single cell replaced. Only the spine
// and the addressed row are copied; every other row shares its backing array
// with b, and b itself is never modified.
func (b Board) WithCell(row, col int, card Card) (Board, error) {
	if !b.InBounds(row, col) {
		return nil, fmt.Errorf("cell (%d,%d) outside %d-row board", row, col, len(b))
	}

	next := make(Board, len(b))
	copy(next, b)

	newRow := make([]Card, len(b[row]))
	copy(newRow, b[row])
	newRow[col] = card
	next[row] = newRow

	return next, nil
}

// Encode renders the board in the wire shape used by mode.
func (b Board) Encode(mode Mode) [][]any {
	out := make([][]any, len(b))
	for r, row := range b {
		out[r] = make([]any, len(row))
		for c, card := range row {
			out[r][c] = card.Encode(mode)
		}
	}
	return out
}

// DecodeBoard parses a full board and validates every card against mode.
func DecodeBoard(raw json.RawMessage, mode Mode) (Board, error) {
	var rows [][]wireCard
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	if rows == nil {
		return nil, &ShapeError{Mode: mode, Reason: "board is null", Err: ErrShapeMismatch}
	}

	board := make(Board, len(rows))
	for r, row := range rows {
		board[r] = make([]Card, len(row))
		for c, w := range row {
			card, err := w.toCard(mode)
			if err != nil {
				return nil, fmt.Errorf("cell (%d,%d): %w", r, c, err)
			}
			board[r][c] = card
		}
	}
	return board, nil
}
