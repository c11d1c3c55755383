package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/caydenlund/codenames/go/internal/models"
)

// Endpoints served by the game server.
const (
	EndpointBoardPublic    = "/api/board/public"
	EndpointBoardSpymaster = "/api/board/spymaster"
	EndpointReveal         = "/api/reveal"
	EndpointNewGame        = "/api/new_game"
)

// BoardClient talks to the game server's request/response API.
type BoardClient struct {
	*BaseClient
}

func NewBoardClient(baseURL string) *BoardClient {
	client := &BoardClient{
		BaseClient: NewBaseClient(baseURL),
	}
	client.SetHeader("Accept", "application/json")
	return client
}

// BoardEndpoint returns the snapshot path for mode.
func BoardEndpoint(mode models.Mode) string {
	if mode.Privileged() {
		return EndpointBoardSpymaster
	}
	return EndpointBoardPublic
}

// FetchBoard returns the raw board snapshot for mode. Shape validation is
// left to the caller.
func (c *BoardClient) FetchBoard(ctx context.Context, mode models.Mode) (json.RawMessage, error) {
	body, err := c.Get(ctx, BoardEndpoint(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s board: %w", mode, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("failed to get %s board: response is not JSON", mode)
	}
	return json.RawMessage(body), nil
}

type revealRequest struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c *BoardClient) RevealCard(ctx context.Context, row, col int) error {
	payload, err := json.Marshal(revealRequest{Row: row, Col: col})
	if err != nil {
		return fmt.Errorf("failed to marshal reveal request: %w", err)
	}
	if _, err := c.Post(ctx, EndpointReveal, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("failed to reveal card (%d,%d): %w", row, col, err)
	}
	return nil
}

func (c *BoardClient) NewGame(ctx context.Context) error {
	if _, err := c.Post(ctx, EndpointNewGame, nil); err != nil {
		return fmt.Errorf("failed to start new game: %w", err)
	}
	return nil
}
