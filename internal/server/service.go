package server

import (
	"context"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/identity"
	"github.com/sdrdh/guessgame/internal/lifecycle"
)

// Engine is the public operation surface served over gRPC and HTTP.
type Engine interface {
	Place(ctx context.Context, userID, direction, instrument string) (game.Guess, error)
	GetUser(ctx context.Context, userID string) (*lifecycle.Profile, error)
	GetActiveGuess(ctx context.Context, userID string) (*game.Guess, error)
	GetGuessHistory(ctx context.Context, userID string, limit int) ([]game.Guess, error)
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type PlaceGuessRequest struct {
	Direction  string `json:"direction"`
	Instrument string `json:"instrument,omitempty"`
}

type PlaceGuessResponse struct {
	Guess game.Guess `json:"guess"`
}

type GetUserRequest struct{}

// GetUserResponse has a nil Profile while the user's profile has not been created.
type GetUserResponse struct {
	Profile *lifecycle.Profile `json:"profile"`
}

type GetActiveGuessRequest struct{}

type GetActiveGuessResponse struct {
	Guess *game.Guess `json:"guess"`
}

type GetGuessHistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type GetGuessHistoryResponse struct {
	Guesses []game.Guess `json:"guesses"`
}

// GuessServiceServer is implemented by guessService and registered through
// guessServiceDesc.
type GuessServiceServer interface {
	PlaceGuess(ctx context.Context, req *PlaceGuessRequest) (*PlaceGuessResponse, error)
	GetUser(ctx context.Context, req *GetUserRequest) (*GetUserResponse, error)
	GetActiveGuess(ctx context.Context, req *GetActiveGuessRequest) (*GetActiveGuessResponse, error)
	GetGuessHistory(ctx context.Context, req *GetGuessHistoryRequest) (*GetGuessHistoryResponse, error)
}

// guessService reads the caller from the context set by the auth interceptor
// or the HTTP auth wrapper. Errors are returned unmapped.
type guessService struct {
	engine Engine
}

func (s *guessService) PlaceGuess(ctx context.Context, req *PlaceGuessRequest) (*PlaceGuessResponse, error) {
	g, err := s.engine.Place(ctx, identity.UserIDFromContext(ctx), req.Direction, req.Instrument)
	if err != nil {
		return nil, err
	}
	return &PlaceGuessResponse{Guess: g}, nil
}

func (s *guessService) GetUser(ctx context.Context, _ *GetUserRequest) (*GetUserResponse, error) {
	p, err := s.engine.GetUser(ctx, identity.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return &GetUserResponse{Profile: p}, nil
}

func (s *guessService) GetActiveGuess(ctx context.Context, _ *GetActiveGuessRequest) (*GetActiveGuessResponse, error) {
	g, err := s.engine.GetActiveGuess(ctx, identity.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return &GetActiveGuessResponse{Guess: g}, nil
}

func (s *guessService) GetGuessHistory(ctx context.Context, req *GetGuessHistoryRequest) (*GetGuessHistoryResponse, error) {
	if req.Limit < 0 {
		return nil, invalidInput("limit must not be negative")
	}
	history, err := s.engine.GetGuessHistory(ctx, identity.UserIDFromContext(ctx), req.Limit)
	if err != nil {
		return nil, err
	}
	return &GetGuessHistoryResponse{Guesses: history}, nil
}
