package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sdrdh/guessgame/internal/game"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
		http int
	}{
		{fmt.Errorf("x: %w", game.ErrUnauthorized), codes.Unauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", game.ErrInvalidInput), codes.InvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("x: %w", game.ErrNotFound), codes.NotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", game.ErrConflict), codes.AlreadyExists, http.StatusConflict},
		{fmt.Errorf("x: %w", game.ErrUpstreamUnavailable), codes.Unavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("pq: connection refused"), codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			st, ok := status.FromError(toStatus(tt.err))
			assert.True(t, ok)
			assert.Equal(t, tt.code, st.Code())

			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			assert.Equal(t, tt.http, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	st, _ := status.FromError(toStatus(errors.New("pq: password authentication failed for user admin")))
	assert.Equal(t, "internal error", st.Message())
	assert.Nil(t, toStatus(nil))
}
