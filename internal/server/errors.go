package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sdrdh/guessgame/internal/game"
)

// codeFor maps the domain error taxonomy to gRPC codes.
func codeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, game.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, game.ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, game.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, game.ErrConflict):
		return codes.AlreadyExists
	case errors.Is(err, game.ErrUpstreamUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		if s, ok := status.FromError(err); ok {
			return s.Code()
		}
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status error. Internal errors are not
// echoed to the caller.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codeFor(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the HTTP status of err's gRPC code and {"error": msg}.
func writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{"error": st.Message()})
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", game.ErrInvalidInput, msg)
}
