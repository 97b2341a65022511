package game

import "errors"

// Sentinel errors shared by every layer. Callers wrap them with fmt.Errorf("...: %w")
// and classify with errors.Is.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
