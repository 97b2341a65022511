package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"

	"github.com/sdrdh/guessgame/internal/identity"
)

// HTTPHandler serves the JSON routes on a gateway ServeMux, with /healthz and
// /readyz beside it.
func (s *Server) HTTPHandler() http.Handler {
	mux := runtime.NewServeMux()
	s.route(mux, http.MethodPost, "/v1/guesses", "PlaceGuess", s.httpPlaceGuess)
	s.route(mux, http.MethodGet, "/v1/me", "GetUser", s.httpGetUser)
	s.route(mux, http.MethodGet, "/v1/guesses/active", "GetActiveGuess", s.httpGetActiveGuess)
	s.route(mux, http.MethodGet, "/v1/guesses/history", "GetGuessHistory", s.httpGetGuessHistory)

	httpMux := http.NewServeMux()
	if s.deps.Health != nil {
		httpMux.HandleFunc("/healthz", s.deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// route authenticates the caller, records metrics and maps errors for h.
func (s *Server) route(mux *runtime.ServeMux, method, path, name string, h func(w http.ResponseWriter, r *http.Request) (any, error)) {
	err := mux.HandlePath(method, path, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		start := time.Now()
		resp, err := s.serveAuthenticated(w, r, h)
		s.deps.Metrics.RequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			st, _ := status.FromError(toStatus(err))
			s.deps.Metrics.RequestErrors.WithLabelValues(name, st.Code().String()).Inc()
			writeError(w, err)
			return
		}
		code := http.StatusOK
		if method == http.MethodPost {
			code = http.StatusCreated
		}
		writeJSON(w, code, resp)
	})
	if err != nil {
		// only fails on a malformed path template
		panic(err)
	}
}

func (s *Server) serveAuthenticated(w http.ResponseWriter, r *http.Request, h func(w http.ResponseWriter, r *http.Request) (any, error)) (any, error) {
	userID, err := s.deps.Verifier.Verify(identity.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		return nil, err
	}
	return h(w, r.WithContext(identity.WithUserID(r.Context(), userID)))
}

func (s *Server) httpPlaceGuess(w http.ResponseWriter, r *http.Request) (any, error) {
	var req PlaceGuessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		return nil, invalidInput("request body must be JSON {\"direction\": \"up\"|\"down\"}")
	}
	return s.service.PlaceGuess(r.Context(), &req)
}

func (s *Server) httpGetUser(w http.ResponseWriter, r *http.Request) (any, error) {
	return s.service.GetUser(r.Context(), &GetUserRequest{})
}

func (s *Server) httpGetActiveGuess(w http.ResponseWriter, r *http.Request) (any, error) {
	return s.service.GetActiveGuess(r.Context(), &GetActiveGuessRequest{})
}

func (s *Server) httpGetGuessHistory(w http.ResponseWriter, r *http.Request) (any, error) {
	var req GetGuessHistoryRequest
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalidInput("limit must be an integer")
		}
		req.Limit = n
	}
	return s.service.GetGuessHistory(r.Context(), &req)
}
