package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

// --- HTTP Handlers ---

// HandleOpen handles POST /api/v1/positions
func (s *Service) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.Open(r.Context(), req)
	if err != nil {
		writeServiceError(w, "open", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleGet handles GET /api/v1/positions/{owner}/{index}
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	key, err := positionKey(r)
	if err != nil {
		writeServiceError(w, "get", err)
		return
	}
	p, err := s.Position(r.Context(), key)
	if err != nil {
		writeServiceError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleList handles GET /api/v1/positions/{owner}
func (s *Service) HandleList(w http.ResponseWriter, r *http.Request) {
	owner, err := model.ParsePubkey(chi.URLParam(r, "owner"))
	if err != nil {
		writeServiceError(w, "list", err)
		return
	}
	positions, err := s.Positions(r.Context(), owner)
	if err != nil {
		writeServiceError(w, "list", err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleIncreaseMargin handles POST /api/v1/positions/{owner}/{index}/margin
func (s *Service) HandleIncreaseMargin(w http.ResponseWriter, r *http.Request) {
	key, err := positionKey(r)
	if err != nil {
		writeServiceError(w, "increase_margin", err)
		return
	}
	var req MarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.IncreaseMargin(r.Context(), key, req)
	if err != nil {
		writeServiceError(w, "increase_margin", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleClose handles POST /api/v1/positions/{owner}/{index}/close
// Returns the settlement, whose amount is owed back to the owner.
func (s *Service) HandleClose(w http.ResponseWriter, r *http.Request) {
	key, err := positionKey(r)
	if err != nil {
		writeServiceError(w, "close", err)
		return
	}
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st, err := s.Close(r.Context(), key, req)
	if err != nil {
		writeServiceError(w, "close", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleNetOff handles POST /api/v1/positions/{owner}/{index}/netoff
func (s *Service) HandleNetOff(w http.ResponseWriter, r *http.Request) {
	key, err := positionKey(r)
	if err != nil {
		writeServiceError(w, "net_off", err)
		return
	}
	var req NetOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.NetOff(r.Context(), key, req); err != nil {
		writeServiceError(w, "net_off", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSettlements handles GET /api/v1/settlements/{owner}
func (s *Service) HandleSettlements(w http.ResponseWriter, r *http.Request) {
	owner, err := model.ParsePubkey(chi.URLParam(r, "owner"))
	if err != nil {
		writeServiceError(w, "settlements", err)
		return
	}
	settlements, err := s.Settlements(r.Context(), owner)
	if err != nil {
		writeServiceError(w, "settlements", err)
		return
	}
	if settlements == nil {
		settlements = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, settlements)
}

// HandlePublishFeed handles PUT /api/v1/feeds/{feedID}. It refuses every
// request unless Options.PublishFeeds is set.
func (s *Service) HandlePublishFeed(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil || !s.opts.PublishFeeds {
		writeError(w, "feed publishing is disabled", http.StatusForbidden)
		return
	}
	feedID := chi.URLParam(r, "feedID")

	var p oracle.Price
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.feeds.Publish(r.Context(), feedID, p); err != nil {
		slog.Error("feed publish failed", "feed", feedID, "err", err)
		writeError(w, "failed to publish feed", http.StatusInternalServerError)
		return
	}

	s.broadcast(WSMessage{Type: "price_updated", FeedID: feedID, Data: p})
	writeJSON(w, http.StatusOK, p)
}

// HandleGetFeed handles GET /api/v1/feeds/{feedID}
func (s *Service) HandleGetFeed(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		writeError(w, "no feed source configured", http.StatusNotFound)
		return
	}
	feedID := chi.URLParam(r, "feedID")

	p, err := s.feeds.Price(r.Context(), feedID)
	if errors.Is(err, oracle.ErrFeedNotFound) {
		writeError(w, "feed not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("feed read failed", "feed", feedID, "err", err)
		writeError(w, "failed to read feed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

func positionKey(r *http.Request) (model.PositionKey, error) {
	owner, err := model.ParsePubkey(chi.URLParam(r, "owner"))
	if err != nil {
		return model.PositionKey{}, err
	}
	idx, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		return model.PositionKey{}, fmt.Errorf("%w: index: %v", model.ErrInvalidArgs, err)
	}
	return model.PositionKey{Owner: owner, Index: uint32(idx)}, nil
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch model.Kind(err) {
	case "invalid_args", "invalid_leverage":
		return http.StatusBadRequest
	case "invalid_signature", "instruction_at_wrong_index", "invalid_account_data", "invalid_ed25519_instruction":
		return http.StatusUnauthorized
	case "invalid_authority", "not_owner":
		return http.StatusForbidden
	case "position_not_found":
		return http.StatusNotFound
	case "position_exists", "position_closed", "position_conflict":
		return http.StatusConflict
	case "invalid_price", "invalid_price_account", "slippage_reached", "position_liquidated", "insufficient_balance":
		return http.StatusUnprocessableEntity
	case "not_implemented":
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// writeServiceError logs a failed operation and writes its error response.
// Internal failures are not echoed to the client.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	kind := model.Kind(err)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("operation failed", "op", op, "err", err)
		writeError(w, "internal error", status)
		return
	}
	slog.Warn("operation rejected", "op", op, "kind", kind, "err", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
