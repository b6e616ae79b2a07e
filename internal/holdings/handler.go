// Package holdings provides the HTTP read surface over the position store
// and the WebSocket hub for live position updates. This is the only
// interface downstream query callers depend on from this core.
package holdings

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finfolio/holdings-engine/internal/model"
	"github.com/finfolio/holdings-engine/internal/store"
)

// Service serves holdings queries.
type Service struct {
	store store.Store
}

// NewService creates a holdings query service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// HoldingsResponse is the JSON body for GET /api/v1/holdings/{userID}.
// TotalCost is Σ quantity × average_cost; valuation against live market
// prices is the caller's job.
type HoldingsResponse struct {
	UserID    string           `json:"user_id"`
	Holdings  []model.Position `json:"holdings"`
	TotalCost decimal.Decimal  `json:"total_cost"`
}

// GetHoldings handles GET /api/v1/holdings/{userID}.
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.ListPositions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	totalCost := decimal.Zero
	for _, p := range positions {
		totalCost = totalCost.Add(p.Quantity.Mul(p.AverageCost))
	}

	resp := HoldingsResponse{
		UserID:    userID,
		Holdings:  positions,
		TotalCost: totalCost,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetHolding handles GET /api/v1/holdings/{userID}/{symbol}.
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	symbol := chi.URLParam(r, "symbol")

	pos, err := s.store.GetPosition(r.Context(), userID, symbol)
	if errors.Is(err, store.ErrPositionNotFound) {
		writeError(w, "no position for symbol", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
