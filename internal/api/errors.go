package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var kindStatus = map[string]int{
	model.KindNotAuthenticated:   http.StatusUnauthorized,
	model.KindForbidden:          http.StatusForbidden,
	model.KindNotFound:           http.StatusNotFound,
	model.KindInvalidInput:       http.StatusBadRequest,
	model.KindConflict:           http.StatusConflict,
	model.KindInsufficientFunds:  http.StatusUnprocessableEntity,
	model.KindInsufficientShares: http.StatusUnprocessableEntity,
	model.KindNoPosition:         http.StatusUnprocessableEntity,
	model.KindPriceUnavailable:   http.StatusServiceUnavailable,
	model.KindStorageFailure:     http.StatusInternalServerError,
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	if s, ok := kindStatus[model.KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error    string           `json:"error"`
	Kind     string           `json:"kind"`
	Symbol   string           `json:"symbol,omitempty"`
	Quantity int64            `json:"quantity,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Cost     *decimal.Decimal `json:"cost,omitempty"`
	Cash     *decimal.Decimal `json:"cash,omitempty"`
	Held     *int64           `json:"held,omitempty"`
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, _ *http.Request, err error) {
	kind := model.KindOf(err)
	status := StatusOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	if status == http.StatusInternalServerError {
		// storage details stay in the logs
		resp.Error = "internal error"
		if kind == model.KindInternal {
			resp.Kind = model.KindStorageFailure
		}
	}

	var te *model.TradeError
	if errors.As(err, &te) {
		resp.Symbol = te.Symbol
		resp.Quantity = te.Quantity
		switch {
		case errors.Is(te.Kind, model.ErrInsufficientFunds):
			resp.Price, resp.Cost, resp.Cash = &te.Price, &te.Cost, &te.Cash
		case errors.Is(te.Kind, model.ErrInsufficientShares):
			resp.Held = &te.Held
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusOf(err) >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", model.KindOf(err), "err", err)
	}
	WriteError(w, r, err)
}
