package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ibbroker/internal/domain"
)

// Operation labels prefixed to unexpected failures.
const (
	opQuote        = "Quote"
	opOptionChain  = "Option chain"
	opOptionQuotes = "Option quotes"
	opOrder        = "Order"
	opPositions    = "Positions"
	opAccount      = "Account"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthJSON{
		Service:   ServiceName,
		Version:   Version,
		Connected: s.broker.Connected(),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequestJSON
	if !s.decode(w, r, &req) {
		return
	}
	q, err := s.broker.Quote(r.Context(), req.toEngine())
	if err != nil {
		s.fail(w, r, opQuote, req.Symbol, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	var req OptionChainRequestJSON
	if !s.decode(w, r, &req) {
		return
	}
	items, err := s.broker.OptionChain(r.Context(), req.toEngine())
	if err != nil {
		s.fail(w, r, opOptionChain, req.Symbol, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleOptionQuotes(w http.ResponseWriter, r *http.Request) {
	var req OptionQuotesRequestJSON
	if !s.decode(w, r, &req) {
		return
	}
	quotes, err := s.broker.OptionQuotes(r.Context(), req.toEngine())
	if err != nil {
		symbol := ""
		if len(req.Contracts) > 0 {
			symbol = req.Contracts[0].Symbol
		}
		s.fail(w, r, opOptionQuotes, symbol, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequestJSON
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.broker.PlaceOrder(r.Context(), req.toEngine())
	if err != nil {
		s.fail(w, r, opOrder, req.Symbol, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.Positions(r.Context())
	if err != nil {
		s.fail(w, r, opPositions, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := s.broker.Account(r.Context())
	if err != nil {
		s.fail(w, r, opAccount, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// decode reads a JSON body into v. Unknown fields are ignored; a body that
// does not parse is answered with 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// fail maps err onto a status and message and logs it with the operation.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op, symbol string, err error) {
	status, msg := errorResponse(op, err)

	var ev *zerolog.Event
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	} else {
		ev = s.log.Warn()
	}
	ev.Err(err).
		Str("op", op).
		Str("symbol", symbol).
		Int("status", status).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request failed")

	s.writeError(w, status, msg)
}

// errorResponse returns the HTTP status for err and the message to report.
// Client errors, missing data and not-found errors are reported verbatim;
// every other failure is prefixed with the operation that failed.
func errorResponse(op string, err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRejected):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrNoData):
		return http.StatusInternalServerError, err.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("%s failed: %v", op, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Int("status", status).Msg("encoding JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorJSON{Error: msg})
}
