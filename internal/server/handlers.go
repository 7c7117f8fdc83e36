package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/domain"
	"github.com/epvlab/epv/internal/gateway"
	"github.com/epvlab/epv/internal/valuation"
)

// Handlers serves the analysis and data endpoints. All prices are in
// currency units and all ratios are fractions; the JSON shapes carry no
// percentages.
type Handlers struct {
	gateway *gateway.Gateway
	engine  *valuation.Engine
	log     zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(gw *gateway.Gateway, engine *valuation.Engine, log zerolog.Logger) *Handlers {
	return &Handlers{
		gateway: gw,
		engine:  engine,
		log:     log.With().Str("component", "handlers").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error    string                   `json:"error"`
	Failures []domain.ProviderFailure `json:"failures,omitempty"`
}

// writeError maps the domain error taxonomy onto HTTP statuses and keeps the
// per-provider diagnostics visible to the caller.
func writeError(w http.ResponseWriter, err error) {
	var apf *domain.AllProvidersFailedError
	if errors.As(err, &apf) {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: apf.Error(), Failures: apf.Failures})
		return
	}
	var ide *domain.InsufficientDataError
	if errors.As(err, &ide) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ide.Error()})
		return
	}
	var iie *domain.InvalidInputError
	if errors.As(err, &iie) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: iie.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// analyzeRequest is the optional POST body for analysis calls.
type analyzeRequest struct {
	Seed  *int64   `json:"seed,omitempty"`
	Peers []string `json:"peers,omitempty"`
}

// HandleAnalyze handles POST /api/analysis/{symbol}.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	symbol := domain.NewSymbol(chi.URLParam(r, "symbol"))
	if symbol.IsZero() {
		writeError(w, &domain.InvalidInputError{Field: "symbol", Reason: "empty"})
		return
	}

	var req analyzeRequest
	if r.Body != nil {
		// An empty body means default options.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	opts := valuation.Options{Seed: req.Seed}
	for _, raw := range req.Peers {
		if peer := domain.NewSymbol(raw); !peer.IsZero() {
			opts.Peers = append(opts.Peers, peer)
		}
	}

	result, err := h.engine.Analyze(r.Context(), symbol, opts)
	if err != nil {
		h.log.Warn().Str("symbol", symbol.String()).Err(err).Msg("Analysis failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// batchRequest is the POST body for batch analysis.
type batchRequest struct {
	Symbols     []string `json:"symbols"`
	Seed        *int64   `json:"seed,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

type batchResponse struct {
	Outcomes []valuation.BatchOutcome `json:"outcomes"`
	Stats    valuation.BatchStats     `json:"stats"`
}

// HandleAnalyzeBatch handles POST /api/analysis/batch.
func (h *Handlers) HandleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.InvalidInputError{Field: "body", Reason: "invalid JSON"})
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, &domain.InvalidInputError{Field: "symbols", Reason: "empty"})
		return
	}

	symbols := make([]domain.Symbol, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		if sym := domain.NewSymbol(raw); !sym.IsZero() {
			symbols = append(symbols, sym)
		}
	}

	outcomes, stats := h.engine.AnalyzeBatch(r.Context(), symbols,
		valuation.Options{Seed: req.Seed}, req.Concurrency)
	writeJSON(w, http.StatusOK, batchResponse{Outcomes: outcomes, Stats: stats})
}

// HandleData handles GET /api/data/{symbol}/{dataset}?period=...
// It returns the normalized record, fetching through the gateway so the
// response benefits from cache and fallback like any analysis.
func (h *Handlers) HandleData(w http.ResponseWriter, r *http.Request) {
	symbol := domain.NewSymbol(chi.URLParam(r, "symbol"))
	if symbol.IsZero() {
		writeError(w, &domain.InvalidInputError{Field: "symbol", Reason: "empty"})
		return
	}
	dataset, ok := domain.ParseDataset(chi.URLParam(r, "dataset"))
	if !ok {
		writeError(w, &domain.InvalidInputError{Field: "dataset", Reason: "unknown dataset kind"})
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = defaultPeriod(dataset)
	}

	rec, err := h.gateway.Fetch(r.Context(), symbol, dataset, period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func defaultPeriod(ds domain.Dataset) string {
	switch ds {
	case domain.DatasetIncomeStatement, domain.DatasetBalanceSheet:
		return "annual"
	case domain.DatasetPriceSeries:
		return "5y"
	default:
		return ""
	}
}
