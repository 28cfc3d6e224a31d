package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"paygate/daemon/internal/config"
	"paygate/daemon/internal/models"
	"paygate/daemon/internal/stores"
)

// ApiService is the management surface: invoice creation, status polling,
// and health. Writes go through the owning chain's reconciler; reads hit the
// ledger directly.
type ApiService struct {
	server      *http.Server
	cfg         *config.Config
	invoices    stores.InvoiceStore
	reconcilers map[models.Chain]*Reconciler
	health      *Health
	logger      zerolog.Logger
}

func NewApiService(cfg *config.Config, invoices stores.InvoiceStore, reconcilers map[models.Chain]*Reconciler, health *Health, logger zerolog.Logger) *ApiService {
	a := &ApiService{
		cfg:         cfg,
		invoices:    invoices,
		reconcilers: reconcilers,
		health:      health,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoices", a.handleCreate)
	mux.HandleFunc("GET /invoices", a.handleList)
	mux.HandleFunc("GET /invoices/{id}", a.handleGet)
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	a.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return a
}

func (a *ApiService) Start() error {
	return a.server.ListenAndServe()
}

func (a *ApiService) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (a *ApiService) Handler() http.Handler {
	return a.server.Handler
}

type createInvoiceRequest struct {
	ID       string `json:"id,omitempty"`
	Chain    string `json:"chain"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type uncreditedResponse struct {
	TxRef    string `json:"tx_ref"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type invoiceResponse struct {
	ID              string               `json:"id"`
	Chain           string               `json:"chain"`
	Currency        string               `json:"currency"`
	Decimals        uint32               `json:"decimals"`
	AmountDue       string               `json:"amount_due"`
	ObservedAmount  string               `json:"observed_amount"`
	Address         string               `json:"address"`
	State           string               `json:"state"`
	CreatedAt       time.Time            `json:"created_at"`
	ExpiresAt       time.Time            `json:"expires_at"`
	SettledAt       *time.Time           `json:"settled_at,omitempty"`
	SweepTxRef      string               `json:"sweep_tx_ref,omitempty"`
	ForwardAttempts int                  `json:"forward_attempts,omitempty"`
	FailureReason   string               `json:"failure_reason,omitempty"`
	Uncredited      []uncreditedResponse `json:"uncredited,omitempty"`
}

func (a *ApiService) toResponse(inv *models.Invoice) invoiceResponse {
	var decimals uint32
	if cc := a.cfg.Chain(inv.Chain); cc != nil {
		decimals, _ = cc.Currency(inv.Currency)
	}
	observed := "0"
	if inv.ObservedAmount != nil {
		observed = inv.ObservedAmount.String()
	}
	resp := invoiceResponse{
		ID:              inv.ID,
		Chain:           string(inv.Chain),
		Currency:        string(inv.Currency),
		Decimals:        decimals,
		AmountDue:       inv.AmountDue.String(),
		ObservedAmount:  observed,
		Address:         inv.Address,
		State:           string(inv.State),
		CreatedAt:       inv.CreatedAt,
		ExpiresAt:       inv.ExpiresAt,
		SettledAt:       inv.SettledAt,
		SweepTxRef:      inv.SweepTxRef,
		ForwardAttempts: inv.ForwardAttempts,
		FailureReason:   inv.FailureReason,
	}
	for _, u := range inv.Uncredited {
		resp.Uncredited = append(resp.Uncredited, uncreditedResponse{
			TxRef:    u.TxRef,
			Currency: string(u.Currency),
			Amount:   u.Amount.String(),
		})
	}
	return resp
}

func (a *ApiService) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		http.Error(w, "amount must be a positive integer in minor units", http.StatusBadRequest)
		return
	}

	rec, ok := a.reconcilers[models.Chain(req.Chain)]
	if !ok {
		http.Error(w, "unsupported chain", http.StatusBadRequest)
		return
	}

	inv, err := rec.CreateInvoice(r.Context(), CreateRequest{
		ID:       req.ID,
		Chain:    models.Chain(req.Chain),
		Currency: models.Currency(req.Currency),
		Amount:   amount,
	})
	switch {
	case errors.Is(err, ErrUnknownCurrency):
		http.Error(w, "unsupported currency", http.StatusBadRequest)
		return
	case errors.Is(err, stores.ErrDuplicateID):
		http.Error(w, "invoice id already exists", http.StatusConflict)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("invoice creation failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, a.toResponse(inv))
}

func (a *ApiService) handleGet(w http.ResponseWriter, r *http.Request) {
	inv, err := a.invoices.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, stores.ErrInvoiceNotFound) {
		http.Error(w, "invoice not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a.toResponse(inv))
}

func (a *ApiService) handleList(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	chain := r.URL.Query().Get("chain")

	out := []invoiceResponse{}
	err := a.invoices.Scan(r.Context(), func(inv *models.Invoice) error {
		if state != "" && string(inv.State) != state {
			return nil
		}
		if chain != "" && string(inv.Chain) != chain {
			return nil
		}
		out = append(out, a.toResponse(inv))
		return nil
	})
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *ApiService) handleHealthz(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if !a.health.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"chains": a.health.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
