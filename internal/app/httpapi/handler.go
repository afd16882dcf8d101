package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	app "github.com/R3E-Network/lottery_settlement/internal/app"
	"github.com/R3E-Network/lottery_settlement/internal/app/metrics"
	"github.com/R3E-Network/lottery_settlement/internal/middleware"
	"github.com/R3E-Network/lottery_settlement/internal/treasury"
	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxTransactions     = 50
)

// Options configures the public API.
type Options struct {
	// JWTSecret signs bearer tokens. When empty the X-User-ID header set by
	// an upstream gateway is trusted instead.
	JWTSecret []byte
	Issuer    string

	// PurchaseRate limits ticket purchases per identity per second; zero
	// disables the limit.
	PurchaseRate  float64
	PurchaseBurst int

	AccessLog zerolog.Logger
	Log       *logger.Logger
}

// handler bundles HTTP endpoints for the lottery engine.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns a router exposing the lottery REST API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	auth := middleware.NewAuthMiddleware(opts.JWTSecret, opts.Issuer, log.Named("auth"))
	authed := func(fn http.HandlerFunc) http.Handler { return auth.Handler(fn) }

	purchase := http.Handler(http.HandlerFunc(h.buyTickets))
	if opts.PurchaseRate > 0 {
		purchase = middleware.NewRateLimiter(opts.PurchaseRate, opts.PurchaseBurst, log.Named("ratelimit")).Handler(purchase)
	}

	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(opts.AccessLog).Handler)

	r.Handle("/rounds", authed(h.startRound)).Methods(http.MethodPost)
	r.HandleFunc("/rounds/current", h.status).Methods(http.MethodGet)
	r.HandleFunc("/rounds/current/entries", h.entries).Methods(http.MethodGet)
	r.Handle("/rounds/current/tickets", auth.Handler(purchase)).Methods(http.MethodPost)
	r.Handle("/rounds/current/settle", authed(h.settle)).Methods(http.MethodPost)
	r.HandleFunc("/rounds/last", h.lastOutcome).Methods(http.MethodGet)
	r.Handle("/deposits", authed(h.deposit)).Methods(http.MethodPost)
	r.HandleFunc("/history", h.listHistory).Methods(http.MethodGet)
	r.HandleFunc("/history/{round}", h.history).Methods(http.MethodGet)
	r.HandleFunc("/participants/{identity}", h.participation).Methods(http.MethodGet)
	r.Handle("/balances/{identity}", authed(h.balance)).Methods(http.MethodGet)
	r.Handle("/events/ws", application.Hub).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) startRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.app.Lottery.StartRound(r.Context(), middleware.Identity(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

type statusResponse struct {
	lottery.Status
	RemainingSeconds float64 `json:"remaining_seconds"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st := h.app.Lottery.Status(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{Status: st, RemainingSeconds: st.Remaining.Seconds()})
}

func (h *handler) entries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id": h.app.Lottery.CurrentRound(ctx).ID,
		"entries":  h.app.Lottery.Entries(ctx),
	})
}

func (h *handler) buyTickets(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Quantity int   `json:"quantity"`
		Paid     int64 `json:"paid"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	purchase, err := h.app.Lottery.BuyTickets(r.Context(), middleware.Identity(r.Context()), payload.Quantity, payload.Paid)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}

func (h *handler) settle(w http.ResponseWriter, r *http.Request) {
	out, err := h.app.Lottery.Settle(r.Context(), middleware.Identity(r.Context()))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) lastOutcome(w http.ResponseWriter, r *http.Request) {
	out, ok := h.app.Lottery.LastOutcome(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no round settled since the current round started"))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Lottery.Deposit(r.Context(), middleware.Identity(r.Context()), payload.Amount); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	outcomes, err := h.app.Lottery.ListHistory(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	roundID, err := parseRoundID(mux.Vars(r)["round"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.app.Lottery.History(r.Context(), roundID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type participationResponse struct {
	Identity string `json:"identity"`
	RoundID  int64  `json:"round_id"`
	lottery.Participation
}

func (h *handler) participation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := mux.Vars(r)["identity"]

	roundID := h.app.Lottery.CurrentRound(ctx).ID
	if raw := r.URL.Query().Get("round"); raw != "" {
		id, err := parseRoundID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		roundID = id
	}

	writeJSON(w, http.StatusOK, participationResponse{
		Identity:      identity,
		RoundID:       roundID,
		Participation: h.app.Lottery.ParticipationIn(ctx, roundID, identity),
	})
}

type balanceResponse struct {
	Identity     string                 `json:"identity"`
	Balance      int64                  `json:"balance"`
	Transactions []treasury.Transaction `json:"transactions"`
}

// balance reports what the treasury has credited to an identity. Callers
// may only read their own balance unless they are the administrator.
func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	caller := middleware.Identity(r.Context())
	if caller != identity && caller != h.app.Lottery.Config().Admin {
		h.writeEngineError(w, lottery.ErrUnauthorized)
		return
	}

	txs := make([]treasury.Transaction, 0)
	for _, tx := range h.app.Treasury.Transactions(0) {
		if tx.Counterparty == identity {
			txs = append(txs, tx)
			if len(txs) == maxTransactions {
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Identity:     identity,
		Balance:      h.app.Treasury.Balance(identity),
		Transactions: txs,
	})
}

func (h *handler) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("status", status).Warn("request failed")
	}
	writeError(w, status, err)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lottery.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lottery.ErrRoundAlreadyActive),
		errors.Is(err, lottery.ErrRoundInactive),
		errors.Is(err, lottery.ErrNotEnded),
		errors.Is(err, lottery.ErrReentrancyRejected),
		errors.Is(err, lottery.ErrArchiveConflict):
		return http.StatusConflict
	case errors.Is(err, lottery.ErrInvalidQuantity),
		errors.Is(err, lottery.ErrInvalidIdentity),
		errors.Is(err, lottery.ErrPaymentMismatch),
		errors.Is(err, lottery.ErrCapExceeded),
		errors.Is(err, lottery.ErrNoEntries):
		return http.StatusBadRequest
	case errors.Is(err, lottery.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, lottery.ErrOutcomeNotFound):
		return http.StatusNotFound
	case errors.Is(err, lottery.ErrDirectDeposit):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

func parseRoundID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("round must be a positive integer")
	}
	return id, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
