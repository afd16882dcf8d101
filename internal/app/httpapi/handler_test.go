package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/lottery_settlement/internal/app"
	"github.com/R3E-Network/lottery_settlement/internal/config"
	"github.com/R3E-Network/lottery_settlement/internal/middleware"
	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
)

const (
	testAdmin  = "operator"
	testIssuer = "lottery-test"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	t       *testing.T
	app     *app.Application
	clock   *lottery.FixedClock
	handler http.Handler
}

func newFixture(t *testing.T, draws ...int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Lottery.Admin = testAdmin
	cfg.Keeper.Enabled = false

	clock := lottery.NewFixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	application, err := app.New(cfg, app.Stores{}, app.Options{
		Clock:  clock,
		Random: lottery.NewSequenceSource(draws...),
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() { _ = application.Stop(ctx) })

	return &fixture{
		t:     t,
		app:   application,
		clock: clock,
		handler: NewHandler(application, Options{
			JWTSecret: testSecret,
			Issuer:    testIssuer,
			AccessLog: zerolog.Nop(),
		}),
	}
}

func (f *fixture) do(method, path, identity string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if identity != "" {
		token, err := middleware.IssueToken(testSecret, testIssuer, identity, time.Hour)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) buy(identity string, quantity int) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/rounds/current/tickets", identity, map[string]any{
		"quantity": quantity,
		"paid":     int64(quantity) * lottery.DefaultTicketPrice,
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRoundLifecycle(t *testing.T) {
	f := newFixture(t, 0, 2)

	rec := f.do(http.MethodPost, "/rounds", testAdmin, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	round := decode[lottery.Round](t, rec)
	assert.Equal(t, int64(1), round.ID)

	f.buy("alice", 2)
	f.buy("bob", 1)

	rec = f.do(http.MethodGet, "/rounds/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusResponse](t, rec)
	assert.True(t, status.Active)
	assert.Equal(t, 2, status.UniqueCount)
	assert.Equal(t, 3, status.EntryCount)
	assert.Equal(t, 3*lottery.DefaultTicketPrice, status.Pool)
	assert.Equal(t, float64(300), status.RemainingSeconds)

	rec = f.do(http.MethodGet, "/rounds/current/entries", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"round_id":1,"entries":["alice","alice","bob"]}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/rounds/current/settle", "carol", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.clock.Advance(lottery.DefaultRoundDuration)
	rec = f.do(http.MethodPost, "/rounds/current/settle", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[lottery.Outcome](t, rec)
	assert.Equal(t, lottery.OutcomeSettled, out.Kind)
	assert.Equal(t, []string{"alice", "bob"}, out.Winners())
	assert.Equal(t, []int64{17_100_000, 11_400_000}, out.Prizes())
	assert.Equal(t, int64(1_500_000), out.Fee)
	assert.Equal(t, "carol", out.SettledBy)

	rec = f.do(http.MethodGet, "/rounds/last", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[lottery.Outcome](t, rec).RoundID)

	rec = f.do(http.MethodGet, "/history/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, out.Payouts, decode[lottery.Outcome](t, rec).Payouts)

	rec = f.do(http.MethodGet, "/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]lottery.Outcome](t, rec), 1)

	rec = f.do(http.MethodGet, "/participants/alice?round=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"identity":"alice","round_id":1,"count":2,"joined":true}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/balances/alice", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[balanceResponse](t, rec)
	assert.Equal(t, int64(17_100_000), bal.Balance)
	require.Len(t, bal.Transactions, 2)
	assert.Equal(t, "alice", bal.Transactions[0].Counterparty)

	rec = f.do(http.MethodGet, "/balances/operator", testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1_500_000), decode[balanceResponse](t, rec).Balance)
}

func TestRefundedRound(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/rounds", testAdmin, nil).Code)
	f.buy("alice", 3)
	f.clock.Advance(lottery.DefaultRoundDuration)

	rec := f.do(http.MethodPost, "/rounds/current/settle", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[lottery.Outcome](t, rec)
	assert.Equal(t, lottery.OutcomeRefunded, out.Kind)
	assert.Equal(t, 3*lottery.DefaultTicketPrice, out.TotalRefunded)
	assert.Empty(t, out.Payouts)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/rounds", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/rounds/current/tickets", "alice", map[string]any{"quantity": 1, "paid": lottery.DefaultTicketPrice})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/rounds", testAdmin, nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/rounds", testAdmin, nil).Code)

	rec = f.do(http.MethodPost, "/rounds/current/tickets", "alice", map[string]any{"quantity": 0, "paid": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/rounds/current/tickets", "alice", map[string]any{"quantity": 1, "paid": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), lottery.ErrPaymentMismatch.Error())

	rec = f.do(http.MethodPost, "/rounds/current/tickets", "alice", map[string]any{
		"quantity": lottery.DefaultPerAddressCap + 1,
		"paid":     int64(lottery.DefaultPerAddressCap+1) * lottery.DefaultTicketPrice,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/rounds/current/tickets", "alice", map[string]any{"quantity": 1, "paid": 1, "tip": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/deposits", "alice", map[string]any{"amount": 100})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/rounds/last", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/history/9", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/history/zero", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/history?limit=-1", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/participants/alice?round=x", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/balances/alice", "bob", nil).Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/rounds", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/rounds", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Read-only routes stay public.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/rounds/current", "", nil).Code)
}

func TestPurchaseRateLimit(t *testing.T) {
	f := newFixture(t)
	f.handler = NewHandler(f.app, Options{
		JWTSecret:     testSecret,
		Issuer:        testIssuer,
		PurchaseRate:  0.001,
		PurchaseBurst: 1,
		AccessLog:     zerolog.Nop(),
	})
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/rounds", testAdmin, nil).Code)

	f.buy("alice", 1)
	rec := f.do(http.MethodPost, "/rounds/current/tickets", "alice", map[string]any{"quantity": 1, "paid": lottery.DefaultTicketPrice})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Limits are per identity.
	f.buy("bob", 1)
}

func TestTraceHeaderEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/rounds/current", nil)
	req.Header.Set(middleware.TraceHeader, "trace-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(middleware.TraceHeader))
}

func TestOpsHandler(t *testing.T) {
	f := newFixture(t)
	ops := NewOpsHandler(f.app, nil)

	rec := httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["active"])

	// Drive one request through the instrumented API so the HTTP series exist.
	f.do(http.MethodGet, "/rounds/current", "", nil)
	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lottery_")
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("connection refused") }

func TestOpsHandler_DatabaseDown(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	NewOpsHandler(f.app, failingPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		lottery.ErrUnauthorized:                            http.StatusForbidden,
		lottery.ErrNotEnded:                                http.StatusConflict,
		fmt.Errorf("wrap: %w", lottery.ErrArchiveConflict): http.StatusConflict,
		lottery.ErrCapExceeded:                             http.StatusBadRequest,
		lottery.ErrTransferFailed:                          http.StatusBadGateway,
		lottery.ErrOutcomeNotFound:                         http.StatusNotFound,
		errors.New("boom"):                                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
