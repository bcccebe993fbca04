package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/config"
	"bookpay/internal/events"
	"bookpay/internal/export"
	"bookpay/internal/models"
	"bookpay/internal/payway"
	"bookpay/internal/repository"
	"bookpay/internal/service"
)

type stubGateway struct {
	mu      sync.Mutex
	lastReq *payway.PurchaseRequest
	err     error
}

func (g *stubGateway) Purchase(ctx context.Context, req *payway.PurchaseRequest) (*payway.CheckoutResponse, error) {
	g.mu.Lock()
	g.lastReq = req
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &payway.CheckoutResponse{
		Status:      payway.CheckoutStatus{Code: payway.StatusSuccess, Message: "Success"},
		CheckoutURL: "https://checkout.example.com/session/abc",
	}, nil
}

func (g *stubGateway) last() *payway.PurchaseRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReq
}

type apiFixture struct {
	handler http.Handler
	ledger  *repository.MemoryLedger
	gateway *stubGateway
}

func defaultAPIConfig() *config.APIConfig {
	return &config.APIConfig{
		Port:         8080,
		CallerHeader: "X-User-ID",
	}
}

func newTestServer(t *testing.T, cfg *config.APIConfig) *apiFixture {
	t.Helper()

	logger := zerolog.Nop()
	ledger := repository.NewMemoryLedger()
	gateway := &stubGateway{}
	cache := repository.NewMemoryCheckoutCache(time.Minute)

	orchestrator := service.NewOrchestrator(ledger, gateway, events.NewEventBus(), cache,
		service.GatewayParams{ReturnURL: "https://example.com/return", CancelURL: "https://example.com/cancel"},
		30*time.Minute, &logger)
	reconciler := service.NewReconciler(ledger, events.NewEventBus(), nil, cache, &logger)
	exporter := export.NewExporter(ledger)

	srv := NewHTTPServer(cfg, orchestrator, reconciler, exporter, cache, logger)
	return &apiFixture{handler: srv.Handler(), ledger: ledger, gateway: gateway}
}

func seatBookingBody(seatIDs []int64) map[string]any {
	return map[string]any{
		"first_name": "Sok",
		"last_name":  "Chan",
		"email":      "sok.chan@example.com",
		"phone":      "+85512345678",
		"currency":   "USD",
		"items": []map[string]any{{
			"kind":        models.KindBusSeat,
			"unit_ids":    seatIDs,
			"quantity":    len(seatIDs),
			"unit_price":  1000,
			"schedule_id": 9001,
		}},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createBooking(t *testing.T, f *apiFixture, userID string, seatIDs []int64) *service.CheckoutResult {
	t.Helper()
	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", userID, seatBookingBody(seatIDs))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result service.CheckoutResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return &result
}

func TestCreateBooking_EndToEnd(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	result := createBooking(t, f, "42", []int64{301, 302})

	assert.Equal(t, models.StatusPending, result.Booking.Status)
	assert.Equal(t, int64(42), result.Booking.UserID)
	assert.Equal(t, int64(2000), result.Booking.TotalAmount)
	assert.Equal(t, models.PaymentPending, result.Payment.Status)
	assert.Equal(t, "https://checkout.example.com/session/abc", result.Checkout.CheckoutURL)

	// Two seats at $10.00 were quoted to the gateway as one amount.
	require.NotNil(t, f.gateway.last())
	assert.Equal(t, "20.00", f.gateway.last().Amount)
}

func TestCreateBooking_MissingCallerHeader(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "", seatBookingBody([]int64{301}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBooking_UnknownField(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	body := seatBookingBody([]int64{301})
	body["not_a_field"] = true
	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBooking_ValidationError(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	body := seatBookingBody([]int64{301})
	body["first_name"] = ""
	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBooking_InventoryConflict(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	createBooking(t, f, "42", []int64{301})

	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "43", seatBookingBody([]int64{301}))
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Error string  `json:"error"`
		Units []int64 `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inventory conflict", resp.Error)
	assert.Equal(t, []int64{301}, resp.Units)
}

func TestCreateBooking_GatewayDown(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	f.gateway.err = errors.New("connection refused")

	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", seatBookingBody([]int64{301}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCancelBooking(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	path := fmt.Sprintf("/api/v1/bookings/%d/cancel", result.Booking.ID)

	rec := doJSON(t, f.handler, http.MethodPost, path, "42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"cancelled"}`, rec.Body.String())

	// Cancel is not idempotent at the API level.
	rec = doJSON(t, f.handler, http.MethodPost, path, "42", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelBooking_WrongOwner(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	rec := doJSON(t, f.handler, http.MethodPost,
		fmt.Sprintf("/api/v1/bookings/%d/cancel", result.Booking.ID), "99", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRetryPayment(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	rec := doJSON(t, f.handler, http.MethodPost,
		fmt.Sprintf("/api/v1/bookings/%d/payments", result.Booking.ID), "42", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var retried service.CheckoutResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	assert.NotEqual(t, result.Payment.TranID, retried.Payment.TranID)
	assert.Equal(t, result.Booking.ID, retried.Booking.ID)
}

func TestRetryPayment_UnknownBooking(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings/999/payments", "42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentStatus(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	path := "/api/v1/payments/" + result.Payment.TranID

	rec := doJSON(t, f.handler, http.MethodGet, path, "42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status service.PaymentStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.PaymentPending, status.Payment.Status)
	assert.Equal(t, models.StatusPending, status.BookingStatus)

	// Another caller may not see this payment, and unknown ids answer the same.
	rec = doJSON(t, f.handler, http.MethodGet, path, "99", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, f.handler, http.MethodGet, "/api/v1/payments/BK0UNKNOWN", "42", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func postForm(handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPayWayReturn_ConfirmsBooking(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	form := url.Values{}
	form.Set("tran_id", result.Payment.TranID)
	form.Set("status", payway.StatusSuccess)
	form.Set("apv", "APV123")

	// The gateway callback carries no API key or caller header.
	rec := postForm(f.handler, "/api/v1/payway/return", form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())

	booking, err := f.ledger.GetBooking(context.Background(), result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, booking.Status)
}

func TestPayWayReturn_JSONBody(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/payway/return", "",
		map[string]string{"tran_id": result.Payment.TranID, "status": payway.StatusSuccess})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	booking, err := f.ledger.GetBooking(context.Background(), result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, booking.Status)
}

func TestPayWayReturn_UnknownTranIsAcked(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	form := url.Values{}
	form.Set("tran_id", "BK0UNKNOWN")
	form.Set("status", payway.StatusSuccess)

	rec := postForm(f.handler, "/api/v1/payway/return", form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}

func TestPayWayReturn_MissingTranID(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	rec := postForm(f.handler, "/api/v1/payway/return", url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayWayCancel(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	result := createBooking(t, f, "42", []int64{301})

	form := url.Values{}
	form.Set("tran_id", result.Payment.TranID)

	rec := postForm(f.handler, "/api/v1/payway/cancel", form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	payment, err := f.ledger.GetPaymentByTranID(context.Background(), result.Payment.TranID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, payment.Status)
}

func TestAuth_APIKeys(t *testing.T) {
	cfg := defaultAPIConfig()
	cfg.Auth = config.APIAuthConfig{
		Enabled: true,
		APIKeys: []config.APIClientKey{
			{Key: "booking-key", Name: "booking-frontend", Permissions: []string{permWriteBookings}},
			{Key: "ops-key", Name: "ops", Permissions: nil},
		},
	}
	f := newTestServer(t, cfg)

	withKey := func(key string, body any) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "42")
		if key != "" {
			req.Header.Set("x-api-key", key)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, withKey("", seatBookingBody([]int64{301})).Code)
	assert.Equal(t, http.StatusUnauthorized, withKey("wrong-key", seatBookingBody([]int64{301})).Code)
	assert.Equal(t, http.StatusCreated, withKey("booking-key", seatBookingBody([]int64{302})).Code)

	// booking-key lacks read:payments.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/BK1AAAA", nil)
	req.Header.Set("x-api-key", "booking-key")
	req.Header.Set("X-User-ID", "42")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Empty permission list is allow-all.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/payments/BK0UNKNOWN", nil)
	req.Header.Set("x-api-key", "ops-key")
	req.Header.Set("X-User-ID", "42")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
	assert.NotEqual(t, http.StatusForbidden, rec.Code)

	// PayWay callbacks stay public even with auth on.
	form := url.Values{}
	form.Set("tran_id", "BK0UNKNOWN")
	form.Set("status", payway.StatusSuccess)
	assert.Equal(t, http.StatusOK, postForm(f.handler, "/api/v1/payway/return", form).Code)
}

func TestRateLimit(t *testing.T) {
	cfg := defaultAPIConfig()
	// Below one request per window, so the in-process token bucket applies.
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	f := newTestServer(t, cfg)

	first := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", seatBookingBody([]int64{301}))
	second := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", seatBookingBody([]int64{302}))
	third := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", seatBookingBody([]int64{303}))

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)

	// The window is per client key; health stays reachable.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_SharedWindow(t *testing.T) {
	cfg := defaultAPIConfig()
	// 0.05 rps over the 60s window is a shared allowance of 3 requests.
	// The token bucket with burst 1 would have rejected the second request,
	// so passing three proves the window store is the one consulted.
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.05, Burst: 1}
	f := newTestServer(t, cfg)

	for i, seat := range []int64{301, 302, 303} {
		rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", seatBookingBody([]int64{seat}))
		require.Equalf(t, http.StatusCreated, rec.Code, "request %d: %s", i+1, rec.Body.String())
	}

	rec := doJSON(t, f.handler, http.MethodPost, "/api/v1/bookings", "42", seatBookingBody([]int64{304}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestExportBookings(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())
	createBooking(t, f, "42", []int64{301})

	from := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	to := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")

	rec := doJSON(t, f.handler, http.MethodGet,
		"/api/v1/export/bookings?from="+from+"&to="+to, "42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestExportBookings_BadRange(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	rec := doJSON(t, f.handler, http.MethodGet, "/api/v1/export/bookings?from=2026-02-01&to=2026-01-01", "42", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.handler, http.MethodGet, "/api/v1/export/bookings?from=bad&to=2026-01-01", "42", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newTestServer(t, defaultAPIConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
