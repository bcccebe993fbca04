package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bookpay/internal/config"
	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/export"
	"bookpay/internal/metrics"
	"bookpay/internal/service"
)

// HTTPServer exposes the booking and payment API plus the unauthenticated
// PayWay return endpoints.
type HTTPServer struct {
	cfg          *config.APIConfig
	orchestrator *service.Orchestrator
	reconciler   *service.Reconciler
	exporter     *export.Exporter
	auth         *HTTPAuth
	server       *http.Server
	logger       zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, orchestrator *service.Orchestrator,
	reconciler *service.Reconciler, exporter *export.Exporter,
	limitStore domain.CheckoutCache, logger zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:          cfg,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		exporter:     exporter,
		auth:         NewHTTPAuth(cfg, limitStore),
		logger:       logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/bookings", srv.handleCreateBooking)
	mux.HandleFunc("/api/v1/bookings/", srv.handleBookingAction)
	mux.HandleFunc("/api/v1/payments/", srv.handlePaymentStatus)
	mux.HandleFunc("/api/v1/export/bookings", srv.handleExport)
	mux.HandleFunc("/api/v1/payway/return", srv.handlePayWayReturn)
	mux.HandleFunc("/api/v1/payway/cancel", srv.handlePayWayCancel)
	mux.HandleFunc("/healthz", srv.handleHealth)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the full middleware chain for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	callerID, err := s.auth.callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req service.CreateBookingRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = callerID

	result, err := s.orchestrator.CreateBooking(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleBookingAction dispatches /api/v1/bookings/{id}/cancel and
// /api/v1/bookings/{id}/payments.
func (s *HTTPServer) handleBookingAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/bookings/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	bookingID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || bookingID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}

	callerID, err := s.auth.callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch parts[1] {
	case "cancel":
		if err := s.orchestrator.CancelBooking(r.Context(), bookingID, callerID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

	case "payments":
		var opts service.RetryOptions
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		result, err := s.orchestrator.RetryPayment(r.Context(), bookingID, callerID, opts)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/payments/"
	tranID := strings.TrimPrefix(r.URL.Path, prefix)
	if tranID == "" || strings.Contains(tranID, "/") {
		writeError(w, http.StatusBadRequest, "tran_id is required")
		return
	}

	callerID, err := s.auth.callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.reconciler.GetPaymentStatus(r.Context(), tranID, callerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	from, err := parseDateParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseDateParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	data, err := s.exporter.BookingsXLSX(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	fileName := fmt.Sprintf("bookings_%s_to_%s.xlsx",
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	w.Header().Set("Content-Type",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handlePayWayReturn accepts the gateway's server-to-server notification.
// PayWay posts both urlencoded forms and JSON depending on checkout type.
func (s *HTTPServer) handlePayWayReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	n, err := decodeReturnNotification(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reconciler.HandleReturn(r.Context(), n); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Неизвестный tran_id подтверждаем, чтобы шлюз не ретраил вечно.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *HTTPServer) handlePayWayCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	n, err := decodeReturnNotification(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reconciler.HandleCancel(r.Context(), n.TranID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeReturnNotification(r *http.Request) (*service.ReturnNotification, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var n service.ReturnNotification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			return nil, fmt.Errorf("invalid JSON body")
		}
		if n.TranID == "" {
			return nil, fmt.Errorf("tran_id is required")
		}
		return &n, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body")
	}
	tranID := strings.TrimSpace(r.PostFormValue("tran_id"))
	if tranID == "" {
		return nil, fmt.Errorf("tran_id is required")
	}
	return &service.ReturnNotification{
		TranID:  tranID,
		Status:  strings.TrimSpace(r.PostFormValue("status")),
		Voucher: strings.TrimSpace(r.PostFormValue("apv")),
		Raw:     r.PostForm.Encode(),
	}, nil
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s format; expected YYYY-MM-DD", name)
	}
	return t, nil
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *service.ValidationError
		conflictErr   *database.ConflictError
		gatewayErr    *service.GatewayError
	)

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "inventory conflict",
			"units": conflictErr.Units,
		})
	case errors.Is(err, database.ErrInventoryConflict):
		writeError(w, http.StatusConflict, "inventory conflict")
	case errors.Is(err, service.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &gatewayErr):
		writeError(w, http.StatusBadGateway, "payment gateway unavailable")
	default:
		s.logger.Error().Err(err).Msg("Internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		dur := time.Since(start)

		metrics.IncHTTP(endpointLabel(r.URL.Path))
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", dur).
			Msg("http request")
	})
}

// endpointLabel collapses ids out of paths to keep metric cardinality flat.
func endpointLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/bookings/"):
		if strings.HasSuffix(path, "/cancel") {
			return "/api/v1/bookings/{id}/cancel"
		}
		return "/api/v1/bookings/{id}/payments"
	case strings.HasPrefix(path, "/api/v1/payments/"):
		return "/api/v1/payments/{tran_id}"
	default:
		return path
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
