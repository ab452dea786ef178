package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinichq/clinic-backend/internal/pharmacy/service"
	"github.com/clinichq/clinic-backend/pkg/httputil"
	"github.com/clinichq/clinic-backend/pkg/logger"
)

// BatchHandler handles batch receiving, quarantine, and expiry endpoints
type BatchHandler struct {
	receiving *service.ReceivingService
	reporting *service.ReportingService
	logger    *logger.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(receiving *service.ReceivingService, reporting *service.ReportingService, log *logger.Logger) *BatchHandler {
	return &BatchHandler{
		receiving: receiving,
		reporting: reporting,
		logger:    log,
	}
}

// Receive books an incoming delivery
func (h *BatchHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var input service.ReceiveBatchInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.receiving.ReceiveBatch(r.Context(), input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

// Quarantine pulls a batch from circulation
func (h *BatchHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req quarantineRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.receiving.QuarantineBatch(r.Context(), id, req.Reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// ReleaseQuarantine returns a quarantined batch to circulation
func (h *BatchHandler) ReleaseQuarantine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req quarantineRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.receiving.ReleaseBatchQuarantine(r.Context(), id, req.Reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// Expiring lists usable batches expiring within the window, optionally
// narrowed to one clinic's stock
func (h *BatchHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	days := httputil.QueryInt(r, "days", service.DefaultExpiryWindowDays)

	batches, err := h.reporting.ExpiringBatches(r.Context(), days, r.URL.Query().Get("clinic_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// Expired lists batches past expiry that still carry stock, optionally
// narrowed to one clinic's stock
func (h *BatchHandler) Expired(w http.ResponseWriter, r *http.Request) {
	batches, err := h.reporting.ExpiredBatches(r.Context(), r.URL.Query().Get("clinic_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// Valuation totals the purchase value of remaining stock
func (h *BatchHandler) Valuation(w http.ResponseWriter, r *http.Request) {
	report, err := h.reporting.StockValuation(r.Context(), r.URL.Query().Get("drug_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}
