package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/internal/pharmacy/service"
	"github.com/clinichq/clinic-backend/pkg/httputil"
	"github.com/clinichq/clinic-backend/pkg/logger"
)

// StockHandler handles clinic stock and ledger endpoints
type StockHandler struct {
	ledger    *service.LedgerService
	reporting *service.ReportingService
	logger    *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(ledger *service.LedgerService, reporting *service.ReportingService, log *logger.Logger) *StockHandler {
	return &StockHandler{
		ledger:    ledger,
		reporting: reporting,
		logger:    log,
	}
}

// Overview returns a clinic's stock grouped by drug
func (h *StockHandler) Overview(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	filter := repository.StockOverviewFilter{
		DrugID:      r.URL.Query().Get("drug_id"),
		Search:      r.URL.Query().Get("search"),
		IncludeZero: httputil.QueryBool(r, "include_zero"),
	}

	rows, err := h.reporting.StockOverview(r.Context(), clinicID, filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rows)
}

// Lines returns a page of the clinic's raw inventory lines
func (h *StockHandler) Lines(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	limit := httputil.QueryInt(r, "limit", 50)
	offset := httputil.QueryInt(r, "offset", 0)

	lines, total, err := h.reporting.ListInventoryLines(r.Context(), clinicID, limit, offset,
		httputil.QueryBool(r, "include_zero"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, lines, &httputil.Meta{
		Limit:  limit,
		Offset: offset,
		Total:  int64(total),
	})
}

// UpdateQuantity applies a signed quantity change to a clinic's ledger
func (h *StockHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var input service.QuantityChangeInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	input.ClinicID = clinicID
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	entry, err := h.ledger.UpdateQuantity(r.Context(), input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, entry)
}

type reservationRequest struct {
	DrugID   string `json:"drug_id" validate:"required,uuid"`
	BatchID  string `json:"batch_id" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
}

// Reserve holds stock for a prescription
func (h *StockHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var req reservationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	line, err := h.ledger.ReserveQuantity(r.Context(), clinicID, req.DrugID, req.BatchID, req.Quantity)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, line)
}

// Release returns held stock to the available pool
func (h *StockHandler) Release(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var req reservationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	line, err := h.ledger.ReleaseReservedQuantity(r.Context(), clinicID, req.DrugID, req.BatchID, req.Quantity)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, line)
}

// StockCount reconciles a physical count against the ledger
func (h *StockHandler) StockCount(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var input service.StockCountInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	input.ClinicID = clinicID
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.ledger.PerformStockCount(r.Context(), input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Transactions returns a clinic's ledger history
func (h *StockHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	filter := repository.TransactionFilter{
		ClinicID: clinicID,
		DrugID:   r.URL.Query().Get("drug_id"),
		BatchID:  r.URL.Query().Get("batch_id"),
		Type:     r.URL.Query().Get("type"),
		Limit:    httputil.QueryInt(r, "limit", 50),
		Offset:   httputil.QueryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			filter.From = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			filter.To = &t
		}
	}

	entries, total, err := h.ledger.GetTransactions(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, &httputil.Meta{
		Limit:  filter.Limit,
		Offset: filter.Offset,
		Total:  int64(total),
	})
}

// TransactionsByReference returns ledger entries caused by one source record
func (h *StockHandler) TransactionsByReference(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	refType := chi.URLParam(r, "refType")
	refID := chi.URLParam(r, "refID")

	entries, err := h.ledger.GetTransactionsByReference(r.Context(), clinicID, refType, refID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entries)
}

// Line returns one clinic inventory line
func (h *StockHandler) Line(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	drugID := r.URL.Query().Get("drug_id")
	batchID := r.URL.Query().Get("batch_id")

	line, err := h.reporting.GetInventoryLine(r.Context(), clinicID, drugID, batchID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, line)
}
