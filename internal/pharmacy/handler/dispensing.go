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

// DispensingHandler handles dispensing endpoints
type DispensingHandler struct {
	service *service.DispensingService
	logger  *logger.Logger
}

// NewDispensingHandler creates a new dispensing handler
func NewDispensingHandler(svc *service.DispensingService, log *logger.Logger) *DispensingHandler {
	return &DispensingHandler{
		service: svc,
		logger:  log,
	}
}

// Dispense records medication handed to a patient
func (h *DispensingHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	var input service.DispenseInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	input.ClinicID = clinicID
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.service.Dispense(r.Context(), input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// Get returns one dispensing record
func (h *DispensingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, record)
}

// List returns dispensing history for a clinic
func (h *DispensingHandler) List(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")

	filter := repository.DispensingFilter{
		ClinicID:  clinicID,
		PatientID: r.URL.Query().Get("patient_id"),
		DrugID:    r.URL.Query().Get("drug_id"),
		Limit:     httputil.QueryInt(r, "limit", 50),
		Offset:    httputil.QueryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}

	records, total, err := h.service.ListRecords(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, records, &httputil.Meta{
		Limit:  filter.Limit,
		Offset: filter.Offset,
		Total:  int64(total),
	})
}
