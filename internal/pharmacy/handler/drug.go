package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/internal/pharmacy/service"
	"github.com/clinichq/clinic-backend/pkg/httputil"
	"github.com/clinichq/clinic-backend/pkg/logger"
)

// DrugHandler handles drug catalogue endpoints
type DrugHandler struct {
	service *service.CatalogueService
	logger  *logger.Logger
}

// NewDrugHandler creates a new drug handler
func NewDrugHandler(svc *service.CatalogueService, log *logger.Logger) *DrugHandler {
	return &DrugHandler{
		service: svc,
		logger:  log,
	}
}

// List lists catalogue drugs
func (h *DrugHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repository.DrugFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  httputil.QueryInt(r, "limit", 50),
		Offset: httputil.QueryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("is_controlled"); v != "" {
		b := v == "true"
		filter.IsControlled = &b
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		b := v == "true"
		filter.IsActive = &b
	}

	drugs, total, err := h.service.ListDrugs(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, drugs, &httputil.Meta{
		Limit:  filter.Limit,
		Offset: filter.Offset,
		Total:  int64(total),
	})
}

// Get gets a drug with its batches
func (h *DrugHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	drug, batches, err := h.service.GetDrug(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"drug":    drug,
		"batches": batches,
	})
}

// Create adds a drug to the catalogue
func (h *DrugHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input service.DrugInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	drug, err := h.service.CreateDrug(r.Context(), input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, drug)
}

// Update updates a drug
func (h *DrugHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input service.DrugInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	drug, err := h.service.UpdateDrug(r.Context(), id, input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// Delete soft-deletes a drug
func (h *DrugHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.DeleteDrug(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}
