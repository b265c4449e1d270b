package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/retailcore/fulfillment/internal/platform/httpx"
	"github.com/retailcore/fulfillment/internal/services"
)

// InternalHandlers exposes operator-only endpoints under /internal.
type InternalHandlers struct {
	reconciler services.ReconcilerService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(reconciler services.ReconcilerService) *InternalHandlers {
	return &InternalHandlers{reconciler: reconciler}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reconciliation:run", h.runReconciliation)
}

type reconcileReportPayload struct {
	Scanned   int `json:"scanned"`
	Confirmed int `json:"confirmed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (h *InternalHandlers) runReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciler_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}

	report, err := h.reconciler.RunOnce(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_failed", "reconciliation run failed", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, reconcileReportPayload{
		Scanned:   report.Scanned,
		Confirmed: report.Confirmed,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
	})
}
