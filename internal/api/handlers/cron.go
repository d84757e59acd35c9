package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rewritely/internal/core"
	"rewritely/internal/types"
)

// SchedulerRunner runs one recurring billing pass.
type SchedulerRunner interface {
	RunOnce(ctx context.Context) (types.RunReport, error)
}

// CronHandler exposes the bearer-protected scheduler trigger for the
// external time-based invoker. The same pass also runs on a ticker in the
// billing worker; double invocation is safe because due rows are claimed
// with skip-locks.
type CronHandler struct {
	scheduler  SchedulerRunner
	cronSecret types.SecretString
	logger     *slog.Logger
}

// NewCronHandler creates the scheduler trigger handler.
func NewCronHandler(scheduler SchedulerRunner, cronSecret types.SecretString, logger *slog.Logger) *CronHandler {
	return &CronHandler{scheduler: scheduler, cronSecret: cronSecret, logger: logger}
}

// RegisterRoutes mounts the trigger endpoint with its bearer guard. It is
// registered on the root router, outside the /v1 namespace.
func (h *CronHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(core.BearerAuth(h.cronSecret))
		r.Post("/internal/cron/bill-due", h.HandleBillDue)
	})
}

// HandleBillDue implements POST /internal/cron/bill-due.
func (h *CronHandler) HandleBillDue(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}
