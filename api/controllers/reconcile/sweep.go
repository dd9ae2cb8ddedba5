package reconcile

import (
	"context"
	"net/http"

	"github.com/residenza/backoffice/api/responses"
	internalreconcile "github.com/residenza/backoffice/internal/reconcile"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
)

type sweeper interface {
	Sweep(ctx context.Context) (*internalreconcile.SweepReport, error)
}

// Sweep runs an on-demand reconciliation pass over stale orders. Per-order
// failures are reported in the summary rather than failing the request.
func Sweep(svc sweeper, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconcile engine unavailable"))
			return
		}
		report, err := svc.Sweep(r.Context())
		if report == nil {
			if err == nil {
				err = pkgerrors.New(pkgerrors.CodeInternal, "sweep returned no report")
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err != nil && logg != nil {
			logg.Warn(logg.WithField(r.Context(), "errors", report.Errors), "manual sweep finished with errors")
		}
		responses.WriteSuccess(w, report)
	}
}
