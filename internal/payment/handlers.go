package payment

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/store"
)

// PoolTxRunner builds a TxRunner backed by a pgx connection pool.
func PoolTxRunner(pool *pgxpool.Pool, base *store.Store) TxRunner {
	return func(ctx context.Context, fn func(Store) error) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()
		if err := fn(base.WithTx(tx)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
}

// Handler exposes the authenticated payment endpoints.
type Handler struct {
	Service *Service
}

// CreateIntent handles POST /api/v1/batches/{batchID}/payments.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	intent, err := h.Service.CreateIntent(r.Context(), schoolID, chi.URLParam(r, "batchID"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": intent})
}

// Status handles GET /api/v1/batches/{batchID}/payments/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	schoolID, ok := common.SchoolID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	status, err := h.Service.Status(r.Context(), schoolID, chi.URLParam(r, "batchID"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"status": status}})
}
