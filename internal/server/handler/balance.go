package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/middleware"
)

type BalanceReader interface {
	Balance(ctx context.Context, account domain.AccountID) (domain.Balance, error)
}

type BalanceHandler struct {
	ledger BalanceReader
	logger *slog.Logger
}

func NewBalanceHandler(ledger BalanceReader, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{ledger: ledger, logger: logger}
}

// GetBalance returns an account's credit balance; never-credited accounts
// read as zero. Any identified caller may read any balance.
// GET /api/balances/{account}
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireActor(r.Context()); err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}

	account, err := domain.ParseAccountID(pathParam(r, "account"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}

	b, err := h.ledger.Balance(r.Context(), account)
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
