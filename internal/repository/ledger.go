package repository

import (
	"context"
	"fmt"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

// DeliveryLedgerRepo remembers which metric events were already applied.
type DeliveryLedgerRepo struct {
	store
}

func NewDeliveryLedgerRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *DeliveryLedgerRepo {
	return &DeliveryLedgerRepo{store: newStore(db, trManager, logger.Component("repository/delivery_ledger"))}
}

// MarkProcessed records key and reports whether this is its first delivery.
// Call it in the same transaction as the mutation it guards.
func (r *DeliveryLedgerRepo) MarkProcessed(ctx context.Context, key string, kind domain.MetricKind) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO processed_metric_events (delivery_key, kind)
		VALUES ($1, $2)
		ON CONFLICT (delivery_key) DO NOTHING`, key, string(kind))
	if err != nil {
		return false, fmt.Errorf("mark delivery processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
