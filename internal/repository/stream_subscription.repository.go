package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/kis-gateway/internal/entity"
)

type StreamSubscriptionRepository struct {
	db *sqlx.DB
}

func NewStreamSubscriptionRepository(db *sqlx.DB) *StreamSubscriptionRepository {
	return &StreamSubscriptionRepository{db: db}
}

// GetActive lists the subscriptions to open at boot, oldest first.
func (r *StreamSubscriptionRepository) GetActive(ctx context.Context) ([]entity.StreamSubscription, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id", "symbol", "kind", "description", "active", "created_at", "updated_at").
		From(entity.StreamSubscription{}.TableName()).
		Where(sq.Eq{"active": true}).
		OrderBy("created_at asc").
		ToSql()
	if err != nil {
		return nil, err
	}

	var subscriptions []entity.StreamSubscription
	err = r.db.SelectContext(ctx, &subscriptions, query, args...)
	return subscriptions, err
}
