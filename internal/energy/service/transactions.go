package service

import (
	"context"
	"strings"

	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	"github.com/smallbiznis/energyguard/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) GetUserTransactions(ctx context.Context, q energydomain.TransactionQuery) (energydomain.TransactionList, error) {
	userID, err := normalizeUserID(q.UserID)
	if err != nil {
		return energydomain.TransactionList{}, err
	}
	switch q.Kind {
	case "", energydomain.TransactionConsume, energydomain.TransactionRefund,
		energydomain.TransactionPurchase, energydomain.TransactionAdjustment:
	default:
		return energydomain.TransactionList{}, &energydomain.ValidationError{Field: "kind", Code: "unknown_kind", Message: "unknown transaction kind " + string(q.Kind)}
	}

	var cursor *energydomain.TransactionCursor
	if strings.TrimSpace(q.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(q.PageToken)
		if err != nil {
			return energydomain.TransactionList{}, energydomain.ErrInvalidPageToken
		}
		createdAt, err := decoded.CursorTime()
		if err != nil {
			return energydomain.TransactionList{}, energydomain.ErrInvalidPageToken
		}
		cursor = &energydomain.TransactionCursor{ID: decoded.ID, CreatedAt: createdAt}
	}

	limit := q.Limit()
	items, err := retry(ctx, s, "list_transactions", func() ([]*energydomain.Transaction, error) {
		return s.repo.ListTransactions(ctx, s.db, energydomain.TransactionFilter{
			UserID: userID,
			Kind:   q.Kind,
			Cursor: cursor,
			Limit:  limit,
		})
	})
	if err != nil {
		return energydomain.TransactionList{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPage(items, limit, func(item *energydomain.Transaction) pagination.Cursor {
		return pagination.NewCursor(item.ID, item.CreatedAt)
	})
	if err != nil {
		return energydomain.TransactionList{}, err
	}

	views := make([]energydomain.TransactionView, 0, len(items))
	for _, item := range items {
		views = append(views, energydomain.TransactionView{
			ID:           item.ID,
			Kind:         item.Kind,
			Amount:       energydomain.ToEnergy(item.Amount),
			ActionName:   item.ActionName,
			Reason:       item.Reason,
			BalanceAfter: energydomain.ToEnergy(item.BalanceAfter),
			Metadata:     item.Metadata,
			CreatedAt:    item.CreatedAt,
		})
	}
	return energydomain.TransactionList{PageInfo: pageInfo, Transactions: views}, nil
}

// DeleteAccount erases the ledger rows of a user and anonymizes their
// events. Used by the erasure workflow only.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.DeleteAccount(ctx, tx, userID)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)

	replacement := "deleted-" + s.newTransactionID()
	if _, err := s.events.AnonymizeUser(ctx, userID, replacement); err != nil {
		s.log.Warn("failed to anonymize events after account deletion", zap.Error(err))
		return err
	}
	return nil
}
