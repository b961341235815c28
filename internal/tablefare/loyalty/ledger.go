package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

// pointsTTL is how long earned points live before the expiration job may
// reclaim them.
const pointsTTL = 365 * 24 * time.Hour

// detailTransactionLimit caps the history returned with account details
const detailTransactionLimit = 50

// Store is the persistence surface the ledger needs. Implemented by
// repository.PostgresRepository.
type Store interface {
	GetAccountByUserID(ctx context.Context, userID int64) (*models.LoyaltyAccount, error)
	CreateAccount(ctx context.Context, userID int64) (*models.LoyaltyAccount, error)
	ApplyLoyaltyEntry(ctx context.Context, userID int64, entry *models.LoyaltyTransaction, balanceDelta, lifetimeDelta int64) (*models.LoyaltyAccount, error)
	ExpirableTransactions(ctx context.Context, cutoff, now time.Time) ([]models.LoyaltyTransaction, error)
	ExpireLoyaltyTransaction(ctx context.Context, source models.LoyaltyTransaction) (int64, error)
	AccountTransactions(ctx context.Context, accountID int64, limit int) ([]models.LoyaltyTransaction, error)
	ActiveRules(ctx context.Context) ([]models.LoyaltyRule, error)
	LoyaltyStats(ctx context.Context) (*models.LoyaltyStats, error)
}

// Service owns loyalty accounts and their append-only transaction ledger.
// Every mutation couples the ledger insert with the balance update in one
// store transaction, so the running sum of transactions always equals the
// cached balance.
type Service struct {
	store Store
}

// NewService creates a ledger service over the given store
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetOrCreateAccount returns the user's account, creating it lazily on first
// use. Safe under concurrent first calls.
func (s *Service) GetOrCreateAccount(ctx context.Context, userID int64) (*models.LoyaltyAccount, error) {
	account, err := s.store.GetAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	account, err = s.store.CreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	slog.Info("created loyalty account", "user_id", userID)
	return account, nil
}

// EarnPoints awards points for a paid order according to the active rules.
// When the award comes out to zero the account is returned unchanged and no
// ledger row is written.
func (s *Service) EarnPoints(ctx context.Context, userID, orderID int64, orderAmount money.Money) (*models.LoyaltyAccount, error) {
	if orderAmount.IsNegative() {
		return nil, apperr.New(apperr.KindInvalidArgument, "order amount must not be negative").
			With("order_amount", orderAmount.String())
	}

	account, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	rules, err := s.store.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	points := CalculatePointsEarned(orderAmount, rules)
	if points <= 0 {
		slog.Info("no points to award", "user_id", userID, "order_id", orderID)
		return account, nil
	}

	expiresAt := time.Now().Add(pointsTTL)
	entry := &models.LoyaltyTransaction{
		Type:        models.TransactionEarn,
		Points:      points,
		OrderID:     &orderID,
		Description: fmt.Sprintf("Earned %d points from order", points),
		ExpiresAt:   &expiresAt,
	}

	updated, err := s.store.ApplyLoyaltyEntry(ctx, userID, entry, points, points)
	if err != nil {
		return nil, err
	}

	slog.Info("loyalty points earned", "user_id", userID, "order_id", orderID, "points", points, "tier", updated.Tier)
	return updated, nil
}

// RedeemPoints exchanges points for an order discount at the standard rate.
// Lifetime points and tier are untouched by redemption.
func (s *Service) RedeemPoints(ctx context.Context, userID, orderID, points int64) (*models.LoyaltyAccount, money.Money, error) {
	if points <= 0 {
		return nil, money.Zero(), apperr.New(apperr.KindInvalidArgument, "points to redeem must be greater than 0").
			With("points", points)
	}

	if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
		return nil, money.Zero(), err
	}

	discount := DiscountForPoints(points)
	entry := &models.LoyaltyTransaction{
		Type:        models.TransactionRedeem,
		Points:      -points,
		OrderID:     &orderID,
		Description: fmt.Sprintf("Redeemed %d points for %s discount", points, discount.String()),
	}

	updated, err := s.store.ApplyLoyaltyEntry(ctx, userID, entry, -points, 0)
	if err != nil {
		return nil, money.Zero(), err
	}

	slog.Info("loyalty points redeemed", "user_id", userID, "order_id", orderID, "points", points, "discount", discount.String())
	return updated, discount, nil
}

// AwardBonusPoints credits promotional points (referrals, campaigns).
// Both balance and lifetime total move.
func (s *Service) AwardBonusPoints(ctx context.Context, userID, points int64, description string) (*models.LoyaltyAccount, error) {
	if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
		return nil, err
	}

	entry := &models.LoyaltyTransaction{
		Type:        models.TransactionBonus,
		Points:      points,
		Description: description,
	}

	updated, err := s.store.ApplyLoyaltyEntry(ctx, userID, entry, points, points)
	if err != nil {
		return nil, err
	}

	slog.Info("bonus points awarded", "user_id", userID, "points", points, "description", description)
	return updated, nil
}

// AdjustPoints applies an admin correction. Negative adjustments lower the
// balance but never the lifetime total: tier reflects historical earning and
// is not erodible by corrections. This asymmetry is policy, not an accident.
func (s *Service) AdjustPoints(ctx context.Context, userID, points int64, reason string) (*models.LoyaltyAccount, error) {
	if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
		return nil, err
	}

	lifetimeDelta := points
	if lifetimeDelta < 0 {
		lifetimeDelta = 0
	}

	entry := &models.LoyaltyTransaction{
		Type:        models.TransactionAdjustment,
		Points:      points,
		Description: "Manual adjustment: " + reason,
	}

	updated, err := s.store.ApplyLoyaltyEntry(ctx, userID, entry, points, lifetimeDelta)
	if err != nil {
		return nil, err
	}

	slog.Info("points adjusted", "user_id", userID, "points", points, "reason", reason)
	return updated, nil
}

// ExpirePoints reclaims points from EARN transactions older than a year whose
// expiry has passed. Idempotent: each EARN transaction is consumed at most
// once, so re-running the job never double-expires. Returns the number of
// transactions processed.
func (s *Service) ExpirePoints(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.AddDate(-1, 0, 0)

	candidates, err := s.store.ExpirableTransactions(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs []error
	for _, candidate := range candidates {
		expired, err := s.store.ExpireLoyaltyTransaction(ctx, candidate)
		if err != nil {
			slog.Error("failed to expire loyalty transaction", "transaction_id", candidate.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		processed++
		slog.Info("loyalty points expired", "transaction_id", candidate.ID, "account_id", candidate.AccountID, "points", expired)
	}

	slog.Info("expiration job finished", "candidates", len(candidates), "processed", processed)
	return processed, errors.Join(errs...)
}

// GetAccountDetails returns the account with its recent transactions and a
// currency rendering of the balance. Read-only.
func (s *Service) GetAccountDetails(ctx context.Context, userID int64) (*models.AccountDetails, error) {
	account, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	transactions, err := s.store.AccountTransactions(ctx, account.ID, detailTransactionLimit)
	if err != nil {
		return nil, err
	}

	return &models.AccountDetails{
		Account:      account,
		Transactions: transactions,
		PointsValue:  DiscountForPoints(account.PointsBalance).String(),
	}, nil
}

// GetLoyaltyStats returns program-wide aggregates for reporting. Read-only.
func (s *Service) GetLoyaltyStats(ctx context.Context) (*models.LoyaltyStats, error) {
	return s.store.LoyaltyStats(ctx)
}
