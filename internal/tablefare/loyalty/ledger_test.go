package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

// fakeStore is an in-memory Store that mirrors the repository's transactional
// contract: entry append and balance update happen together or not at all.
type fakeStore struct {
	accounts  map[int64]*models.LoyaltyAccount
	entries   []models.LoyaltyTransaction
	rules     []models.LoyaltyRule
	expirable []models.LoyaltyTransaction
	expireErr map[int64]error
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  make(map[int64]*models.LoyaltyAccount),
		expireErr: make(map[int64]error),
	}
}

func (f *fakeStore) GetAccountByUserID(ctx context.Context, userID int64) (*models.LoyaltyAccount, error) {
	account, ok := f.accounts[userID]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (f *fakeStore) CreateAccount(ctx context.Context, userID int64) (*models.LoyaltyAccount, error) {
	if account, ok := f.accounts[userID]; ok {
		copied := *account
		return &copied, nil
	}
	f.nextID++
	account := &models.LoyaltyAccount{ID: f.nextID, UserID: userID, Tier: models.TierBronze}
	f.accounts[userID] = account
	copied := *account
	return &copied, nil
}

func (f *fakeStore) ApplyLoyaltyEntry(ctx context.Context, userID int64, entry *models.LoyaltyTransaction, balanceDelta, lifetimeDelta int64) (*models.LoyaltyAccount, error) {
	account, ok := f.accounts[userID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "no account for user %d", userID)
	}

	newBalance := account.PointsBalance + balanceDelta
	if newBalance < 0 {
		return nil, apperr.New(apperr.KindInsufficientBalance, "insufficient points balance").
			With("available", account.PointsBalance).
			With("requested", -balanceDelta)
	}

	account.PointsBalance = newBalance
	account.LifetimePoints += lifetimeDelta
	if lifetimeDelta != 0 {
		account.Tier = models.TierForLifetimePoints(account.LifetimePoints)
	}

	stored := *entry
	stored.AccountID = account.ID
	f.entries = append(f.entries, stored)

	copied := *account
	return &copied, nil
}

func (f *fakeStore) ExpirableTransactions(ctx context.Context, cutoff, now time.Time) ([]models.LoyaltyTransaction, error) {
	return f.expirable, nil
}

func (f *fakeStore) ExpireLoyaltyTransaction(ctx context.Context, source models.LoyaltyTransaction) (int64, error) {
	if err := f.expireErr[source.ID]; err != nil {
		return 0, err
	}
	return source.Points, nil
}

func (f *fakeStore) AccountTransactions(ctx context.Context, accountID int64, limit int) ([]models.LoyaltyTransaction, error) {
	var out []models.LoyaltyTransaction
	for _, entry := range f.entries {
		if entry.AccountID == accountID {
			out = append(out, entry)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ActiveRules(ctx context.Context) ([]models.LoyaltyRule, error) {
	return f.rules, nil
}

func (f *fakeStore) LoyaltyStats(ctx context.Context) (*models.LoyaltyStats, error) {
	return &models.LoyaltyStats{TotalAccounts: int64(len(f.accounts))}, nil
}

func (f *fakeStore) balanceFromEntries(accountID int64) int64 {
	var sum int64
	for _, entry := range f.entries {
		if entry.AccountID == accountID {
			sum += entry.Points
		}
	}
	return sum
}

func TestGetOrCreateAccount_Idempotent(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	first, err := svc.GetOrCreateAccount(context.Background(), 7)
	require.NoError(t, err)

	second, err := svc.GetOrCreateAccount(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.accounts, 1)
}

func TestEarnPoints_DefaultPolicy(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	account, err := svc.EarnPoints(context.Background(), 1, 42, money.MustFromString("100.00"))
	require.NoError(t, err)

	assert.Equal(t, int64(100), account.PointsBalance)
	assert.Equal(t, int64(100), account.LifetimePoints)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, models.TransactionEarn, entry.Type)
	assert.Equal(t, int64(100), entry.Points)
	require.NotNil(t, entry.OrderID)
	assert.Equal(t, int64(42), *entry.OrderID)
	require.NotNil(t, entry.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(pointsTTL), *entry.ExpiresAt, time.Minute)
}

func TestEarnPoints_ZeroAwardWritesNothing(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	account, err := svc.EarnPoints(context.Background(), 1, 42, money.MustFromString("0.50"))
	require.NoError(t, err)

	assert.Zero(t, account.PointsBalance)
	assert.Empty(t, store.entries)
}

func TestEarnPoints_NegativeAmountRejected(t *testing.T) {
	svc := NewService(newFakeStore())

	_, err := svc.EarnPoints(context.Background(), 1, 42, money.MustFromString("-1.00"))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestRedeemPoints(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	_, err := svc.EarnPoints(context.Background(), 1, 41, money.FromInt(500))
	require.NoError(t, err)

	account, discount, err := svc.RedeemPoints(context.Background(), 1, 42, 250)
	require.NoError(t, err)

	assert.Equal(t, "2.50", discount.String())
	assert.Equal(t, int64(250), account.PointsBalance)
	// Redemption never touches the lifetime total
	assert.Equal(t, int64(500), account.LifetimePoints)
	assert.Equal(t, account.PointsBalance, store.balanceFromEntries(account.ID))
}

func TestRedeemPoints_InsufficientBalance(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	_, err := svc.EarnPoints(context.Background(), 1, 41, money.FromInt(100))
	require.NoError(t, err)

	_, _, err = svc.RedeemPoints(context.Background(), 1, 42, 250)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientBalance))

	// The failed redemption left no ledger row behind
	assert.Len(t, store.entries, 1)
}

func TestRedeemPoints_NonPositive(t *testing.T) {
	svc := NewService(newFakeStore())

	_, _, err := svc.RedeemPoints(context.Background(), 1, 42, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestAwardBonusPoints_CrossesTier(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	account, err := svc.AwardBonusPoints(context.Background(), 1, 2000, "Referral bonus")
	require.NoError(t, err)

	assert.Equal(t, int64(2000), account.PointsBalance)
	assert.Equal(t, models.TierSilver, account.Tier)
}

func TestAdjustPoints_LifetimeAsymmetry(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	_, err := svc.AwardBonusPoints(context.Background(), 1, 3000, "seed")
	require.NoError(t, err)

	// Negative correction lowers the balance but not the lifetime total
	account, err := svc.AdjustPoints(context.Background(), 1, -500, "duplicate award")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), account.PointsBalance)
	assert.Equal(t, int64(3000), account.LifetimePoints)
	assert.Equal(t, models.TierSilver, account.Tier)

	// Positive correction raises both
	account, err = svc.AdjustPoints(context.Background(), 1, 200, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, int64(2700), account.PointsBalance)
	assert.Equal(t, int64(3200), account.LifetimePoints)
}

func TestExpirePoints_ContinuesPastFailures(t *testing.T) {
	store := newFakeStore()
	store.expirable = []models.LoyaltyTransaction{
		{ID: 1, AccountID: 1, Points: 100},
		{ID: 2, AccountID: 2, Points: 50},
		{ID: 3, AccountID: 3, Points: 25},
	}
	store.expireErr[2] = assert.AnError
	svc := NewService(store)

	processed, err := svc.ExpirePoints(context.Background())
	assert.Equal(t, 2, processed)
	assert.Error(t, err)
}

func TestGetAccountDetails(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	_, err := svc.EarnPoints(context.Background(), 1, 42, money.FromInt(250))
	require.NoError(t, err)

	details, err := svc.GetAccountDetails(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(250), details.Account.PointsBalance)
	assert.Len(t, details.Transactions, 1)
	assert.Equal(t, "2.50", details.PointsValue)
}
