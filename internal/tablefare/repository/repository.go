package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

const pgUniqueViolation = "23505"

// refundClaimStaleAfter matches the 5-minute window BeginOrderPayment uses
// for stale PENDING order claims.
const refundClaimStaleAfter = 5 * time.Minute

// Repository defines the interface for data access operations
type Repository interface {
	// Loyalty account and ledger operations
	GetAccountByUserID(ctx context.Context, userID int64) (*models.LoyaltyAccount, error)
	CreateAccount(ctx context.Context, userID int64) (*models.LoyaltyAccount, error)
	ApplyLoyaltyEntry(ctx context.Context, userID int64, entry *models.LoyaltyTransaction, balanceDelta, lifetimeDelta int64) (*models.LoyaltyAccount, error)
	ExpirableTransactions(ctx context.Context, cutoff, now time.Time) ([]models.LoyaltyTransaction, error)
	ExpireLoyaltyTransaction(ctx context.Context, source models.LoyaltyTransaction) (int64, error)
	AccountTransactions(ctx context.Context, accountID int64, limit int) ([]models.LoyaltyTransaction, error)
	ActiveRules(ctx context.Context) ([]models.LoyaltyRule, error)
	LoyaltyStats(ctx context.Context) (*models.LoyaltyStats, error)

	// Order operations
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	NextOrderSeq(ctx context.Context) (int64, error)
	TransitionOrder(ctx context.Context, orderID int64, to models.OrderStatus, allowedFrom []models.OrderStatus, changedBy int64, notes string) (*models.Order, error)

	// Payment operations
	BeginOrderPayment(ctx context.Context, orderID int64) error
	ReleaseOrderPayment(ctx context.Context, orderID int64) error
	CompleteOrderPayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	PaidPaymentForOrder(ctx context.Context, orderID int64) (*models.Payment, error)
	BeginPaymentRefund(ctx context.Context, paymentID uuid.UUID, amount money.Money) error
	RecordRefund(ctx context.Context, refund *models.Refund) (models.PaymentStatus, error)
	MarkPaymentVoided(ctx context.Context, id uuid.UUID) error

	// Initialize and close
	InitSchema(ctx context.Context) error
	Close() error
}

// OpenDB opens and pings a Postgres connection via the pgx stdlib driver
func OpenDB(databaseURI string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURI)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over an open database handle
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// InitSchema creates the necessary tables if they don't exist
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS loyalty_accounts (
			id SERIAL PRIMARY KEY,
			user_id BIGINT UNIQUE NOT NULL,
			points_balance BIGINT NOT NULL DEFAULT 0 CHECK (points_balance >= 0),
			lifetime_points BIGINT NOT NULL DEFAULT 0,
			tier VARCHAR(20) NOT NULL DEFAULT 'bronze',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS loyalty_transactions (
			id SERIAL PRIMARY KEY,
			account_id INTEGER NOT NULL REFERENCES loyalty_accounts(id),
			type VARCHAR(20) NOT NULL,
			points BIGINT NOT NULL,
			order_id BIGINT,
			description TEXT NOT NULL DEFAULT '',
			source_id BIGINT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS loyalty_rules (
			id SERIAL PRIMARY KEY,
			type VARCHAR(20) NOT NULL,
			value NUMERIC(10, 2) NOT NULL,
			min_spend NUMERIC(10, 2) NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			number VARCHAR(64) UNIQUE NOT NULL,
			user_id BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
			payment_status VARCHAR(32) NOT NULL DEFAULT 'UNPAID',
			subtotal NUMERIC(10, 2) NOT NULL DEFAULT 0,
			tax_amount NUMERIC(10, 2) NOT NULL DEFAULT 0,
			tip_amount NUMERIC(10, 2) NOT NULL DEFAULT 0,
			delivery_fee NUMERIC(10, 2) NOT NULL DEFAULT 0,
			discount_amount NUMERIC(10, 2) NOT NULL DEFAULT 0,
			loyalty_discount NUMERIC(10, 2) NOT NULL DEFAULT 0,
			total NUMERIC(10, 2) NOT NULL DEFAULT 0,
			special_instructions TEXT NOT NULL DEFAULT '',
			payment_claimed_at TIMESTAMP,
			placed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			accepted_at TIMESTAMP,
			ready_at TIMESTAMP,
			completed_at TIMESTAMP,
			cancelled_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			item_id BIGINT NOT NULL,
			unit_price NUMERIC(10, 2) NOT NULL,
			quantity INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_item_modifiers (
			id SERIAL PRIMARY KEY,
			order_item_id INTEGER NOT NULL REFERENCES order_items(id),
			modifier_id BIGINT NOT NULL,
			price NUMERIC(10, 2) NOT NULL,
			quantity INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_status_history (
			id SERIAL PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			status VARCHAR(32) NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			changed_by BIGINT NOT NULL,
			changed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE SEQUENCE IF NOT EXISTS order_number_seq`,
		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			method VARCHAR(20) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			amount NUMERIC(10, 2) NOT NULL,
			status VARCHAR(32) NOT NULL,
			transaction_id VARCHAR(128),
			auth_code VARCHAR(32),
			card_last4 VARCHAR(4),
			card_brand VARCHAR(32),
			card_token VARCHAR(128),
			error_message TEXT,
			metadata JSONB,
			refund_claimed_at TIMESTAMP,
			processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS refunds (
			id UUID PRIMARY KEY,
			payment_id UUID NOT NULL REFERENCES payments(id),
			amount NUMERIC(10, 2) NOT NULL,
			status VARCHAR(20) NOT NULL,
			transaction_id VARCHAR(128),
			reason TEXT NOT NULL DEFAULT '',
			processed_by BIGINT,
			processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Loyalty account methods

func (r *PostgresRepository) GetAccountByUserID(ctx context.Context, userID int64) (*models.LoyaltyAccount, error) {
	account := &models.LoyaltyAccount{}
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, points_balance, lifetime_points, tier, created_at, updated_at
         FROM loyalty_accounts WHERE user_id = $1`,
		userID,
	).Scan(&account.ID, &account.UserID, &account.PointsBalance, &account.LifetimePoints, &account.Tier, &account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return account, nil
}

// CreateAccount inserts a fresh account for the user. Idempotent: a concurrent
// first call loses the insert race on the unique constraint and fetches the
// winner's row instead, so exactly one row ever exists per user.
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID int64) (*models.LoyaltyAccount, error) {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO loyalty_accounts (user_id, points_balance, lifetime_points, tier)
         VALUES ($1, 0, 0, $2)
         ON CONFLICT (user_id) DO NOTHING`,
		userID, models.TierBronze,
	)
	if err != nil {
		return nil, err
	}

	account, err := r.GetAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.Newf(apperr.KindConflict, "loyalty account for user %d disappeared after create", userID)
	}
	return account, nil
}

// ApplyLoyaltyEntry appends a ledger row and applies its balance/lifetime
// deltas in a single transaction. The account row is locked for the duration,
// which serializes concurrent mutations per account. Tier is recomputed only
// when lifetime points move.
func (r *PostgresRepository) ApplyLoyaltyEntry(ctx context.Context, userID int64, entry *models.LoyaltyTransaction, balanceDelta, lifetimeDelta int64) (*models.LoyaltyAccount, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account := &models.LoyaltyAccount{}
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, user_id, points_balance, lifetime_points, tier, created_at, updated_at
         FROM loyalty_accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&account.ID, &account.UserID, &account.PointsBalance, &account.LifetimePoints, &account.Tier, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "loyalty account for user %d not found", userID)
		}
		return nil, err
	}

	newBalance := account.PointsBalance + balanceDelta
	if newBalance < 0 {
		return nil, apperr.New(apperr.KindInsufficientBalance, "insufficient points balance").
			With("available", account.PointsBalance).
			With("requested", -balanceDelta)
	}
	newLifetime := account.LifetimePoints + lifetimeDelta

	newTier := account.Tier
	if lifetimeDelta != 0 {
		newTier = models.TierForLifetimePoints(newLifetime)
	}

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO loyalty_transactions (account_id, type, points, order_id, description, source_id, expires_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         RETURNING id, created_at`,
		account.ID, entry.Type, entry.Points, entry.OrderID, entry.Description, entry.SourceID, entry.ExpiresAt,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.AccountID = account.ID

	_, err = tx.ExecContext(
		ctx,
		`UPDATE loyalty_accounts
         SET points_balance = $1, lifetime_points = $2, tier = $3, updated_at = CURRENT_TIMESTAMP
         WHERE id = $4`,
		newBalance, newLifetime, newTier, account.ID,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	account.PointsBalance = newBalance
	account.LifetimePoints = newLifetime
	account.Tier = newTier
	return account, nil
}

// ExpirableTransactions returns EARN transactions past the cutoff whose
// expires_at has elapsed and which have not already been consumed by an
// EXPIRATION row. The exclusion makes re-running the expiration job safe.
func (r *PostgresRepository) ExpirableTransactions(ctx context.Context, cutoff, now time.Time) ([]models.LoyaltyTransaction, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT t.id, t.account_id, t.type, t.points, t.order_id, t.description, t.source_id, t.created_at, t.expires_at
         FROM loyalty_transactions t
         WHERE t.type = $1
           AND t.created_at <= $2
           AND t.expires_at IS NOT NULL AND t.expires_at <= $3
           AND NOT EXISTS (
               SELECT 1 FROM loyalty_transactions e
               WHERE e.type = $4 AND e.source_id = t.id
           )
         ORDER BY t.created_at`,
		models.TransactionEarn, cutoff, now, models.TransactionExpiration,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ExpireLoyaltyTransaction consumes one EARN transaction: it inserts the
// EXPIRATION row referencing the source and deducts the points, clamped to the
// current balance so the non-negative invariant holds even when the points
// were already spent. Returns the number of points actually expired.
func (r *PostgresRepository) ExpireLoyaltyTransaction(ctx context.Context, source models.LoyaltyTransaction) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(
		ctx,
		"SELECT points_balance FROM loyalty_accounts WHERE id = $1 FOR UPDATE",
		source.AccountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.Newf(apperr.KindNotFound, "loyalty account %d not found", source.AccountID)
		}
		return 0, err
	}

	expired := source.Points
	if expired > balance {
		expired = balance
	}
	if expired < 0 {
		expired = 0
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO loyalty_transactions (account_id, type, points, description, source_id)
         VALUES ($1, $2, $3, $4, $5)`,
		source.AccountID, models.TransactionExpiration, -expired, "points expired", source.ID,
	)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(
		ctx,
		"UPDATE loyalty_accounts SET points_balance = points_balance - $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		expired, source.AccountID,
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return expired, nil
}

func (r *PostgresRepository) AccountTransactions(ctx context.Context, accountID int64, limit int) ([]models.LoyaltyTransaction, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, account_id, type, points, order_id, description, source_id, created_at, expires_at
         FROM loyalty_transactions
         WHERE account_id = $1
         ORDER BY created_at DESC
         LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.LoyaltyTransaction, error) {
	var transactions []models.LoyaltyTransaction
	for rows.Next() {
		var t models.LoyaltyTransaction
		var orderID, sourceID sql.NullInt64
		var expiresAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Points, &orderID, &t.Description, &sourceID, &t.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		if orderID.Valid {
			t.OrderID = &orderID.Int64
		}
		if sourceID.Valid {
			t.SourceID = &sourceID.Int64
		}
		if expiresAt.Valid {
			t.ExpiresAt = &expiresAt.Time
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

// ActiveRules returns active loyalty rules sorted by descending priority,
// ready for the evaluator.
func (r *PostgresRepository) ActiveRules(ctx context.Context) ([]models.LoyaltyRule, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, type, value, min_spend, priority, is_active
         FROM loyalty_rules
         WHERE is_active = TRUE
         ORDER BY priority DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.LoyaltyRule
	for rows.Next() {
		var rule models.LoyaltyRule
		if err := rows.Scan(&rule.ID, &rule.Type, &rule.Value, &rule.MinSpend, &rule.Priority, &rule.IsActive); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *PostgresRepository) LoyaltyStats(ctx context.Context) (*models.LoyaltyStats, error) {
	stats := &models.LoyaltyStats{TierDistribution: make(map[models.Tier]int64)}

	err := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*),
                COALESCE(SUM(points_balance), 0),
                COALESCE(SUM(lifetime_points), 0),
                COALESCE(ROUND(AVG(points_balance)), 0),
                COALESCE(ROUND(AVG(lifetime_points)), 0)
         FROM loyalty_accounts`,
	).Scan(&stats.TotalAccounts, &stats.TotalPointsInCirculation, &stats.TotalLifetimePoints, &stats.AverageBalance, &stats.AverageLifetimePoints)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, "SELECT tier, COUNT(*) FROM loyalty_accounts GROUP BY tier")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var tier models.Tier
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		stats.TierDistribution[tier] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// Order methods

// CreateOrder inserts the order with its items and modifiers. A duplicate
// order number surfaces as Conflict so the caller can regenerate.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO orders (number, user_id, status, payment_status, subtotal, tax_amount, tip_amount,
                             delivery_fee, discount_amount, loyalty_discount, total, special_instructions)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
         RETURNING id, placed_at`,
		order.Number, order.UserID, order.Status, order.PaymentStatus,
		order.Subtotal, order.TaxAmount, order.TipAmount, order.DeliveryFee,
		order.DiscountAmount, order.LoyaltyDiscount, order.Total, order.SpecialInstructions,
	).Scan(&order.ID, &order.PlacedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperr.Newf(apperr.KindConflict, "order number %s already exists", order.Number)
		}
		return err
	}

	for i := range order.Items {
		item := &order.Items[i]
		err = tx.QueryRowContext(
			ctx,
			`INSERT INTO order_items (order_id, item_id, unit_price, quantity)
             VALUES ($1, $2, $3, $4) RETURNING id`,
			order.ID, item.ItemID, item.UnitPrice, item.Quantity,
		).Scan(&item.ID)
		if err != nil {
			return err
		}

		for j := range item.Modifiers {
			mod := &item.Modifiers[j]
			err = tx.QueryRowContext(
				ctx,
				`INSERT INTO order_item_modifiers (order_item_id, modifier_id, price, quantity)
                 VALUES ($1, $2, $3, $4) RETURNING id`,
				item.ID, mod.ModifierID, mod.Price, mod.Quantity,
			).Scan(&mod.ID)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (r *PostgresRepository) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	order := &models.Order{}
	var acceptedAt, readyAt, completedAt, cancelledAt sql.NullTime
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, number, user_id, status, payment_status, subtotal, tax_amount, tip_amount,
                delivery_fee, discount_amount, loyalty_discount, total, special_instructions,
                placed_at, accepted_at, ready_at, completed_at, cancelled_at
         FROM orders WHERE id = $1`,
		id,
	).Scan(
		&order.ID, &order.Number, &order.UserID, &order.Status, &order.PaymentStatus,
		&order.Subtotal, &order.TaxAmount, &order.TipAmount, &order.DeliveryFee,
		&order.DiscountAmount, &order.LoyaltyDiscount, &order.Total, &order.SpecialInstructions,
		&order.PlacedAt, &acceptedAt, &readyAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if acceptedAt.Valid {
		order.AcceptedAt = &acceptedAt.Time
	}
	if readyAt.Valid {
		order.ReadyAt = &readyAt.Time
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		order.CancelledAt = &cancelledAt.Time
	}

	return order, nil
}

func (r *PostgresRepository) NextOrderSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, "SELECT nextval('order_number_seq')").Scan(&seq)
	return seq, err
}

// timestampColumn maps a target status to the order timestamp it stamps
func timestampColumn(to models.OrderStatus) string {
	switch to {
	case models.OrderConfirmed:
		return "accepted_at"
	case models.OrderReady:
		return "ready_at"
	case models.OrderCompleted:
		return "completed_at"
	case models.OrderCancelled:
		return "cancelled_at"
	default:
		return ""
	}
}

// TransitionOrder moves an order to a new status if its current status is in
// allowedFrom, stamping the transition timestamp and appending the history
// row in the same transaction. The order row is locked so racing transitions
// serialize; the loser sees the new state and fails validation.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, orderID int64, to models.OrderStatus, allowedFrom []models.OrderStatus, changedBy int64, notes string) (*models.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current models.OrderStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "order %d not found", orderID)
		}
		return nil, err
	}

	allowed := false
	for _, from := range allowedFrom {
		if current == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.Newf(apperr.KindInvalidTransition, "cannot transition order from %s to %s", current, to).
			With("from", string(current)).
			With("to", string(to))
	}

	query := "UPDATE orders SET status = $1 WHERE id = $2"
	if col := timestampColumn(to); col != "" {
		query = "UPDATE orders SET status = $1, " + col + " = CURRENT_TIMESTAMP WHERE id = $2"
	}
	if _, err = tx.ExecContext(ctx, query, to, orderID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO order_status_history (order_id, status, notes, changed_by)
         VALUES ($1, $2, $3, $4)`,
		orderID, to, notes, changedBy,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetOrderByID(ctx, orderID)
}

// Payment methods

// BeginOrderPayment claims the order for a charge attempt by moving its
// payment status to PENDING. Exactly one of several concurrent charge calls
// wins the claim; the rest fail with Conflict (or InvalidState when the order
// is already paid). A PENDING claim older than the staleness window is
// reclaimable, so an order is never stranded when the claimant died before
// settling.
func (r *PostgresRepository) BeginOrderPayment(ctx context.Context, orderID int64) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE orders SET payment_status = $1, payment_claimed_at = CURRENT_TIMESTAMP
         WHERE id = $2
           AND (payment_status NOT IN ($3, $4)
                OR (payment_status = $3 AND payment_claimed_at < CURRENT_TIMESTAMP - INTERVAL '5 minutes'))`,
		models.PaymentPending, orderID, models.PaymentPending, models.PaymentPaid,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	order, err := r.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return apperr.Newf(apperr.KindNotFound, "order %d not found", orderID)
	}
	if order.PaymentStatus == models.PaymentPaid {
		return apperr.Newf(apperr.KindInvalidState, "order %d is already paid", orderID)
	}
	return apperr.Newf(apperr.KindConflict, "another charge for order %d is in flight", orderID)
}

// ReleaseOrderPayment drops a PENDING claim back to FAILED. Called when the
// charge attempt could not settle through CompleteOrderPayment, so the next
// charge does not have to wait out the staleness window.
func (r *PostgresRepository) ReleaseOrderPayment(ctx context.Context, orderID int64) error {
	_, err := r.db.ExecContext(
		ctx,
		"UPDATE orders SET payment_status = $1 WHERE id = $2 AND payment_status = $3",
		models.PaymentFailed, orderID, models.PaymentPending,
	)
	return err
}

// CompleteOrderPayment records the charge outcome: it inserts the payment row
// and settles the order payment status in one transaction, so no order is
// left in PENDING once a charge attempt returns.
func (r *PostgresRepository) CompleteOrderPayment(ctx context.Context, payment *models.Payment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO payments (id, order_id, method, provider, amount, status, transaction_id,
                               auth_code, card_last4, card_brand, card_token, error_message, metadata)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
         RETURNING processed_at`,
		payment.ID, payment.OrderID, payment.Method, payment.Provider, payment.Amount, payment.Status,
		nullString(payment.TransactionID), nullString(payment.AuthCode), nullString(payment.CardLast4),
		nullString(payment.CardBrand), nullString(payment.CardToken), nullString(payment.ErrorMessage),
		nullBytes(payment.Metadata),
	).Scan(&payment.ProcessedAt)
	if err != nil {
		return err
	}

	orderStatus := models.PaymentFailed
	if payment.Status == models.PaymentPaid {
		orderStatus = models.PaymentPaid
	}
	_, err = tx.ExecContext(ctx, "UPDATE orders SET payment_status = $1 WHERE id = $2", orderStatus, payment.OrderID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, order_id, method, provider, amount, status, transaction_id, auth_code,
                card_last4, card_brand, card_token, error_message, metadata, processed_at
         FROM payments WHERE id = $1`,
		id,
	)
	return scanPayment(row)
}

// PaidPaymentForOrder returns the most recent PAID payment for an order, or
// nil when none exists. Used by the cancellation path to decide whether a
// refund is owed.
func (r *PostgresRepository) PaidPaymentForOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, order_id, method, provider, amount, status, transaction_id, auth_code,
                card_last4, card_brand, card_token, error_message, metadata, processed_at
         FROM payments WHERE order_id = $1 AND status = $2
         ORDER BY processed_at DESC LIMIT 1`,
		orderID, models.PaymentPaid,
	)
	return scanPayment(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	payment := &models.Payment{}
	var transactionID, authCode, cardLast4, cardBrand, cardToken, errorMessage sql.NullString
	var metadata []byte
	err := row.Scan(
		&payment.ID, &payment.OrderID, &payment.Method, &payment.Provider, &payment.Amount, &payment.Status,
		&transactionID, &authCode, &cardLast4, &cardBrand, &cardToken, &errorMessage, &metadata, &payment.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	payment.TransactionID = transactionID.String
	payment.AuthCode = authCode.String
	payment.CardLast4 = cardLast4.String
	payment.CardBrand = cardBrand.String
	payment.CardToken = cardToken.String
	payment.ErrorMessage = errorMessage.String
	payment.Metadata = metadata
	return payment, nil
}

// BeginPaymentRefund claims the payment for a refund attempt by moving it to
// REFUND_PENDING under a row lock. The claim rejects refunds against voided or
// unpaid payments, serializes competing refunds, and refuses any amount that
// would push the completed-refund aggregate past the charged amount. All of
// this happens before any money moves at the provider. A REFUND_PENDING claim
// older than the staleness window is reclaimable.
func (r *PostgresRepository) BeginPaymentRefund(ctx context.Context, paymentID uuid.UUID, amount money.Money) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.PaymentStatus
	var charged money.Money
	var claimedAt sql.NullTime
	err = tx.QueryRowContext(
		ctx,
		"SELECT status, amount, refund_claimed_at FROM payments WHERE id = $1 FOR UPDATE",
		paymentID,
	).Scan(&status, &charged, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.KindNotFound, "payment %s not found", paymentID)
		}
		return err
	}
	if status == models.PaymentRefundPending {
		if claimedAt.Valid && time.Since(claimedAt.Time) < refundClaimStaleAfter {
			return apperr.Newf(apperr.KindConflict, "another refund for payment %s is in flight", paymentID)
		}
	} else if status != models.PaymentPaid && status != models.PaymentPartiallyRefunded {
		return apperr.Newf(apperr.KindInvalidState, "can only refund paid transactions (status %s)", status)
	}

	var refunded money.Money
	err = tx.QueryRowContext(
		ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1 AND status = $2",
		paymentID, models.RefundCompleted,
	).Scan(&refunded)
	if err != nil {
		return err
	}
	if refunded.Add(amount).Cmp(charged) > 0 {
		return apperr.New(apperr.KindInvalidArgument, "refund exceeds the refundable amount").
			With("amount", amount.String()).
			With("refunded", refunded.String()).
			With("charged", charged.String())
	}

	_, err = tx.ExecContext(
		ctx,
		"UPDATE payments SET status = $1, refund_claimed_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.PaymentRefundPending, paymentID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RecordRefund inserts the refund row for a claimed payment, re-aggregates
// completed refunds and settles the payment status, all under a row lock. A
// failed refund row leaves the aggregate unchanged, so the payment drops back
// to the status the aggregate implies.
func (r *PostgresRepository) RecordRefund(ctx context.Context, refund *models.Refund) (models.PaymentStatus, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status models.PaymentStatus
	var amount money.Money
	err = tx.QueryRowContext(
		ctx,
		"SELECT status, amount FROM payments WHERE id = $1 FOR UPDATE",
		refund.PaymentID,
	).Scan(&status, &amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.Newf(apperr.KindNotFound, "payment %s not found", refund.PaymentID)
		}
		return "", err
	}
	if status != models.PaymentRefundPending {
		return "", apperr.Newf(apperr.KindInvalidState, "no refund in flight for payment %s (status %s)", refund.PaymentID, status)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO refunds (id, payment_id, amount, status, transaction_id, reason, processed_by)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		refund.ID, refund.PaymentID, refund.Amount, refund.Status,
		nullString(refund.TransactionID), refund.Reason, refund.ProcessedBy,
	)
	if err != nil {
		return "", err
	}

	var refunded money.Money
	err = tx.QueryRowContext(
		ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1 AND status = $2",
		refund.PaymentID, models.RefundCompleted,
	).Scan(&refunded)
	if err != nil {
		return "", err
	}

	newStatus := models.PaymentPaid
	if refunded.IsPositive() {
		newStatus = models.PaymentPartiallyRefunded
		if refunded.GreaterThanOrEqual(amount) {
			newStatus = models.PaymentRefunded
		}
	}
	_, err = tx.ExecContext(ctx, "UPDATE payments SET status = $1, refund_claimed_at = NULL WHERE id = $2", newStatus, refund.PaymentID)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newStatus, nil
}

// MarkPaymentVoided moves a PAID payment to VOIDED under a row lock
func (r *PostgresRepository) MarkPaymentVoided(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.PaymentStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM payments WHERE id = $1 FOR UPDATE", id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.KindNotFound, "payment %s not found", id)
		}
		return err
	}
	if status != models.PaymentPaid {
		return apperr.Newf(apperr.KindInvalidState, "can only void paid transactions (status %s)", status)
	}

	if _, err = tx.ExecContext(ctx, "UPDATE payments SET status = $1 WHERE id = $2", models.PaymentVoided, id); err != nil {
		return err
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
