package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tablefare/tablefare/internal/tablefare/money"
)

// Tier is a loyalty rank derived solely from lifetime points
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Lifetime points thresholds for each tier
const (
	SilverThreshold   = 2000
	GoldThreshold     = 5000
	PlatinumThreshold = 10000
)

// TierForLifetimePoints derives the tier from a lifetime points total
func TierForLifetimePoints(lifetimePoints int64) Tier {
	switch {
	case lifetimePoints >= PlatinumThreshold:
		return TierPlatinum
	case lifetimePoints >= GoldThreshold:
		return TierGold
	case lifetimePoints >= SilverThreshold:
		return TierSilver
	default:
		return TierBronze
	}
}

// LoyaltyAccount is the per-user points account. The balance is a cached
// aggregate of the transaction ledger, maintained transactionally with it.
type LoyaltyAccount struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	PointsBalance  int64     `json:"points_balance"`
	LifetimePoints int64     `json:"lifetime_points"`
	Tier           Tier      `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TransactionEarn       TransactionType = "EARN"
	TransactionRedeem     TransactionType = "REDEEM"
	TransactionBonus      TransactionType = "BONUS"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
	TransactionExpiration TransactionType = "EXPIRATION"
)

// LoyaltyTransaction is an append-only ledger row. Points are signed: credits
// positive, debits negative. The sum over an account always equals its balance.
type LoyaltyTransaction struct {
	ID          int64           `json:"id"`
	AccountID   int64           `json:"account_id"`
	Type        TransactionType `json:"type"`
	Points      int64           `json:"points"`
	OrderID     *int64          `json:"order_id,omitempty"`
	Description string          `json:"description"`
	// SourceID references the EARN transaction consumed by an EXPIRATION row,
	// which makes the expiration job idempotent.
	SourceID  *int64     `json:"source_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RuleType selects how a loyalty rule converts spend into points
type RuleType string

const (
	RulePercentage RuleType = "percentage"
	RuleFixed      RuleType = "fixed"
	RuleThreshold  RuleType = "threshold"
)

// LoyaltyRule is an admin-managed earning rule. Active rules apply additively
// in descending priority order.
type LoyaltyRule struct {
	ID       int64           `json:"id"`
	Type     RuleType        `json:"type"`
	Value    decimal.Decimal `json:"value"`
	MinSpend money.Money     `json:"min_spend"`
	Priority int             `json:"priority"`
	IsActive bool            `json:"is_active"`
}

// OrderStatus is the order lifecycle state
type OrderStatus string

const (
	OrderPending        OrderStatus = "PENDING"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderPreparing      OrderStatus = "PREPARING"
	OrderReady          OrderStatus = "READY"
	OrderOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderCompleted      OrderStatus = "COMPLETED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

// PaymentStatus is the payment lifecycle state for an order or a payment row
type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "UNPAID"
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentRefundPending     PaymentStatus = "REFUND_PENDING"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentVoided            PaymentStatus = "VOIDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

// PaymentMethod selects the charge path
type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
	MethodDebitCard  PaymentMethod = "DEBIT_CARD"
	MethodTerminal   PaymentMethod = "TERMINAL"
	MethodCash       PaymentMethod = "CASH"
)

// OrderItemModifier is a priced modifier on an order line
type OrderItemModifier struct {
	ID         int64       `json:"id"`
	ModifierID int64       `json:"modifier_id"`
	Price      money.Money `json:"price"`
	Quantity   int64       `json:"quantity"`
}

// OrderItem is one order line with its modifiers
type OrderItem struct {
	ID        int64               `json:"id"`
	ItemID    int64               `json:"item_id"`
	UnitPrice money.Money         `json:"unit_price"`
	Quantity  int64               `json:"quantity"`
	Modifiers []OrderItemModifier `json:"modifiers,omitempty"`
}

// Order is the pricing/payment aggregate. The loyalty and payment components
// only read and write the fields they own.
type Order struct {
	ID                  int64         `json:"id"`
	Number              string        `json:"number"`
	UserID              int64         `json:"user_id"`
	Status              OrderStatus   `json:"status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	Items               []OrderItem   `json:"items,omitempty"`
	Subtotal            money.Money   `json:"subtotal"`
	TaxAmount           money.Money   `json:"tax_amount"`
	TipAmount           money.Money   `json:"tip_amount"`
	DeliveryFee         money.Money   `json:"delivery_fee"`
	DiscountAmount      money.Money   `json:"discount_amount"`
	LoyaltyDiscount     money.Money   `json:"loyalty_discount"`
	Total               money.Money   `json:"total"`
	SpecialInstructions string        `json:"special_instructions,omitempty"`
	PlacedAt            time.Time     `json:"placed_at"`
	AcceptedAt          *time.Time    `json:"accepted_at,omitempty"`
	ReadyAt             *time.Time    `json:"ready_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	CancelledAt         *time.Time    `json:"cancelled_at,omitempty"`
}

// OrderStatusHistory is an immutable record of one status change
type OrderStatusHistory struct {
	ID        int64       `json:"id"`
	OrderID   int64       `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Notes     string      `json:"notes,omitempty"`
	ChangedBy int64       `json:"changed_by"`
	ChangedAt time.Time   `json:"changed_at"`
}

// Payment is one charge attempt for an order. An order may accumulate several
// rows across retries; failed attempts are kept for audit.
type Payment struct {
	ID            uuid.UUID     `json:"id"`
	OrderID       int64         `json:"order_id"`
	Method        PaymentMethod `json:"method"`
	Provider      string        `json:"provider"`
	Amount        money.Money   `json:"amount"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	AuthCode      string        `json:"auth_code,omitempty"`
	CardLast4     string        `json:"card_last4,omitempty"`
	CardBrand     string        `json:"card_brand,omitempty"`
	CardToken     string        `json:"card_token,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	// Metadata holds the raw provider payload for audit. It is opaque and is
	// never re-parsed by the core.
	Metadata    []byte    `json:"-"`
	ProcessedAt time.Time `json:"processed_at"`
}

// RefundStatus is the state of a refund attempt
type RefundStatus string

const (
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// Refund is a child of a Payment
type Refund struct {
	ID            uuid.UUID    `json:"id"`
	PaymentID     uuid.UUID    `json:"payment_id"`
	Amount        money.Money  `json:"amount"`
	Status        RefundStatus `json:"status"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	ProcessedBy   *int64       `json:"processed_by,omitempty"`
	ProcessedAt   time.Time    `json:"processed_at"`
}

// LoyaltyStats is the aggregate view for the admin/reporting layer
type LoyaltyStats struct {
	TotalAccounts            int64          `json:"total_accounts"`
	TotalPointsInCirculation int64          `json:"total_points_in_circulation"`
	TotalLifetimePoints      int64          `json:"total_lifetime_points"`
	AverageBalance           int64          `json:"average_balance"`
	AverageLifetimePoints    int64          `json:"average_lifetime_points"`
	TierDistribution         map[Tier]int64 `json:"tier_distribution"`
}

// AccountDetails is the read-only account view: the account, its most recent
// transactions and a currency rendering of the balance.
type AccountDetails struct {
	Account      *LoyaltyAccount      `json:"account"`
	Transactions []LoyaltyTransaction `json:"transactions"`
	PointsValue  string               `json:"points_value"`
}
