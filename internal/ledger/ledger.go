// Package ledger implements asset balance mutation with exactly-once
// semantics keyed by (business_type, business_key), mirroring the
// transaction-and-row-lock discipline the source otc-gateway funding
// processor uses for invoice state transitions.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/foodloop/ulde/internal/errs"
	"github.com/foodloop/ulde/internal/models"
)

// Service is the ledger's only entry point. All four operations run inside
// a single db.Transaction using SELECT ... FOR UPDATE on the AssetBalance
// row, so concurrent operations against the same (account, asset) pair
// serialise at the database rather than relying solely on the orchestrator's
// in-process lock.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger Service. now defaults to time.Now; tests inject a
// fixed clock for deterministic CreatedAt values.
func New(db *gorm.DB, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, now: now}
}

// Result carries the outcome of a ledger operation, including whether it was
// served from a prior, already-applied transaction rather than re-executed.
type Result struct {
	Transaction models.AssetTransaction
	Replayed    bool
}

// Reserve moves amount from available to reserved for (userID, asset).
// Replaying with the same key after success is a no-op returning the
// original result. Fails with InsufficientFunds if available < amount.
// It runs in its own transaction; use ReserveTx to join a caller's.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ReserveTx(tx, userID, asset, amount, key)
		return err
	})
	return result, err
}

// ReserveTx is Reserve run inside an already-open transaction tx, so it
// shares the caller's atomicity instead of committing independently.
func (s *Service) ReserveTx(tx *gorm.DB, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	return s.applyTx(tx, userID, asset, models.BusinessReserve, key, func(tx *gorm.DB, balance *models.AssetBalance) (int64, error) {
		if balance.Available < amount {
			return 0, errs.New(errs.InsufficientFunds, "insufficient available balance").
				WithHint("shortfall")
		}
		balance.Available -= amount
		balance.Reserved += amount
		return -amount, nil
	})
}

// Commit finalises a prior reservation: reserved -> spent. It does not
// touch available (already decremented at Reserve time), so its delta is
// zero; the transaction row still exists for audit completeness and replay
// detection. key is the commit's own business key (the orchestrator passes
// the reservation key with a "::commit" suffix).
// It runs in its own transaction; use CommitTx to join a caller's.
func (s *Service) Commit(ctx context.Context, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CommitTx(tx, userID, asset, amount, key)
		return err
	})
	return result, err
}

// CommitTx is Commit run inside an already-open transaction tx.
func (s *Service) CommitTx(tx *gorm.DB, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	return s.applyTx(tx, userID, asset, models.BusinessCommit, key, func(tx *gorm.DB, balance *models.AssetBalance) (int64, error) {
		if balance.Reserved < amount {
			// Reserved already drained by a prior commit/release replay; treat as
			// a no-op rather than letting reserved go negative.
			return 0, nil
		}
		balance.Reserved -= amount
		return 0, nil
	})
}

// Release returns a prior reservation to available: reserved -> available.
// It runs in its own transaction; use ReleaseTx to join a caller's.
func (s *Service) Release(ctx context.Context, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ReleaseTx(tx, userID, asset, amount, key)
		return err
	})
	return result, err
}

// ReleaseTx is Release run inside an already-open transaction tx.
func (s *Service) ReleaseTx(tx *gorm.DB, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	return s.applyTx(tx, userID, asset, models.BusinessRelease, key, func(tx *gorm.DB, balance *models.AssetBalance) (int64, error) {
		if balance.Reserved < amount {
			balance.Available += balance.Reserved
			drained := balance.Reserved
			balance.Reserved = 0
			return drained, nil
		}
		balance.Reserved -= amount
		balance.Available += amount
		return amount, nil
	})
}

// Credit increases available directly, for reward payout. It runs in its
// own transaction; use CreditTx to join a caller's.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditTx(tx, userID, asset, amount, key)
		return err
	})
	return result, err
}

// CreditTx is Credit run inside an already-open transaction tx.
func (s *Service) CreditTx(tx *gorm.DB, userID uuid.UUID, asset string, amount int64, key string) (Result, error) {
	return s.applyTx(tx, userID, asset, models.BusinessCredit, key, func(tx *gorm.DB, balance *models.AssetBalance) (int64, error) {
		balance.Available += amount
		return amount, nil
	})
}

// Balance returns the current balance for (userID, asset), creating a
// zeroed row if none exists yet.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID, asset string) (models.AssetBalance, error) {
	var balance models.AssetBalance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = s.loadOrCreateBalance(tx, userID, asset)
		return err
	})
	return balance, err
}

func (s *Service) applyTx(
	tx *gorm.DB,
	userID uuid.UUID,
	asset string,
	businessType models.BusinessType,
	key string,
	mutate func(tx *gorm.DB, balance *models.AssetBalance) (delta int64, err error),
) (Result, error) {
	var existing models.AssetTransaction
	err := tx.Where("business_type = ? AND business_key = ?", businessType, key).First(&existing).Error
	if err == nil {
		return Result{Transaction: existing, Replayed: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, err
	}

	balance, err := s.loadOrCreateBalanceLocked(tx, userID, asset)
	if err != nil {
		return Result{}, err
	}

	delta, err := mutate(tx, &balance)
	if err != nil {
		return Result{}, err
	}
	balance.UpdatedAt = s.now()
	if err := tx.Save(&balance).Error; err != nil {
		return Result{}, err
	}

	txn := models.AssetTransaction{
		ID:           uuid.New(),
		AccountID:    userID,
		AssetCode:    asset,
		Delta:        delta,
		BusinessType: businessType,
		BusinessKey:  key,
		CreatedAt:    s.now(),
	}
	if err := tx.Create(&txn).Error; err != nil {
		// Unique-constraint race: another caller committed the same key
		// first. Fetch and return its result instead of failing the draw.
		var raced models.AssetTransaction
		if lookupErr := tx.Where("business_type = ? AND business_key = ?", businessType, key).First(&raced).Error; lookupErr == nil {
			return Result{Transaction: raced, Replayed: true}, nil
		}
		return Result{}, err
	}
	return Result{Transaction: txn, Replayed: false}, nil
}

func (s *Service) loadOrCreateBalanceLocked(tx *gorm.DB, userID uuid.UUID, asset string) (models.AssetBalance, error) {
	if err := tx.FirstOrCreate(&models.Account{UserID: userID}, models.Account{UserID: userID}).Error; err != nil {
		return models.AssetBalance{}, err
	}

	var balance models.AssetBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND asset_code = ?", userID, asset).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = models.AssetBalance{AccountID: userID, AssetCode: asset, UpdatedAt: s.now()}
		if err := tx.Create(&balance).Error; err != nil {
			return models.AssetBalance{}, err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND asset_code = ?", userID, asset).
			First(&balance).Error; err != nil {
			return models.AssetBalance{}, err
		}
		return balance, nil
	}
	if err != nil {
		return models.AssetBalance{}, err
	}
	return balance, nil
}

func (s *Service) loadOrCreateBalance(tx *gorm.DB, userID uuid.UUID, asset string) (models.AssetBalance, error) {
	var balance models.AssetBalance
	err := tx.Where("account_id = ? AND asset_code = ?", userID, asset).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = models.AssetBalance{AccountID: userID, AssetCode: asset}
		if err := tx.Create(&balance).Error; err != nil {
			return models.AssetBalance{}, err
		}
		return balance, nil
	}
	return balance, err
}
