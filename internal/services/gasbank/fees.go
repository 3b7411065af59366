package gasbank

import (
	"context"
	"fmt"
	"math"
)

// feeUnit converts fixed-point fee amounts (1e8 fractions) to ledger units.
const feeUnit = 1e8

// FeeCollector moves service fees through the gas bank on behalf of other
// components. Amounts are fixed-point integers with eight decimal places.
// Collect reserves the fee from available into locked, Refund releases it
// back, and Settle burns it from the account for good.
type FeeCollector struct {
	service *Service
}

// NewFeeCollector wraps a ledger service.
func NewFeeCollector(service *Service) *FeeCollector {
	return &FeeCollector{service: service}
}

// CollectFee reserves amount from the owner's available balance. A zero or
// negative amount is a no-op.
func (f *FeeCollector) CollectFee(ctx context.Context, accountID string, amount int64, reference string) error {
	if amount <= 0 {
		return nil
	}
	acct, err := f.service.gasAccountForOwner(ctx, accountID)
	if err != nil {
		return fmt.Errorf("collect fee %s: %w", reference, err)
	}
	fee := float64(amount) / feeUnit
	if acct.Available < fee-Epsilon {
		return fmt.Errorf("collect fee %s: %w", reference, ErrInsufficientFunds)
	}
	acct.Available -= fee
	acct.Locked += fee
	if _, err := f.service.store.UpdateGasAccount(ctx, acct); err != nil {
		return fmt.Errorf("collect fee %s: %w", reference, err)
	}
	f.service.log.WithFields(map[string]any{"account_id": accountID, "fee": fee, "reference": reference}).
		Debug("fee collected")
	return nil
}

// RefundFee releases a previously collected fee back to available. Amounts
// beyond the current lock are clamped so the ledger never goes negative.
func (f *FeeCollector) RefundFee(ctx context.Context, accountID string, amount int64, reference string) error {
	if amount <= 0 {
		return nil
	}
	acct, err := f.service.gasAccountForOwner(ctx, accountID)
	if err != nil {
		return fmt.Errorf("refund fee %s: %w", reference, err)
	}
	fee := math.Min(float64(amount)/feeUnit, acct.Locked)
	acct.Locked = math.Max(acct.Locked-fee, 0)
	acct.Available += fee
	if _, err := f.service.store.UpdateGasAccount(ctx, acct); err != nil {
		return fmt.Errorf("refund fee %s: %w", reference, err)
	}
	f.service.log.WithFields(map[string]any{"account_id": accountID, "fee": fee, "reference": reference}).
		Debug("fee refunded")
	return nil
}

// SettleFee burns a collected fee: the locked amount leaves the account
// balance entirely. Amounts beyond the current lock are clamped.
func (f *FeeCollector) SettleFee(ctx context.Context, accountID string, amount int64, reference string) error {
	if amount <= 0 {
		return nil
	}
	acct, err := f.service.gasAccountForOwner(ctx, accountID)
	if err != nil {
		return fmt.Errorf("settle fee %s: %w", reference, err)
	}
	fee := math.Min(float64(amount)/feeUnit, acct.Locked)
	acct.Locked = math.Max(acct.Locked-fee, 0)
	acct.Balance = math.Max(acct.Balance-fee, 0)
	if _, err := f.service.store.UpdateGasAccount(ctx, acct); err != nil {
		return fmt.Errorf("settle fee %s: %w", reference, err)
	}
	f.service.log.WithFields(map[string]any{"account_id": accountID, "fee": fee, "reference": reference}).
		Debug("fee settled")
	return nil
}
