package gasbank

import (
	"context"
	"errors"

	domain "github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
)

// failingStore wraps a GasBankStore and fails selected writes. Tests use
// it to exercise the compensating-rollback paths.
type failingStore struct {
	storage.GasBankStore
	failCreateTx     bool
	failUpdateTx     bool
	failSaveSchedule bool
}

var errInjected = errors.New("injected storage failure")

func (f *failingStore) CreateGasTransaction(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if f.failCreateTx {
		return domain.Transaction{}, errInjected
	}
	return f.GasBankStore.CreateGasTransaction(ctx, tx)
}

func (f *failingStore) UpdateGasTransaction(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if f.failUpdateTx {
		return domain.Transaction{}, errInjected
	}
	return f.GasBankStore.UpdateGasTransaction(ctx, tx)
}

func (f *failingStore) SaveWithdrawalSchedule(ctx context.Context, schedule domain.WithdrawalSchedule) (domain.WithdrawalSchedule, error) {
	if f.failSaveSchedule {
		return domain.WithdrawalSchedule{}, errInjected
	}
	return f.GasBankStore.SaveWithdrawalSchedule(ctx, schedule)
}
