// Package accounts manages owner accounts. The gas bank checks account
// existence through this service before touching ledger state.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/gasbank/internal/domain/account"
	"github.com/R3E-Network/gasbank/internal/storage"
	"github.com/R3E-Network/gasbank/pkg/logger"
)

var errOwnerRequired = errors.New("owner is required")

// Service exposes account CRUD on top of an AccountStore.
type Service struct {
	store storage.AccountStore
	log   *logger.Logger
}

// New builds the service. A nil logger is replaced with a default one.
func New(store storage.AccountStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{store: store, log: log}
}

var _ storage.AccountChecker = (*Service)(nil)

// Create registers a new account for owner.
func (s *Service) Create(ctx context.Context, owner string, metadata map[string]string) (account.Account, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return account.Account{}, errOwnerRequired
	}
	acct, err := s.store.CreateAccount(ctx, account.Account{Owner: owner, Metadata: metadata})
	if err != nil {
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}
	s.log.WithField("account_id", acct.ID).Info("account created")
	return acct, nil
}

// Get returns one account by id.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]account.Account, error) {
	return s.store.ListAccounts(ctx)
}

// UpdateMetadata replaces an account's metadata map.
func (s *Service) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, err
	}
	acct.Metadata = metadata
	return s.store.UpdateAccount(ctx, acct)
}

// Delete removes an account.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.log.WithField("account_id", id).Info("account deleted")
	return nil
}

// AccountExists implements storage.AccountChecker.
func (s *Service) AccountExists(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errOwnerRequired
	}
	_, err := s.store.GetAccount(ctx, id)
	return err
}
