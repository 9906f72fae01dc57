package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/domain/account"
	"github.com/0m3kk/eventbank/bank/domain/money"
	"github.com/0m3kk/eventbank/eventsrc"
)

// ErrAccountNotFound is returned for operations on accounts that have not
// been created, or whose creation the ID projection has not observed yet.
var ErrAccountNotFound = errors.New("account not found")

// IDIndex tells whether an account exists.
type IDIndex interface {
	Contains(id uuid.UUID) bool
}

// EntityFactory hands out running account entities.
type EntityFactory interface {
	Get(ctx context.Context, id uuid.UUID) (*AccountRef, error)
}

// Accounts is the entry point of the request layer. Errors wrapping
// eventsrc.ErrCommandRejected are business rejections; ErrAccountNotFound
// is returned for unknown accounts; anything else is an infrastructure
// failure.
type Accounts struct {
	ids     IDIndex
	factory EntityFactory
}

func NewAccounts(ids IDIndex, factory EntityFactory) *Accounts {
	return &Accounts{ids: ids, factory: factory}
}

// Exists reports whether the account id has been created.
func (a *Accounts) Exists(id uuid.UUID) bool {
	return a.ids.Contains(id)
}

// Create opens a new account and returns its ID.
func (a *Accounts) Create(ctx context.Context) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate account ID: %w", err)
	}
	if err := a.dispatch(ctx, id, account.Create{ID: id}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Deposit adds amount to the balance of account id and returns the ID of
// the deposit.
func (a *Accounts) Deposit(ctx context.Context, id uuid.UUID, amount money.EuroCent) (uuid.UUID, error) {
	return a.move(ctx, id, func(opID uuid.UUID) account.Cmd {
		return account.Deposit{ID: opID, Amount: amount}
	})
}

// Withdraw takes amount from the balance of account id and returns the ID
// of the withdrawal.
func (a *Accounts) Withdraw(ctx context.Context, id uuid.UUID, amount money.EuroCent) (uuid.UUID, error) {
	return a.move(ctx, id, func(opID uuid.UUID) account.Cmd {
		return account.Withdraw{ID: opID, Amount: amount}
	})
}

// Balance returns the balance of account id once all previously accepted
// commands have been applied.
func (a *Accounts) Balance(ctx context.Context, id uuid.UUID) (money.EuroCent, error) {
	if !a.Exists(id) {
		return 0, ErrAccountNotFound
	}

	var state account.State
	err := a.withEntity(ctx, id, func(ref *AccountRef) error {
		var err error
		state, err = ref.State(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return state.Balance, nil
}

func (a *Accounts) move(ctx context.Context, id uuid.UUID, cmd func(opID uuid.UUID) account.Cmd) (uuid.UUID, error) {
	if !a.Exists(id) {
		return uuid.Nil, ErrAccountNotFound
	}

	opID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate operation ID: %w", err)
	}
	if err := a.dispatch(ctx, id, cmd(opID)); err != nil {
		return uuid.Nil, err
	}
	return opID, nil
}

func (a *Accounts) dispatch(ctx context.Context, id uuid.UUID, cmd account.Cmd) error {
	return a.withEntity(ctx, id, func(ref *AccountRef) error {
		return ref.HandleCmd(ctx, cmd)
	})
}

// withEntity calls fn with the entity of account id. A handle stopped by
// eviction between Get and fn is obtained again once.
func (a *Accounts) withEntity(ctx context.Context, id uuid.UUID, fn func(ref *AccountRef) error) error {
	for attempt := 0; ; attempt++ {
		ref, err := a.factory.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get account %s: %w", id, err)
		}

		err = fn(ref)
		if errors.Is(err, eventsrc.ErrEntityStopped) && attempt == 0 {
			continue
		}
		return err
	}
}
