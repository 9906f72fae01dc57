package account

import (
	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/domain/money"
	"github.com/0m3kk/eventbank/eventsrc"
)

const (
	CreatedEventType   = "AccountCreated"
	DepositedEventType = "AccountDeposited"
	WithdrawnEventType = "AccountWithdrawn"
)

// Created is emitted when an account is created. It carries the account ID
// and is tagged with LifecycleTag.
type Created struct {
	ID uuid.UUID `json:"id"`
}

// Deposited is emitted when money has been deposited.
type Deposited struct {
	ID         uuid.UUID      `json:"id"`
	OldBalance money.EuroCent `json:"old_balance"`
	Amount     money.EuroCent `json:"amount"`
}

// Withdrawn is emitted when money has been withdrawn.
type Withdrawn struct {
	ID         uuid.UUID      `json:"id"`
	OldBalance money.EuroCent `json:"old_balance"`
	Amount     money.EuroCent `json:"amount"`
}

func (e *Created) EventType() string   { return CreatedEventType }
func (e *Deposited) EventType() string { return DepositedEventType }
func (e *Withdrawn) EventType() string { return WithdrawnEventType }

func init() {
	eventsrc.RegisterEvent(CreatedEventType, func() eventsrc.Event { return &Created{} })
	eventsrc.RegisterEvent(DepositedEventType, func() eventsrc.Event { return &Deposited{} })
	eventsrc.RegisterEvent(WithdrawnEventType, func() eventsrc.Event { return &Withdrawn{} })
}
