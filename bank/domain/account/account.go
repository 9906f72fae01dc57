package account

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/domain/money"
	"github.com/0m3kk/eventbank/eventsrc"
)

const (
	AggregateType eventsrc.AggregateType = "accounts"

	// LifecycleTag marks the events that create accounts.
	LifecycleTag = "account-lifecycle"
)

// Status tells whether an account exists.
type Status int

const (
	StatusNonExistent Status = iota
	StatusCreated
)

func (s Status) String() string {
	switch s {
	case StatusNonExistent:
		return "NonExistent"
	case StatusCreated:
		return "Created"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the persisted state of an account. ID and Balance are only
// meaningful once Status is StatusCreated.
type State struct {
	Status  Status         `json:"status"`
	ID      uuid.UUID      `json:"id"`
	Balance money.EuroCent `json:"balance"`
}

// Account is an event-sourced bank account. The zero value is a
// non-existent account which never requests snapshots.
type Account struct {
	snapshotAfter uint64
	state         State
	evtCount      uint64
}

var _ eventsrc.Aggregate[Cmd, State] = (*Account)(nil)

// New returns a non-existent account.
func New() *Account {
	return &Account{}
}

// WithSnapshotAfter makes the account request a snapshot every n applied
// events. Zero disables snapshots.
func (a *Account) WithSnapshotAfter(n uint64) *Account {
	a.snapshotAfter = n
	return a
}

func (a *Account) AggregateType() eventsrc.AggregateType { return AggregateType }
func (a *Account) State() State { return a.state }
func (a *Account) SetState(state State) { a.state = state }

// HandleCmd validates cmd against the current state.
func (a *Account) HandleCmd(cmd Cmd) ([]eventsrc.TaggedEvent, error) {
	slog.Debug("Handling command", "command", fmt.Sprintf("%T%+v", cmd, cmd), "status", a.state.Status)

	switch a.state.Status {
	case StatusNonExistent:
		if c, ok := cmd.(Create); ok {
			return []eventsrc.TaggedEvent{eventsrc.WithTag(&Created{ID: c.ID}, LifecycleTag)}, nil
		}
		return nil, ErrNotYetCreated

	case StatusCreated:
		balance := a.state.Balance
		switch c := cmd.(type) {
		case Deposit:
			if _, err := balance.Add(c.Amount); err != nil {
				return nil, &BalanceOverflowError{Balance: balance, DepositAmount: c.Amount}
			}
			return []eventsrc.TaggedEvent{eventsrc.Untagged(&Deposited{
				ID:         c.ID,
				OldBalance: balance,
				Amount:     c.Amount,
			})}, nil

		case Withdraw:
			if balance < c.Amount {
				return nil, &InvalidWithdrawError{Balance: balance, WithdrawAmount: c.Amount}
			}
			return []eventsrc.TaggedEvent{eventsrc.Untagged(&Withdrawn{
				ID:         c.ID,
				OldBalance: balance,
				Amount:     c.Amount,
			})}, nil

		default:
			return nil, ErrAlreadyCreated
		}
	}

	return nil, fmt.Errorf("account in unknown status %s", a.state.Status)
}

// HandleEvt folds evt into the state. It panics with an
// *eventsrc.IntegrityError if evt cannot be applied to the current state.
func (a *Account) HandleEvt(evt eventsrc.Event) (State, bool) {
	slog.Debug("Handling event", "eventType", evt.EventType(), "status", a.state.Status)

	switch a.state.Status {
	case StatusNonExistent:
		e, ok := evt.(*Created)
		if !ok {
			a.illegal(evt)
		}
		a.state = State{Status: StatusCreated, ID: e.ID}

	case StatusCreated:
		var (
			balance money.EuroCent
			err     error
		)
		switch e := evt.(type) {
		case *Deposited:
			balance, err = a.state.Balance.Add(e.Amount)
		case *Withdrawn:
			balance, err = a.state.Balance.Sub(e.Amount)
		default:
			a.illegal(evt)
		}
		if err != nil {
			a.illegal(evt)
		}
		a.state.Balance = balance

	default:
		a.illegal(evt)
	}

	a.evtCount++
	if a.snapshotAfter > 0 && a.evtCount%a.snapshotAfter == 0 {
		slog.Debug("Taking snapshot", "evtCount", a.evtCount)
		return a.state, true
	}
	return State{}, false
}

func (a *Account) illegal(evt eventsrc.Event) {
	panic(&eventsrc.IntegrityError{State: a.state.Status.String(), Event: evt})
}
