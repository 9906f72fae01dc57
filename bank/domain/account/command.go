package account

import (
	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/domain/money"
)

// Cmd is a command for an Account. The ID of each command identifies the
// operation attempt; it is not deduplicated by the aggregate.
type Cmd interface {
	isCmd()
}

// Create creates the account. Its ID is the account ID.
type Create struct {
	ID uuid.UUID
}

// Deposit adds Amount to the balance.
type Deposit struct {
	ID     uuid.UUID
	Amount money.EuroCent
}

// Withdraw takes Amount from the balance.
type Withdraw struct {
	ID     uuid.UUID
	Amount money.EuroCent
}

func (Create) isCmd()   {}
func (Deposit) isCmd()  {}
func (Withdraw) isCmd() {}
