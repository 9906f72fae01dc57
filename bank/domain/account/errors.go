package account

import (
	"errors"
	"fmt"

	"github.com/0m3kk/eventbank/bank/domain/money"
)

var (
	ErrNotYetCreated  = errors.New("this account has not been created yet")
	ErrAlreadyCreated = errors.New("this account has already been created")
)

// InvalidWithdrawError rejects a withdrawal exceeding the balance.
type InvalidWithdrawError struct {
	Balance        money.EuroCent
	WithdrawAmount money.EuroCent
}

func (e *InvalidWithdrawError) Error() string {
	return fmt.Sprintf("balance '%s' insufficient to withdraw amount '%s'", e.Balance, e.WithdrawAmount)
}

// BalanceOverflowError rejects a deposit the balance cannot represent.
type BalanceOverflowError struct {
	Balance       money.EuroCent
	DepositAmount money.EuroCent
}

func (e *BalanceOverflowError) Error() string {
	return fmt.Sprintf("balance '%s' cannot take deposit amount '%s'", e.Balance, e.DepositAmount)
}
