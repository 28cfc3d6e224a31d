package models

import (
	"math/big"
	"time"
)

type State string

const (
	StatePending       State = "pending"
	StateUnderpaid     State = "underpaid"
	StatePaid          State = "paid"
	StateOverpaid      State = "overpaid"
	StateForwarding    State = "forwarding"
	StateSettled       State = "settled"
	StateForwardFailed State = "forward_failed"
	StateExpired       State = "expired"
)

// Terminal states are immutable; the record persists for audit only.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateForwardFailed, StateExpired:
		return true
	}
	return false
}

// Funded reports whether enough has been observed that the invoice must reach
// settlement and is immune to expiry.
func (s State) Funded() bool {
	switch s {
	case StatePaid, StateOverpaid, StateForwarding:
		return true
	}
	return false
}

type Invoice struct {
	ID              string   `json:"id"`
	Chain           Chain    `json:"chain"`
	Currency        Currency `json:"currency"`
	AmountDue       *big.Int `json:"amount_due"`
	DerivationIndex uint32   `json:"derivation_index"`
	Address         string   `json:"address"`
	State           State    `json:"state"`
	ObservedAmount  *big.Int `json:"observed_amount"`

	// Credits maps tx refs to credited amounts so duplicate delivery of the
	// same deposit event never double-counts ObservedAmount.
	Credits map[string]*big.Int `json:"credits,omitempty"`

	// Uncredited records deposits to this address in the wrong currency.
	// Never summed into ObservedAmount, never refunded; operator review only.
	Uncredited []UncreditedDeposit `json:"uncredited,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`

	SweepTxRef      string `json:"sweep_tx_ref,omitempty"`
	ForwardAttempts int    `json:"forward_attempts,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

type UncreditedDeposit struct {
	TxRef    string   `json:"tx_ref"`
	Currency Currency `json:"currency"`
	Amount   *big.Int `json:"amount"`
}

// Credit folds a deposit into the invoice. Returns false if the tx ref was
// already credited.
func (inv *Invoice) Credit(txRef string, amount *big.Int) bool {
	if inv.Credits == nil {
		inv.Credits = make(map[string]*big.Int)
	}
	if _, seen := inv.Credits[txRef]; seen {
		return false
	}
	inv.Credits[txRef] = new(big.Int).Set(amount)
	if inv.ObservedAmount == nil {
		inv.ObservedAmount = new(big.Int)
	}
	inv.ObservedAmount = new(big.Int).Add(inv.ObservedAmount, amount)
	return true
}

// Shortfall is AmountDue - ObservedAmount, floored at zero.
func (inv *Invoice) Shortfall() *big.Int {
	observed := inv.ObservedAmount
	if observed == nil {
		observed = new(big.Int)
	}
	d := new(big.Int).Sub(inv.AmountDue, observed)
	if d.Sign() < 0 {
		return new(big.Int)
	}
	return d
}
