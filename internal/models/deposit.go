package models

import (
	"fmt"
	"math/big"
)

// Deposit is a finalized transfer observed by a chain watcher for a watched
// address. Ephemeral: consumed by the reconciler and folded into invoice state.
type Deposit struct {
	Chain       Chain
	BlockNumber uint64
	BlockHash   string
	TxRef       string
	FromAddr    string
	ToAddr      string
	Currency    Currency
	Amount      *big.Int
	Finalized   bool
}

func (d *Deposit) ID() string {
	return fmt.Sprintf("%s:%s", d.TxRef, d.ToAddr)
}
