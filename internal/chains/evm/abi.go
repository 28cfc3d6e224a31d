package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Minimal ERC-20 calldata packing; only two selectors are needed.

func packTransfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, selTransfer...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func packBalanceOf(owner common.Address) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, selBalanceOf...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	return data
}
