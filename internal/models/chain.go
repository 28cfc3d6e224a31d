package models

type Chain string

type ChainFamily string

const (
	FamilyEVM         ChainFamily = "evm"
	FamilyHyperliquid ChainFamily = "hyperliquid"
)

// Currency is an asset symbol as configured for a chain, e.g. "ETH" or "USDC".
type Currency string
