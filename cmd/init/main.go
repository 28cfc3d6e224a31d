package main

import (
	"fmt"
	"os"

	"github.com/tyler-smith/go-bip39"
)

// Generates a fresh 24-word mnemonic for the gateway's signing seed. Printed
// once to stdout and never written anywhere; store it in SEED_PHRASE.
func main() {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: generating entropy: %v\n", err)
		os.Exit(1)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: building mnemonic: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(mnemonic)
}
