package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"paygate/daemon/internal/chains"
	"paygate/daemon/internal/config"
	"paygate/daemon/internal/keyring"
	"paygate/daemon/internal/models"
)

var (
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	selTransfer  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	selBalanceOf = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// Client implements the chain capability for the EVM family. Native transfers
// come from block bodies, asset transfers from ERC-20 Transfer logs of the
// configured token contracts.
type Client struct {
	chain  models.Chain
	cfg    *config.ChainConfig
	pool   *Pool
	logger zerolog.Logger

	tokenByAddr map[common.Address]config.Asset

	mu      sync.Mutex
	chainID *big.Int
}

func NewClient(cc *config.ChainConfig, logger zerolog.Logger) *Client {
	byAddr := make(map[common.Address]config.Asset, len(cc.Assets))
	for _, a := range cc.Assets {
		byAddr[common.HexToAddress(a.TokenID)] = a
	}
	log := logger.With().Str("component", "evm_client").Str("chain", cc.Name).Logger()
	return &Client{
		chain:       models.Chain(cc.Name),
		cfg:         cc,
		pool:        NewPool(cc.Endpoints, log),
		logger:      log,
		tokenByAddr: byAddr,
	}
}

func (c *Client) Chain() models.Chain { return c.chain }

func (c *Client) HeadHeight(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		n, err := ec.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// ResumeHeight: EVM endpoints serve full history, so scanning resumes exactly
// at the persisted checkpoint.
func (c *Client) ResumeHeight(ctx context.Context, checkpoint uint64) (uint64, error) {
	return checkpoint, nil
}

func (c *Client) BlockTransfers(ctx context.Context, height uint64, watched []string) ([]chains.Transfer, error) {
	var out []chains.Transfer

	var block *types.Block
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		b, err := ec.BlockByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return err
		}
		block = b
		return nil
	}); err != nil {
		return nil, fmt.Errorf("fetching block %d: %w", height, err)
	}

	blockHash := block.Hash().Hex()
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || tx.Value().Sign() <= 0 {
			continue
		}
		out = append(out, chains.Transfer{
			TxRef:     tx.Hash().Hex(),
			BlockHash: blockHash,
			ToAddr:    to.Hex(),
			Currency:  models.Currency(c.cfg.NativeCurrency),
			Amount:    new(big.Int).Set(tx.Value()),
		})
	}

	if len(c.tokenByAddr) > 0 {
		logs, err := c.tokenLogs(ctx, height)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}
	return out, nil
}

func (c *Client) tokenLogs(ctx context.Context, height uint64) ([]chains.Transfer, error) {
	contracts := make([]common.Address, 0, len(c.tokenByAddr))
	for addr := range c.tokenByAddr {
		contracts = append(contracts, addr)
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(height),
		ToBlock:   new(big.Int).SetUint64(height),
		Addresses: contracts,
		Topics:    [][]common.Hash{{transferTopic}},
	}

	var logs []types.Log
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		ls, err := ec.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = ls
		return nil
	}); err != nil {
		return nil, fmt.Errorf("filtering token logs at %d: %w", height, err)
	}

	var out []chains.Transfer
	for _, l := range logs {
		if len(l.Topics) != 3 {
			continue
		}
		asset, ok := c.tokenByAddr[l.Address]
		if !ok {
			continue
		}
		out = append(out, chains.Transfer{
			TxRef:     l.TxHash.Hex(),
			BlockHash: l.BlockHash.Hex(),
			FromAddr:  common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			ToAddr:    common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			Currency:  models.Currency(asset.Symbol),
			Amount:    new(big.Int).SetBytes(l.Data),
		})
	}
	return out, nil
}

func (c *Client) SubmitSweep(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
	if string(req.Currency) == c.cfg.NativeCurrency {
		return c.sweepNative(ctx, req)
	}
	asset, ok := c.cfg.Asset(req.Currency)
	if !ok {
		return "", nil, fmt.Errorf("%w: currency %s not configured on %s",
			chains.ErrSweepRejected, req.Currency, c.chain)
	}
	return c.sweepToken(ctx, req, asset)
}

// sweepNative moves the full balance minus gas to the recipient, with the
// remark attached as calldata.
func (c *Client) sweepNative(ctx context.Context, req chains.SweepRequest) (string, *big.Int, error) {
	from := common.HexToAddress(req.Signer.Address())
	to := common.HexToAddress(req.Recipient)
	data := []byte(req.Remark)

	var (
		nonce    uint64
		balance  *big.Int
		gasPrice *big.Int
		gasLimit uint64
	)
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		var err error
		if nonce, err = ec.PendingNonceAt(ctx, from); err != nil {
			return err
		}
		if balance, err = ec.BalanceAt(ctx, from, nil); err != nil {
			return err
		}
		if gasPrice, err = ec.SuggestGasPrice(ctx); err != nil {
			return err
		}
		gasLimit, err = ec.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Data:  data,
			Value: big.NewInt(1),
		})
		return err
	}); err != nil {
		return "", nil, err
	}

	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if balance.Cmp(gasCost) <= 0 {
		return "", nil, fmt.Errorf("%w: balance %s does not cover gas %s",
			chains.ErrSweepRejected, balance, gasCost)
	}
	value := new(big.Int).Sub(balance, gasCost)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	hash, err := c.signAndSend(ctx, req.Signer, tx)
	if err != nil {
		return "", nil, err
	}
	return hash, value, nil
}

// sweepToken moves the full ERC-20 balance; gas is paid from the deposit
// address's native balance.
func (c *Client) sweepToken(ctx context.Context, req chains.SweepRequest, asset config.Asset) (string, *big.Int, error) {
	from := common.HexToAddress(req.Signer.Address())
	to := common.HexToAddress(req.Recipient)
	token := common.HexToAddress(asset.TokenID)

	var tokenBalance *big.Int
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		res, err := ec.CallContract(ctx, ethereum.CallMsg{
			To:   &token,
			Data: packBalanceOf(from),
		}, nil)
		if err != nil {
			return err
		}
		tokenBalance = new(big.Int).SetBytes(res)
		return nil
	}); err != nil {
		return "", nil, err
	}
	if tokenBalance.Sign() <= 0 {
		return "", nil, fmt.Errorf("%w: zero %s balance on %s",
			chains.ErrSweepRejected, asset.Symbol, from.Hex())
	}

	calldata := packTransfer(to, tokenBalance)

	var (
		nonce      uint64
		gasBalance *big.Int
		gasPrice   *big.Int
		gasLimit   uint64
	)
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		var err error
		if nonce, err = ec.PendingNonceAt(ctx, from); err != nil {
			return err
		}
		if gasBalance, err = ec.BalanceAt(ctx, from, nil); err != nil {
			return err
		}
		if gasPrice, err = ec.SuggestGasPrice(ctx); err != nil {
			return err
		}
		gasLimit, err = ec.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &token,
			Data: calldata,
		})
		return err
	}); err != nil {
		return "", nil, err
	}

	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if gasBalance.Cmp(gasCost) < 0 {
		return "", nil, fmt.Errorf("%w: native balance %s does not cover token sweep gas %s",
			chains.ErrSweepRejected, gasBalance, gasCost)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	hash, err := c.signAndSend(ctx, req.Signer, tx)
	if err != nil {
		return "", nil, err
	}
	return hash, tokenBalance, nil
}

func (c *Client) signAndSend(ctx context.Context, signer *keyring.Signer, tx *types.Transaction) (string, error) {
	chainID, err := c.networkID(ctx)
	if err != nil {
		return "", err
	}
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return "", fmt.Errorf("signing sweep: %w", err)
	}
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, signed)
	}); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (c *Client) networkID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var id *big.Int
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		n, err := ec.NetworkID(ctx)
		if err != nil {
			return err
		}
		id = n
		return nil
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) TxStatus(ctx context.Context, txRef string) (chains.TxStatus, error) {
	var (
		rcpt  *types.Receipt
		found bool
	)
	if err := c.pool.Do(ctx, func(ec *ethclient.Client) error {
		r, err := ec.TransactionReceipt(ctx, common.HexToHash(txRef))
		if errors.Is(err, ethereum.NotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		rcpt = r
		found = true
		return nil
	}); err != nil {
		return chains.TxPending, err
	}
	if !found {
		return chains.TxPending, nil
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return chains.TxFailed, nil
	}

	head, err := c.HeadHeight(ctx)
	if err != nil {
		return chains.TxPending, err
	}
	if head < rcpt.BlockNumber.Uint64()+c.cfg.Depth {
		return chains.TxPending, nil
	}
	return chains.TxFinalized, nil
}
