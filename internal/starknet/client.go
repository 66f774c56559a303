package starknet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/NethermindEth/starknet.go/account"
	"github.com/NethermindEth/starknet.go/curve"
	"github.com/NethermindEth/starknet.go/rpc"
	"github.com/NethermindEth/starknet.go/utils"

	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/logger"
)

// RawEvent 链节点返回的原始事件。
// 节点返回的事件本身不带序号，EventIndex按交易内出现顺序编号；
// 同一区间重放时节点返回顺序一致，幂等键因此稳定。
type RawEvent struct {
	TxHash     string
	EventIndex int64
	BlockNum   uint64
	Keys       []string
	Data       []string
}

// eventChunkSize starknet_getEvents单页条数
const eventChunkSize = 200

// Client 结算合约所在链节点的RPC客户端，提交交易走链上账户
type Client struct {
	provider        *rpc.Provider
	account         *account.Account
	contract        *felt.Felt
	contractAddress string
	maxFee          *felt.Felt
}

func Init(cfg config.LedgerConfig) (*Client, error) {
	if cfg.RpcUrl == "" {
		return nil, fmt.Errorf("ledger rpc url is empty")
	}

	provider, err := rpc.NewProvider(cfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc provider: %w", err)
	}

	contract, err := utils.HexToFelt(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid contract address %q: %w", cfg.ContractAddress, err)
	}

	maxFee, err := utils.HexToFelt(cfg.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("invalid max fee %q: %w", cfg.MaxFee, err)
	}

	accountAddr, err := utils.HexToFelt(cfg.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid account address %q: %w", cfg.AccountAddress, err)
	}

	privKey, ok := new(big.Int).SetString(strings.TrimPrefix(cfg.AccountKey, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid account key")
	}
	pubX, _, err := curve.Curve.PrivateToPoint(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account public key: %w", err)
	}
	pub := utils.BigIntToFelt(pubX).String()

	ks := account.NewMemKeystore()
	ks.Put(pub, privKey)

	acct, err := account.NewAccount(provider, accountAddr, pub, ks, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger account: %w", err)
	}

	return &Client{
		provider:        provider,
		account:         acct,
		contract:        contract,
		contractAddress: NormalizeFelt(cfg.ContractAddress),
		maxFee:          maxFee,
	}, nil
}

// ContractAddress 获取结算合约地址（规范化形式）
func (c *Client) ContractAddress() string {
	return c.contractAddress
}

// withRetry 执行一次节点调用，失败重试一次
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			logger.Warn("Retrying rpc call %s after error: %v", op, lastErr)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// GetLatestBlockNumber 获取最新区块号
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, "starknet_blockNumber", func() error {
		var callErr error
		blockNum, callErr = c.provider.BlockNumber(ctx)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNum, nil
}

// GetEvents 获取区块区间内结算合约发出的事件，可选事件key过滤
func (c *Client) GetEvents(ctx context.Context, fromBlock, toBlock uint64, keyFilter []string) ([]RawEvent, error) {
	var keys [][]*felt.Felt
	if len(keyFilter) > 0 {
		first := make([]*felt.Felt, 0, len(keyFilter))
		for _, k := range keyFilter {
			f, err := utils.HexToFelt(k)
			if err != nil {
				return nil, fmt.Errorf("invalid event key filter %q: %w", k, err)
			}
			first = append(first, f)
		}
		keys = [][]*felt.Felt{first}
	}

	input := rpc.EventsInput{
		EventFilter: rpc.EventFilter{
			FromBlock: rpc.WithBlockNumber(fromBlock),
			ToBlock:   rpc.WithBlockNumber(toBlock),
			Address:   c.contract,
			Keys:      keys,
		},
		ResultPageRequest: rpc.ResultPageRequest{ChunkSize: eventChunkSize},
	}

	var events []RawEvent
	// 交易内序号跨页累加，翻页不重置
	ordinal := make(map[string]int64)
	for {
		var chunk *rpc.EventChunk
		err := c.withRetry(ctx, "starknet_getEvents", func() error {
			var callErr error
			chunk, callErr = c.provider.Events(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get events [%d, %d]: %w", fromBlock, toBlock, err)
		}

		for _, ev := range chunk.Events {
			txHash := ev.TransactionHash.String()
			events = append(events, RawEvent{
				TxHash:     txHash,
				EventIndex: ordinal[txHash],
				BlockNum:   ev.BlockNumber,
				Keys:       feltsToHex(ev.Keys),
				Data:       feltsToHex(ev.Data),
			})
			ordinal[txHash]++
		}

		if chunk.ContinuationToken == "" {
			return events, nil
		}
		input.ResultPageRequest.ContinuationToken = chunk.ContinuationToken
	}
}

// GetNonce 读取用户在结算合约中的当前提现nonce。
// 每次签名前都必须现读，禁止缓存。
func (c *Client) GetNonce(ctx context.Context, userAddress string) (*big.Int, error) {
	user, err := utils.HexToFelt(userAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid user address %q: %w", userAddress, err)
	}

	call := rpc.FunctionCall{
		ContractAddress:    c.contract,
		EntryPointSelector: utils.GetSelectorFromNameFelt("get_user_nonce"),
		Calldata:           []*felt.Felt{user},
	}

	var result []*felt.Felt
	err = c.withRetry(ctx, "starknet_call", func() error {
		var callErr error
		result, callErr = c.provider.Call(ctx, call, rpc.WithBlockTag("latest"))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce for %s: %w", userAddress, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty nonce result for %s", userAddress)
	}

	return result[0].BigInt(new(big.Int)), nil
}

// SubmitTransaction 向结算合约提交一笔调用，返回交易哈希。
// 提交不自动重试，避免同一笔业务重复上链，失败由对账任务补偿。
func (c *Client) SubmitTransaction(ctx context.Context, entrypoint string, calldata []string) (string, error) {
	felts := make([]*felt.Felt, 0, len(calldata))
	for _, v := range calldata {
		f, err := utils.HexToFelt(v)
		if err != nil {
			return "", fmt.Errorf("invalid calldata %q: %w", v, err)
		}
		felts = append(felts, f)
	}

	call := rpc.FunctionCall{
		ContractAddress:    c.contract,
		EntryPointSelector: utils.GetSelectorFromNameFelt(entrypoint),
		Calldata:           felts,
	}

	nonce, err := c.account.Nonce(ctx, rpc.WithBlockTag("latest"), c.account.AccountAddress)
	if err != nil {
		return "", fmt.Errorf("failed to read account nonce: %w", err)
	}

	invoke := rpc.InvokeTxnV1{
		MaxFee:        c.maxFee,
		Version:       rpc.TransactionV1,
		Nonce:         nonce,
		Type:          rpc.TransactionType_Invoke,
		SenderAddress: c.account.AccountAddress,
	}
	calldataFelts, fmtErr := c.account.FmtCalldata([]rpc.FunctionCall{call})
	if fmtErr != nil {
		return "", fmt.Errorf("failed to format calldata for %s: %w", entrypoint, fmtErr)
	}
	invoke.Calldata = calldataFelts
	if err := c.account.SignInvokeTransaction(ctx, &invoke); err != nil {
		return "", fmt.Errorf("failed to sign invoke transaction: %w", err)
	}

	resp, err := c.account.AddInvokeTransaction(ctx, invoke)
	if err != nil {
		return "", fmt.Errorf("failed to submit transaction to %s: %w", entrypoint, err)
	}

	txHash := resp.TransactionHash.String()
	logger.Info("Submitted ledger transaction %s entrypoint=%s", txHash, entrypoint)
	return txHash, nil
}

func feltsToHex(fs []*felt.Felt) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.String())
	}
	return out
}
