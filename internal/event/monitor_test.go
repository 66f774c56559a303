package event

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/database"
	"github.com/wheval/sendpay-sub000/internal/fiat"
	"github.com/wheval/sendpay-sub000/internal/logic"
	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/signer"
	"github.com/wheval/sendpay-sub000/internal/starknet"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// fakeLedgerClient 可编程的链节点伪实现
type fakeLedgerClient struct {
	latest    uint64
	latestErr error
	events    []starknet.RawEvent
	eventsErr error
	lastFrom  uint64
	lastTo    uint64
}

func (f *fakeLedgerClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	if f.latestErr != nil {
		return 0, f.latestErr
	}
	return f.latest, nil
}

func (f *fakeLedgerClient) GetEvents(ctx context.Context, fromBlock, toBlock uint64, keyFilter []string) ([]starknet.RawEvent, error) {
	f.lastFrom = fromBlock
	f.lastTo = toBlock
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return f.events, nil
}

type countingRail struct {
	initiateCalls int
}

func (c *countingRail) InitiatePayout(ctx context.Context, req fiat.PayoutRequest) (*fiat.PayoutResult, error) {
	c.initiateCalls++
	return &fiat.PayoutResult{ProviderId: "FLW-1", Status: "NEW"}, nil
}

func (c *countingRail) GetPayoutStatus(ctx context.Context, providerId string) (string, error) {
	return "SUCCESSFUL", nil
}

type noopLedgerSubmitter struct{}

func (noopLedgerSubmitter) SubmitTransaction(ctx context.Context, entrypoint string, calldata []string) (string, error) {
	return "0xsettlehash", nil
}

type noopProofSigner struct{}

func (noopProofSigner) SignSettlementProof(proof signer.SettlementProof) (string, error) {
	return "0x" + strings.Repeat("12", 32) + strings.Repeat("34", 32), nil
}

type fixedRateProvider struct{}

func (fixedRateProvider) GetExchangeRate(ctx context.Context, from, to string) (float64, error) {
	return 1500.0, nil
}

type monitorFixture struct {
	db      *gorm.DB
	client  *fakeLedgerClient
	rail    *countingRail
	monitor *Monitor
	events  *logic.EventLogic
	txLogic *logic.TransactionLogic
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		NamingStrategy: &schema.NamingStrategy{SingularTable: true},
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	fiatCfg := config.FiatConfig{Currency: "NGN", MinPayout: 10000, RateTTL: 60}
	txLogic := logic.NewTransactionLogic(db)
	bankLogic := logic.NewBankAccountLogic(db)
	eventLogic := logic.NewEventLogic(db)
	rateLogic := logic.NewRateLogic(fixedRateProvider{}, fiatCfg)
	rail := &countingRail{}

	require.NoError(t, bankLogic.CreateBankAccount(&model.BankAccountModel{
		UserAddress:   "0x1234",
		BankCode:      "044",
		AccountNumber: "0690000040",
		IsDefault:     true,
	}))

	payoutLogic := logic.NewPayoutLogic(
		txLogic, bankLogic, rateLogic,
		rail, noopLedgerSubmitter{}, noopProofSigner{},
		fiatCfg, 6,
	)

	client := &fakeLedgerClient{latest: 100}
	monitor := NewMonitor(client, eventLogic, payoutLogic, config.WatcherConfig{
		Name:          "settlement",
		Interval:      5,
		ReorgBackoff:  5,
		MaxBlockRange: 500,
	})

	return &monitorFixture{
		db:      db,
		client:  client,
		rail:    rail,
		monitor: monitor,
		events:  eventLogic,
		txLogic: txLogic,
	}
}

// rawCreated 构造一条WithdrawalCreated原始事件
func rawCreated(txHash string, index int64, block uint64) starknet.RawEvent {
	return starknet.RawEvent{
		TxHash:     txHash,
		EventIndex: index,
		BlockNum:   block,
		Keys:       []string{SelectorWithdrawalCreated},
		Data: []string{
			"0x2a", "0x0", // id = 42
			"0x1234",
			"0x5f5e100", "0x0", // amount = 100000000
			"0x70ab1",
			"0xabc",
			"0x66f2a480",
			"0x" + big.NewInt(int64(block)).Text(16),
		},
	}
}

func TestProcessTickAppliesAndAdvancesCheckpoint(t *testing.T) {
	f := newMonitorFixture(t)
	f.client.events = []starknet.RawEvent{rawCreated("0xtx1", 0, 80)}

	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, uint64(100), result.HighestBlock)

	cp, err := f.events.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)

	assert.Equal(t, 1, f.rail.initiateCalls)
	tx, err := f.txLogic.GetByReference("0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPayoutPending, tx.Status)
}

func TestProcessTickDuplicateDelivery(t *testing.T) {
	f := newMonitorFixture(t)
	f.client.events = []starknet.RawEvent{rawCreated("0xtx1", 0, 80)}

	_, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)

	// 重组回退后同一事件再次投递，按已处理跳过
	f.monitor.lastBlock = 70
	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, f.rail.initiateCalls)
}

func TestProcessTickFetchErrorKeepsCheckpoint(t *testing.T) {
	f := newMonitorFixture(t)
	f.client.events = []starknet.RawEvent{rawCreated("0xtx1", 0, 80)}
	_, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)

	f.client.latest = 200
	f.client.eventsErr = errors.New("node unavailable")
	_, err = f.monitor.ProcessTick(context.Background())
	require.Error(t, err)

	cp, err := f.events.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)
}

func TestProcessTickSkipsUnknownAndMalformed(t *testing.T) {
	f := newMonitorFixture(t)
	f.client.events = []starknet.RawEvent{
		{TxHash: "0xtx1", EventIndex: 0, BlockNum: 80, Keys: []string{"0xdeadbeef"}, Data: nil},
		{TxHash: "0xtx2", EventIndex: 0, BlockNum: 81, Keys: []string{SelectorWithdrawalCreated}, Data: []string{"0x2a"}},
	}

	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 2, result.Skipped)

	// 未识别和解码失败的事件不阻塞检查点推进
	cp, err := f.events.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)
}

func TestProcessTickNothingNew(t *testing.T) {
	f := newMonitorFixture(t)
	f.monitor.lastBlock = 100

	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	// 没有新区块时不改检查点
	cp, err := f.events.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
}

func TestProcessTickRespectsMaxBlockRange(t *testing.T) {
	f := newMonitorFixture(t)
	f.client.latest = 10000

	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), f.client.lastFrom)
	assert.Equal(t, uint64(500), f.client.lastTo)
	assert.Equal(t, uint64(500), result.HighestBlock)
}

func TestCheckpointLoadBacksOff(t *testing.T) {
	f := newMonitorFixture(t)
	require.NoError(t, f.events.SetCheckpoint("settlement", 90))

	require.NoError(t, f.monitor.loadCheckpoint())
	// 从 checkpoint - backoff = 85 区块本身开始重扫
	assert.Equal(t, uint64(84), f.monitor.lastBlock)
}

func TestCheckpointLoadSmallCheckpoint(t *testing.T) {
	f := newMonitorFixture(t)
	require.NoError(t, f.events.SetCheckpoint("settlement", 3))

	require.NoError(t, f.monitor.loadCheckpoint())
	assert.Equal(t, uint64(0), f.monitor.lastBlock)
}

func TestProcessTickSkipsUnrecoverableEvent(t *testing.T) {
	f := newMonitorFixture(t)

	// 本地交易已绑定提现41，链上又宣称同一引用属于提现42
	tx := &model.TransactionModel{
		Flow:            model.TxFlowOfframp,
		Status:          model.TxStatusSubmittedOnchain,
		UserAddress:     "0x1234",
		Reference:       "0xabc",
		AmountSource:    "100000000",
		Currency:        "NGN",
		WithdrawalId:    "41",
		PayoutReference: "sendpay-wd-41",
	}
	require.NoError(t, f.txLogic.CreateTransaction(tx))
	f.client.events = []starknet.RawEvent{rawCreated("0xtx1", 0, 80)}

	// 永久冲突的事件不能卡死扫链器：记录后跳过，检查点照常推进
	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Skipped)

	cp, err := f.events.GetCheckpoint("settlement")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp)

	// 冲突事件已落库，重放直接按已处理跳过
	processed, err := f.events.HasProcessed("0xtx1", 0)
	require.NoError(t, err)
	assert.True(t, processed)

	f.monitor.lastBlock = 70
	f.client.latest = 120
	result, err = f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	var record model.ProcessedEventModel
	require.NoError(t, f.db.Where("tx_hash = ? AND log_index = ?", "0xtx1", int64(0)).First(&record).Error)
	assert.Contains(t, record.ErrorDetail, "41")
	assert.Equal(t, 0, f.rail.initiateCalls)
}

func TestCheckpointLoadStartBlock(t *testing.T) {
	f := newMonitorFixture(t)
	f.monitor.cfg.StartBlock = 50

	require.NoError(t, f.monitor.loadCheckpoint())
	assert.Equal(t, uint64(49), f.monitor.lastBlock)
}

func TestWithdrawalCompletedFlow(t *testing.T) {
	f := newMonitorFixture(t)

	tx := &model.TransactionModel{
		Flow:            model.TxFlowOfframp,
		Status:          model.TxStatusPayoutCompleted,
		UserAddress:     "0x1234",
		Reference:       "0xabc",
		AmountSource:    "100000000",
		Currency:        "NGN",
		WithdrawalId:    "42",
		PayoutReference: "sendpay-wd-42",
	}
	require.NoError(t, f.txLogic.CreateTransaction(tx))

	f.client.events = []starknet.RawEvent{{
		TxHash:     "0xtx9",
		EventIndex: 0,
		BlockNum:   90,
		Keys:       []string{SelectorWithdrawalCompleted},
		Data:       []string{"0x2a", "0x0", "0x1234", "0xabc", "0x66f2a480"},
	}}

	result, err := f.monitor.ProcessTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	got, err := f.txLogic.GetByReference("0xabc")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusOnchainCompleted, got.Status)
}
