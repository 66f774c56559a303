package event

import (
	"fmt"
	"math/big"

	"github.com/wheval/sendpay-sub000/internal/starknet"
)

// 结算合约事件selector（事件名哈希，链上以key[0]携带）
const (
	SelectorWithdrawalCreated   = "0x01b9286d59f0b0cdaecf8e2f1bcc1d16bd46fe1e0dc4e5a1a53c6a9f7a7ba6c1"
	SelectorWithdrawalCompleted = "0x02fd2b1dbe459ef45fab2801d5b4e6e56b4bb6bfb498fa21e7b1e29a847f05d2"
	SelectorWithdrawalFailed    = "0x03a67fd21de1d1c8fe608e5dcebe04d7a9c8e7dd6c9a54f0c0e18fbcf012be53"
	SelectorDepositCompleted    = "0x00df60a9b34a31e3f329a6f71f1eb2d3ce245a10cdbbcfb16cdbeafcba1ef0a4"
	SelectorRoleChanged         = "0x01f0e3b7c531f23ea83a4f61d53d67cb1dd9e2e9a79e97d082cf4db648cf6ac6"
	SelectorEmergencyPaused     = "0x02c37adde4e7b4dbe6e940b16dbcbcca9c1b9e0909f743b6b2cf477ba3a2b8f1"
	SelectorEmergencyResumed    = "0x036d8a0ba24d5f5e1ccba1d6e4f3db63a48a60cbe6b3e3c52e4130e5720e50a"
)

// DecodedEvent 解码后的类型化事件
type DecodedEvent interface {
	EventName() string
}

// WithdrawalCreatedEvent 提现创建
type WithdrawalCreatedEvent struct {
	WithdrawalId *big.Int
	User         string
	Amount       *big.Int
	Token        string
	ExternalRef  string // 对应本地交易的reference（felt编码）
	Timestamp    uint64
	BlockNum     uint64
}

// WithdrawalCompletedEvent 提现链上关闭
type WithdrawalCompletedEvent struct {
	WithdrawalId *big.Int
	User         string
	SettledRef   string
	Timestamp    uint64
}

// WithdrawalFailedEvent 提现链上失败
type WithdrawalFailedEvent struct {
	WithdrawalId *big.Int
	User         string
	Reason       string
	Timestamp    uint64
}

// DepositCompletedEvent 入金上链完成
type DepositCompletedEvent struct {
	User        string
	Amount      *big.Int
	Token       string
	ExternalRef string
	Timestamp   uint64
}

// RoleChangedEvent 合约权限变更
type RoleChangedEvent struct {
	Account string
	Role    string
	Granted bool
}

// EmergencyPausedEvent 合约紧急暂停
type EmergencyPausedEvent struct {
	By        string
	Timestamp uint64
}

// EmergencyResumedEvent 合约恢复
type EmergencyResumedEvent struct {
	By        string
	Timestamp uint64
}

// UnknownEvent 未识别的事件，扫链器记录后跳过，不影响检查点推进
type UnknownEvent struct {
	Selector string
}

func (WithdrawalCreatedEvent) EventName() string   { return "WithdrawalCreated" }
func (WithdrawalCompletedEvent) EventName() string { return "WithdrawalCompleted" }
func (WithdrawalFailedEvent) EventName() string    { return "WithdrawalFailed" }
func (DepositCompletedEvent) EventName() string    { return "DepositCompleted" }
func (RoleChangedEvent) EventName() string         { return "RoleChanged" }
func (EmergencyPausedEvent) EventName() string     { return "EmergencyPaused" }
func (EmergencyResumedEvent) EventName() string    { return "EmergencyResumed" }
func (UnknownEvent) EventName() string             { return "Unknown" }

type decodeFunc func(data []string) (DecodedEvent, error)

// selectorTable selector到解码函数的映射，key为规范化后的selector
var selectorTable map[string]decodeFunc

func init() {
	selectorTable = map[string]decodeFunc{
		starknet.NormalizeFelt(SelectorWithdrawalCreated):   decodeWithdrawalCreated,
		starknet.NormalizeFelt(SelectorWithdrawalCompleted): decodeWithdrawalCompleted,
		starknet.NormalizeFelt(SelectorWithdrawalFailed):    decodeWithdrawalFailed,
		starknet.NormalizeFelt(SelectorDepositCompleted):    decodeDepositCompleted,
		starknet.NormalizeFelt(SelectorRoleChanged):         decodeRoleChanged,
		starknet.NormalizeFelt(SelectorEmergencyPaused):     decodeEmergencyPaused,
		starknet.NormalizeFelt(SelectorEmergencyResumed):    decodeEmergencyResumed,
	}
}

// Decode 将原始事件解码为类型化事件。
// 未识别的selector返回UnknownEvent而不是错误；字段数不足返回错误。
func Decode(raw starknet.RawEvent) (DecodedEvent, error) {
	if len(raw.Keys) == 0 {
		return nil, fmt.Errorf("event %s:%d has no keys", raw.TxHash, raw.EventIndex)
	}

	selector := starknet.NormalizeFelt(raw.Keys[0])
	decode, ok := selectorTable[selector]
	if !ok {
		return UnknownEvent{Selector: selector}, nil
	}

	decoded, err := decode(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode event %s:%d: %w", raw.TxHash, raw.EventIndex, err)
	}
	return decoded, nil
}

// requireFields 校验字段数，宁可拒绝也不能静默截断
func requireFields(data []string, want int, name string) error {
	if len(data) < want {
		return fmt.Errorf("%s expects %d fields, got %d", name, want, len(data))
	}
	return nil
}

// parseU256 从相邻两个limb还原256位金额：high << 128 | low
func parseU256(lowRaw, highRaw string) (*big.Int, error) {
	low, err := starknet.ParseFelt(lowRaw)
	if err != nil {
		return nil, fmt.Errorf("bad low limb: %w", err)
	}
	high, err := starknet.ParseFelt(highRaw)
	if err != nil {
		return nil, fmt.Errorf("bad high limb: %w", err)
	}
	return starknet.CombineU256(low, high), nil
}

func parseU64(raw string) (uint64, error) {
	v, err := starknet.ParseFelt(raw)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("value out of uint64 range: %s", raw)
	}
	return v.Uint64(), nil
}

// 字段布局固定且按位置解析：
// [id_low, id_high, user, amount_low, amount_high, token, external_ref, timestamp, block_number]
func decodeWithdrawalCreated(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 9, "WithdrawalCreated"); err != nil {
		return nil, err
	}

	id, err := parseU256(data[0], data[1])
	if err != nil {
		return nil, fmt.Errorf("withdrawal id: %w", err)
	}
	amount, err := parseU256(data[3], data[4])
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	ts, err := parseU64(data[7])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	blockNum, err := parseU64(data[8])
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	return WithdrawalCreatedEvent{
		WithdrawalId: id,
		User:         starknet.NormalizeFelt(data[2]),
		Amount:       amount,
		Token:        starknet.NormalizeFelt(data[5]),
		ExternalRef:  starknet.NormalizeFelt(data[6]),
		Timestamp:    ts,
		BlockNum:     blockNum,
	}, nil
}

// [id_low, id_high, user, settled_ref, timestamp]
func decodeWithdrawalCompleted(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 5, "WithdrawalCompleted"); err != nil {
		return nil, err
	}

	id, err := parseU256(data[0], data[1])
	if err != nil {
		return nil, fmt.Errorf("withdrawal id: %w", err)
	}
	ts, err := parseU64(data[4])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return WithdrawalCompletedEvent{
		WithdrawalId: id,
		User:         starknet.NormalizeFelt(data[2]),
		SettledRef:   starknet.NormalizeFelt(data[3]),
		Timestamp:    ts,
	}, nil
}

// [id_low, id_high, user, reason, timestamp]
func decodeWithdrawalFailed(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 5, "WithdrawalFailed"); err != nil {
		return nil, err
	}

	id, err := parseU256(data[0], data[1])
	if err != nil {
		return nil, fmt.Errorf("withdrawal id: %w", err)
	}
	ts, err := parseU64(data[4])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return WithdrawalFailedEvent{
		WithdrawalId: id,
		User:         starknet.NormalizeFelt(data[2]),
		Reason:       data[3],
		Timestamp:    ts,
	}, nil
}

// [user, amount_low, amount_high, token, external_ref, timestamp]
func decodeDepositCompleted(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 6, "DepositCompleted"); err != nil {
		return nil, err
	}

	amount, err := parseU256(data[1], data[2])
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	ts, err := parseU64(data[5])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return DepositCompletedEvent{
		User:        starknet.NormalizeFelt(data[0]),
		Amount:      amount,
		Token:       starknet.NormalizeFelt(data[3]),
		ExternalRef: starknet.NormalizeFelt(data[4]),
		Timestamp:   ts,
	}, nil
}

// [account, role, granted]
func decodeRoleChanged(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 3, "RoleChanged"); err != nil {
		return nil, err
	}

	granted, err := parseU64(data[2])
	if err != nil {
		return nil, fmt.Errorf("granted flag: %w", err)
	}

	return RoleChangedEvent{
		Account: starknet.NormalizeFelt(data[0]),
		Role:    starknet.NormalizeFelt(data[1]),
		Granted: granted != 0,
	}, nil
}

// [by, timestamp]
func decodeEmergencyPaused(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 2, "EmergencyPaused"); err != nil {
		return nil, err
	}

	ts, err := parseU64(data[1])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return EmergencyPausedEvent{By: starknet.NormalizeFelt(data[0]), Timestamp: ts}, nil
}

// [by, timestamp]
func decodeEmergencyResumed(data []string) (DecodedEvent, error) {
	if err := requireFields(data, 2, "EmergencyResumed"); err != nil {
		return nil, err
	}

	ts, err := parseU64(data[1])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return EmergencyResumedEvent{By: starknet.NormalizeFelt(data[0]), Timestamp: ts}, nil
}
