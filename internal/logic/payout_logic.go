package logic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/fiat"
	"github.com/wheval/sendpay-sub000/internal/logger"
	"github.com/wheval/sendpay-sub000/internal/model"
	"github.com/wheval/sendpay-sub000/internal/signer"
	"github.com/wheval/sendpay-sub000/internal/starknet"
)

// 结算合约入口
const (
	EntrypointCompleteWithdrawal = "complete_withdrawal"
	EntrypointDepositCredit      = "deposit_and_credit"
)

// ErrUnrecoverableEvent 事件与本地状态永久冲突，重放多少次都不可能成功。
// 扫链器据此跳过该事件并推进检查点，而不是卡死整个区间。
var ErrUnrecoverableEvent = errors.New("事件不可恢复")

// PayoutRail 出金通道接口，测试注入伪实现
type PayoutRail interface {
	InitiatePayout(ctx context.Context, req fiat.PayoutRequest) (*fiat.PayoutResult, error)
	GetPayoutStatus(ctx context.Context, providerId string) (string, error)
}

// LedgerSubmitter 结算合约调用接口
type LedgerSubmitter interface {
	SubmitTransaction(ctx context.Context, entrypoint string, calldata []string) (string, error)
}

// ProofSigner 结算凭证签名接口
type ProofSigner interface {
	SignSettlementProof(proof signer.SettlementProof) (string, error)
}

// PayoutLogic 出金编排逻辑。
// 所有步骤各自幂等，扫链器与对账任务可以重复驱动同一笔交易。
type PayoutLogic struct {
	txLogic       *TransactionLogic
	bankLogic     *BankAccountLogic
	rateLogic     *RateLogic
	rail          PayoutRail
	ledger        LedgerSubmitter
	proofSigner   ProofSigner
	currency      string
	minPayout     int64
	tokenDecimals int32
}

// NewPayoutLogic 创建出金编排逻辑
func NewPayoutLogic(
	txLogic *TransactionLogic,
	bankLogic *BankAccountLogic,
	rateLogic *RateLogic,
	rail PayoutRail,
	ledger LedgerSubmitter,
	proofSigner ProofSigner,
	cfg config.FiatConfig,
	tokenDecimals int32,
) *PayoutLogic {
	return &PayoutLogic{
		txLogic:       txLogic,
		bankLogic:     bankLogic,
		rateLogic:     rateLogic,
		rail:          rail,
		ledger:        ledger,
		proofSigner:   proofSigner,
		currency:      cfg.Currency,
		minPayout:     cfg.MinPayout,
		tokenDecimals: tokenDecimals,
	}
}

// PayoutReference 由提现ID推导幂等出金引用。
// 不含任何时间成分，同一笔提现无论重试多少次引用都相同。
func PayoutReference(withdrawalId string) string {
	return "sendpay-wd-" + withdrawalId
}

// ConvertToFiatMinor 将链上金额转换为法币最小单位金额
func (p *PayoutLogic) ConvertToFiatMinor(amountSource string, rate float64) (int64, error) {
	amount, ok := new(big.Int).SetString(amountSource, 10)
	if !ok {
		return 0, fmt.Errorf("无效的链上金额: %q", amountSource)
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.tokenDecimals)), nil))
	tokens := new(big.Float).Quo(new(big.Float).SetInt(amount), scale)
	// 法币最小单位 = 代币数量 * 汇率 * 100
	minor := new(big.Float).Mul(tokens, big.NewFloat(rate*100))

	// Int64在超界时饱和到MaxInt64而不报错，必须先比较再转换
	if minor.Cmp(new(big.Float).SetInt64(math.MaxInt64)) >= 0 {
		return 0, fmt.Errorf("金额溢出: %q", amountSource)
	}
	result, _ := minor.Int64()
	if result < 0 {
		return 0, fmt.Errorf("金额溢出: %q", amountSource)
	}
	return result, nil
}

// ProcessWithdrawalCreated 处理WithdrawalCreated事件。
// 找到本地交易、补齐提现元数据，再驱动出金。找不到本地交易时补建记录，
// 保证一笔链上提现始终对应且只对应一条本地交易。
func (p *PayoutLogic) ProcessWithdrawalCreated(ctx context.Context, ev WithdrawalCreatedInput) error {
	withdrawalId := ev.WithdrawalId.String()

	tx, err := p.txLogic.GetByReference(ev.ExternalRef)
	if errors.Is(err, ErrTransactionNotFound) {
		// 链上出现了本地不知道的提现，补建记录后走正常流程
		logger.Warn("No local transaction for withdrawal %s ref=%s, creating one", withdrawalId, ev.ExternalRef)
		tx = &model.TransactionModel{
			Flow:            model.TxFlowOfframp,
			Status:          model.TxStatusSubmittedOnchain,
			UserAddress:     ev.User,
			Reference:       ev.ExternalRef,
			AmountSource:    ev.Amount.String(),
			Currency:        p.currency,
			LedgerTxHash:    ev.TxHash,
			WithdrawalId:    withdrawalId,
			PayoutReference: PayoutReference(withdrawalId),
			TokenAddress:    ev.Token,
		}
		if err := p.txLogic.CreateTransaction(tx); err != nil {
			return fmt.Errorf("补建交易记录失败: %w", err)
		}
	} else if err != nil {
		return err
	}

	// 已有记录时校验提现ID映射：一条交易只允许绑定一个提现ID
	if tx.WithdrawalId != "" && tx.WithdrawalId != withdrawalId {
		return fmt.Errorf("%w: 交易 %s 已绑定提现 %s，拒绝绑定 %s", ErrUnrecoverableEvent, tx.Reference, tx.WithdrawalId, withdrawalId)
	}

	// 用户端已签名但提交回调丢失的情况，先推进到submitted_onchain
	if tx.Status == model.TxStatusSigned {
		err := p.txLogic.Transition(tx.Id, model.TxStatusSigned, model.TxStatusSubmittedOnchain, map[string]interface{}{
			"ledger_tx_hash": ev.TxHash,
			"withdrawal_id":  withdrawalId,
			"payout_reference": PayoutReference(withdrawalId),
		})
		if err != nil && !errors.Is(err, ErrStatusConflict) {
			return err
		}
		refreshed, err := p.txLogic.GetByReference(tx.Reference)
		if err != nil {
			return err
		}
		tx = refreshed
	} else if tx.WithdrawalId == "" {
		// 其他状态只补元数据，不动status
		err := p.txLogic.db.Model(&model.TransactionModel{}).
			Where("id = ?", tx.Id).
			Updates(map[string]interface{}{
				"withdrawal_id":    withdrawalId,
				"payout_reference": PayoutReference(withdrawalId),
				"ledger_tx_hash":   ev.TxHash,
			}).Error
		if err != nil {
			return fmt.Errorf("补齐提现元数据失败: %w", err)
		}
		tx.WithdrawalId = withdrawalId
		tx.PayoutReference = PayoutReference(withdrawalId)
	}

	return p.RunPayout(ctx, tx)
}

// WithdrawalCreatedInput 扫链器传入的提现创建参数
type WithdrawalCreatedInput struct {
	WithdrawalId *big.Int
	User         string
	Amount       *big.Int
	Token        string
	ExternalRef  string
	TxHash       string
}

// RunPayout 出金编排核心，每一步幂等，可被扫链器和对账任务重复调用
func (p *PayoutLogic) RunPayout(ctx context.Context, tx *model.TransactionModel) error {
	switch tx.Status {
	case model.TxStatusPayoutCompleted, model.TxStatusOnchainCompleted:
		// 已经出过金，什么都不做
		return nil
	case model.TxStatusPayoutPending:
		if tx.ProviderPayoutId != "" {
			// 出金请求已受理，等webhook推进
			return nil
		}
	case model.TxStatusSubmittedOnchain, model.TxStatusPayoutFailed:
		// 继续向下执行
	default:
		return fmt.Errorf("交易 %s 状态 %s 不允许出金", tx.Reference, tx.Status)
	}

	if tx.WithdrawalId == "" {
		return errors.New("交易缺少提现ID")
	}
	if tx.OnchainClosed {
		// 链上已关闭的提现禁止再出金
		return nil
	}

	// 加载收款银行账户
	var account *model.BankAccountModel
	var err error
	if tx.BankAccountId > 0 {
		account, err = p.bankLogic.GetBankAccount(tx.BankAccountId)
	} else {
		account, err = p.bankLogic.GetDefaultBankAccount(tx.UserAddress)
	}
	if errors.Is(err, ErrBankAccountNotFound) {
		return p.markFailed(tx, "missing bank account")
	}
	if err != nil {
		return err
	}

	// 换算法币金额：优先使用签名时锁定的汇率快照
	rate := 0.0
	if tx.RateSnapshot != "" {
		fmt.Sscanf(tx.RateSnapshot, "%f", &rate)
	}
	if rate <= 0 {
		rate, err = p.rateLogic.GetRate(ctx, tx.TokenAddress)
		if err != nil {
			return err
		}
	}
	fiatMinor, err := p.ConvertToFiatMinor(tx.AmountSource, rate)
	if err != nil {
		return p.markFailed(tx, fmt.Sprintf("invalid amount: %v", err))
	}

	// 低于通道最小出金额度直接判失败，带结构化原因，不做盲目重试
	if fiatMinor < p.minPayout {
		return p.markFailed(tx, fmt.Sprintf("below minimum payout: %d < %d", fiatMinor, p.minPayout))
	}

	// 幂等引用由提现ID推导，通道侧按引用去重，重试不会产生第二笔转账
	payoutRef := tx.PayoutReference
	if payoutRef == "" {
		payoutRef = PayoutReference(tx.WithdrawalId)
	}

	result, err := p.rail.InitiatePayout(ctx, fiat.PayoutRequest{
		BankCode:      account.BankCode,
		AccountNumber: account.AccountNumber,
		Amount:        fiatMinor,
		Currency:      p.currency,
		Reference:     payoutRef,
		Narration:     "sendpay withdrawal " + tx.WithdrawalId,
	})
	if errors.Is(err, fiat.ErrPayoutRejected) {
		return p.markFailed(tx, fmt.Sprintf("payout rejected: %v", err))
	}
	if err != nil {
		// 瞬时错误，留给对账任务重试
		return err
	}

	// 受理成功，记录通道单号并推进到payout_pending
	updates := map[string]interface{}{
		"provider_payout_id": result.ProviderId,
		"payout_reference":   payoutRef,
		"bank_account_id":    account.Id,
		"amount_target":      fiatMinor,
		"rate_snapshot":      fmt.Sprintf("%f", rate),
		"error_detail":       "",
	}
	if tx.Status == model.TxStatusPayoutPending {
		// 上一轮在写库前中断，通道按引用去重后补写受理结果即可
		err = p.txLogic.db.Model(&model.TransactionModel{}).
			Where("id = ? AND status = ?", tx.Id, model.TxStatusPayoutPending).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("补写出金受理结果失败: %w", err)
		}
		return nil
	}

	err = p.txLogic.Transition(tx.Id, tx.Status, model.TxStatusPayoutPending, updates)
	if errors.Is(err, ErrStatusConflict) {
		// 并发写方已推进过，幂等结束
		return nil
	}
	return err
}

// markFailed 标记出金失败，状态冲突视为已被他方处理
func (p *PayoutLogic) markFailed(tx *model.TransactionModel, reason string) error {
	logger.Warn("Marking transaction %s payout_failed: %s", tx.Reference, reason)
	err := p.txLogic.MarkPayoutFailed(tx.Id, tx.Status, reason)
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	return err
}

// ConfirmPayout 出金确认（webhook触发）。
// 通道回执不可直接信任，先调用通道查询接口独立复核，
// 再用状态守护推进到payout_completed并上链提交结算凭证。
func (p *PayoutLogic) ConfirmPayout(ctx context.Context, payoutRef string) error {
	tx, err := p.txLogic.GetByPayoutReference(payoutRef)
	if err != nil {
		return err
	}

	// webhook重放：已确认过的直接返回，必要时补交结算凭证
	if tx.Status == model.TxStatusPayoutCompleted {
		if tx.SettlementTxHash == "" {
			return p.submitSettlementProof(ctx, tx)
		}
		return nil
	}
	if tx.Status == model.TxStatusOnchainCompleted {
		return nil
	}

	// 独立复核通道侧权威记录
	status, err := p.rail.GetPayoutStatus(ctx, tx.ProviderPayoutId)
	if err != nil {
		return err
	}
	if !isSuccessStatus(status) {
		return fmt.Errorf("通道复核未通过: 出金 %s 状态为 %s", payoutRef, status)
	}

	// 凭证时间戳只写一次，重复签名不会产生不同时间戳的凭证
	proofTs := time.Now().Unix()
	err = p.txLogic.Transition(tx.Id, model.TxStatusPayoutPending, model.TxStatusPayoutCompleted, map[string]interface{}{
		"proof_timestamp": proofTs,
	})
	if errors.Is(err, ErrStatusConflict) {
		// 另一路写方已确认（webhook重放），不再上链第二次
		return nil
	}
	if err != nil {
		return err
	}

	tx.Status = model.TxStatusPayoutCompleted
	tx.ProofTimestamp = proofTs
	return p.submitSettlementProof(ctx, tx)
}

// submitSettlementProof 签发结算凭证并提交上链，关闭链上提现
func (p *PayoutLogic) submitSettlementProof(ctx context.Context, tx *model.TransactionModel) error {
	withdrawalId, ok := new(big.Int).SetString(tx.WithdrawalId, 10)
	if !ok {
		return fmt.Errorf("无效的提现ID: %q", tx.WithdrawalId)
	}

	sig, err := p.proofSigner.SignSettlementProof(signer.SettlementProof{
		WithdrawalId:  withdrawalId,
		FiatRef:       tx.ProviderPayoutId,
		SettledAmount: big.NewInt(tx.AmountTarget),
		Timestamp:     uint64(tx.ProofTimestamp),
	})
	if err != nil {
		return fmt.Errorf("签发结算凭证失败: %w", err)
	}

	// secp256k1签名的r、s各256位，超出felt范围，按u256拆limb上链
	sigHex := strings.TrimPrefix(sig, "0x")
	if len(sigHex) != 128 {
		return fmt.Errorf("结算凭证签名长度异常: %d", len(sigHex))
	}
	sigR, okR := new(big.Int).SetString(sigHex[:64], 16)
	sigS, okS := new(big.Int).SetString(sigHex[64:], 16)
	if !okR || !okS {
		return fmt.Errorf("无效的结算凭证签名: %q", sig)
	}
	rLow, rHigh := starknet.SplitU256(sigR)
	sLow, sHigh := starknet.SplitU256(sigS)

	low, high := starknet.SplitU256(withdrawalId)
	amountLow, amountHigh := starknet.SplitU256(big.NewInt(tx.AmountTarget))
	calldata := []string{
		"0x" + low.Text(16),
		"0x" + high.Text(16),
		"0x" + amountLow.Text(16),
		"0x" + amountHigh.Text(16),
		"0x" + big.NewInt(tx.ProofTimestamp).Text(16),
		"0x" + rLow.Text(16),
		"0x" + rHigh.Text(16),
		"0x" + sLow.Text(16),
		"0x" + sHigh.Text(16),
	}

	txHash, err := p.ledger.SubmitTransaction(ctx, EntrypointCompleteWithdrawal, calldata)
	if err != nil {
		// 上链失败不回退状态，webhook重放或人工补单时重试
		return fmt.Errorf("提交结算凭证失败: %w", err)
	}

	err = p.txLogic.db.Model(&model.TransactionModel{}).
		Where("id = ? AND settlement_tx_hash = ''", tx.Id).
		Update("settlement_tx_hash", txHash).Error
	if err != nil {
		return fmt.Errorf("记录结算交易哈希失败: %w", err)
	}

	logger.Info("Submitted settlement proof for withdrawal %s tx=%s", tx.WithdrawalId, txHash)
	return nil
}

// FailPayout 出金失败（webhook触发）
func (p *PayoutLogic) FailPayout(payoutRef, reason string) error {
	tx, err := p.txLogic.GetByPayoutReference(payoutRef)
	if err != nil {
		return err
	}
	if tx.Status != model.TxStatusPayoutPending {
		// 已终态或尚未发起，交给对账任务
		return nil
	}
	return p.markFailed(tx, reason)
}

// ProcessWithdrawalCompleted 处理链上WithdrawalCompleted事件。
// 只有当前状态恰好是payout_completed才推进，避免与webhook路径竞争。
func (p *PayoutLogic) ProcessWithdrawalCompleted(withdrawalId *big.Int) error {
	tx, err := p.txLogic.GetByWithdrawalId(withdrawalId.String())
	if errors.Is(err, ErrTransactionNotFound) {
		logger.Warn("WithdrawalCompleted for unknown withdrawal %s", withdrawalId.String())
		return nil
	}
	if err != nil {
		return err
	}

	err = p.txLogic.Transition(tx.Id, model.TxStatusPayoutCompleted, model.TxStatusOnchainCompleted, nil)
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrIllegalTransition) {
		logger.Warn("Skipped onchain completion for withdrawal %s: status is %s", tx.WithdrawalId, tx.Status)
		return nil
	}
	return err
}

// ProcessWithdrawalFailed 处理链上WithdrawalFailed事件，终态交易不回退
func (p *PayoutLogic) ProcessWithdrawalFailed(withdrawalId *big.Int, reason string) error {
	tx, err := p.txLogic.GetByWithdrawalId(withdrawalId.String())
	if errors.Is(err, ErrTransactionNotFound) {
		logger.Warn("WithdrawalFailed for unknown withdrawal %s", withdrawalId.String())
		return nil
	}
	if err != nil {
		return err
	}

	if tx.Status != model.TxStatusSubmittedOnchain && tx.Status != model.TxStatusPayoutPending {
		return nil
	}

	// 链上已关闭，这笔提现的出金不允许再被对账任务重试
	err = p.txLogic.Transition(tx.Id, tx.Status, model.TxStatusPayoutFailed, map[string]interface{}{
		"error_detail":   "onchain failure: " + reason,
		"onchain_closed": true,
	})
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	return err
}

// ProcessChargeCompleted 入金确认（webhook触发）：推进到credited并上链记账。
// 上链失败不回退状态，靠记账哈希缺失识别中断，webhook重放时补交。
func (p *PayoutLogic) ProcessChargeCompleted(ctx context.Context, reference, chargeId string) error {
	tx, err := p.txLogic.GetByReference(reference)
	if err != nil {
		return err
	}
	if tx.Flow != model.TxFlowOnramp {
		return fmt.Errorf("交易 %s 不是入金交易", reference)
	}

	switch tx.Status {
	case model.TxStatusCredited:
		// webhook重放：记账哈希缺失说明上一轮在上链前中断，补交
		if tx.LedgerTxHash == "" {
			return p.submitDepositCredit(ctx, tx)
		}
		return nil
	case model.TxStatusCreditPending:
		// 继续向下执行
	default:
		return nil
	}

	// 入库数据校验失败属于永久错误，判credit_failed带结构化原因
	if _, ok := new(big.Int).SetString(tx.AmountSource, 10); !ok {
		return p.markCreditFailed(tx, fmt.Sprintf("invalid amount: %q", tx.AmountSource))
	}
	if _, err := starknet.ParseFelt(tx.UserAddress); err != nil {
		return p.markCreditFailed(tx, fmt.Sprintf("invalid user address: %v", err))
	}

	err = p.txLogic.Transition(tx.Id, model.TxStatusCreditPending, model.TxStatusCredited, map[string]interface{}{
		"provider_charge_id": chargeId,
	})
	if errors.Is(err, ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	tx.Status = model.TxStatusCredited
	return p.submitDepositCredit(ctx, tx)
}

// submitDepositCredit 上链记账，记账哈希只写一次
func (p *PayoutLogic) submitDepositCredit(ctx context.Context, tx *model.TransactionModel) error {
	amount, ok := new(big.Int).SetString(tx.AmountSource, 10)
	if !ok {
		return fmt.Errorf("无效的链上金额: %q", tx.AmountSource)
	}
	low, high := starknet.SplitU256(amount)
	user, err := starknet.ParseFelt(tx.UserAddress)
	if err != nil {
		return fmt.Errorf("无效的用户地址: %w", err)
	}
	calldata := []string{
		"0x" + user.Text(16),
		"0x" + low.Text(16),
		"0x" + high.Text(16),
		tx.Reference,
	}

	txHash, err := p.ledger.SubmitTransaction(ctx, EntrypointDepositCredit, calldata)
	if err != nil {
		return fmt.Errorf("提交入金记账失败: %w", err)
	}

	err = p.txLogic.db.Model(&model.TransactionModel{}).
		Where("id = ? AND ledger_tx_hash = ''", tx.Id).
		Update("ledger_tx_hash", txHash).Error
	if err != nil {
		return fmt.Errorf("记录入金交易哈希失败: %w", err)
	}

	logger.Info("Credited onramp transaction %s tx=%s", tx.Reference, txHash)
	return nil
}

// markCreditFailed 标记入金失败，状态冲突视为已被他方处理
func (p *PayoutLogic) markCreditFailed(tx *model.TransactionModel, reason string) error {
	logger.Warn("Marking onramp transaction %s credit_failed: %s", tx.Reference, reason)
	err := p.txLogic.Transition(tx.Id, model.TxStatusCreditPending, model.TxStatusCreditFailed, map[string]interface{}{
		"error_detail": reason,
	})
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	return err
}

// isSuccessStatus 通道成功状态
func isSuccessStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL", "SUCCESS", "COMPLETED":
		return true
	}
	return false
}
