package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/starknet"
)

// 域分离标签。消息哈希绑定协议版本、用途、链ID与合约地址，
// 防止签名被挪用到其他协议、其他网络或其他合约。
const (
	protocolTag     = "SENDPAY_V1"
	purposeWithdraw = "WITHDRAW_REQUEST"
	purposeSettle   = "SETTLEMENT_PROOF"
)

// ErrVerificationFailed 签名自校验失败，属于致命缺陷，相关流程必须中止
var ErrVerificationFailed = errors.New("signature verification failed")

// WithdrawalRequest 待签名的提现请求
type WithdrawalRequest struct {
	User        string   // 用户链上地址
	Amount      *big.Int // 提现金额（最小单位）
	Token       string   // 代币合约地址
	ExternalRef string   // 本地交易reference（felt）
	Nonce       *big.Int // 合约侧用户nonce，调用方现读，签名方不缓存
	Timestamp   uint64
}

// SettlementProof 出金确认后的结算凭证
type SettlementProof struct {
	WithdrawalId  *big.Int
	FiatRef       string   // 通道出金单号
	SettledAmount *big.Int // 实际结算的法币金额（最小货币单位）
	Timestamp     uint64
}

// Signature ECDSA签名的(r, s)分量，十六进制编码
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// Signer 提现授权签名器
type Signer struct {
	privateKey      *ecdsa.PrivateKey
	chainId         string
	contractAddress string
	contract        *big.Int // 合约地址解析值，Init时校验一次
}

func Init(cfg config.LedgerConfig) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}

	contract, err := starknet.ParseFelt(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid contract address %q: %w", cfg.ContractAddress, err)
	}

	s := &Signer{
		privateKey:      privateKey,
		chainId:         cfg.ChainId,
		contractAddress: starknet.NormalizeFelt(cfg.ContractAddress),
		contract:        contract,
	}

	// 启动自检：签名与验签共用同一个哈希构造，任何分叉都在这里暴露
	probe := WithdrawalRequest{
		User:        "0x1",
		Amount:      big.NewInt(1),
		Token:       "0x2",
		ExternalRef: "0x3",
		Nonce:       big.NewInt(0),
		Timestamp:   0,
	}
	sig, err := s.SignWithdrawalRequest(probe)
	if err != nil {
		return nil, fmt.Errorf("signer self-check sign failed: %w", err)
	}
	ok, err := s.VerifyWithdrawalSignature(probe, sig)
	if err != nil || !ok {
		return nil, fmt.Errorf("signer self-check: %w", ErrVerificationFailed)
	}

	return s, nil
}

// Address 签名账户地址
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.privateKey.PublicKey).Hex()
}

// padded32 大整数左填充到32字节
func padded32(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

// feltBytes felt十六进制转32字节定长表示
func feltBytes(felt string) ([]byte, error) {
	v, err := starknet.ParseFelt(felt)
	if err != nil {
		return nil, err
	}
	return padded32(v), nil
}

// messageHash 构造域分离消息哈希。
// 签名与验签必须且只能经过这一个函数。
func (s *Signer) messageHash(purpose string, fields ...[]byte) []byte {
	parts := [][]byte{
		[]byte(protocolTag),
		[]byte(purpose),
		[]byte(s.chainId),
	}
	parts = append(parts, padded32(s.contract))
	parts = append(parts, fields...)
	return crypto.Keccak256(parts...)
}

// withdrawalHash 提现请求消息哈希
func (s *Signer) withdrawalHash(req WithdrawalRequest) ([]byte, error) {
	user, err := feltBytes(req.User)
	if err != nil {
		return nil, fmt.Errorf("bad user address: %w", err)
	}
	token, err := feltBytes(req.Token)
	if err != nil {
		return nil, fmt.Errorf("bad token address: %w", err)
	}
	ref, err := feltBytes(req.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("bad external ref: %w", err)
	}
	if req.Amount == nil || req.Nonce == nil {
		return nil, fmt.Errorf("amount and nonce are required")
	}

	return s.messageHash(purposeWithdraw,
		user,
		padded32(req.Amount),
		token,
		ref,
		padded32(req.Nonce),
		padded32(new(big.Int).SetUint64(req.Timestamp)),
	), nil
}

// proofHash 结算凭证消息哈希
func (s *Signer) proofHash(proof SettlementProof) ([]byte, error) {
	if proof.WithdrawalId == nil || proof.SettledAmount == nil {
		return nil, fmt.Errorf("withdrawal id and settled amount are required")
	}

	return s.messageHash(purposeSettle,
		padded32(proof.WithdrawalId),
		crypto.Keccak256([]byte(proof.FiatRef)),
		padded32(proof.SettledAmount),
		padded32(new(big.Int).SetUint64(proof.Timestamp)),
	), nil
}

// SignWithdrawalRequest 对提现请求签名，返回(r, s)
func (s *Signer) SignWithdrawalRequest(req WithdrawalRequest) (Signature, error) {
	hash, err := s.withdrawalHash(req)
	if err != nil {
		return Signature{}, err
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign withdrawal request: %w", err)
	}

	return Signature{
		R: "0x" + hex.EncodeToString(sig[:32]),
		S: "0x" + hex.EncodeToString(sig[32:64]),
	}, nil
}

// VerifyWithdrawalSignature 用与签名完全相同的哈希构造验签
func (s *Signer) VerifyWithdrawalSignature(req WithdrawalRequest, sig Signature) (bool, error) {
	hash, err := s.withdrawalHash(req)
	if err != nil {
		return false, err
	}

	rBytes, err := hex.DecodeString(strings.TrimPrefix(sig.R, "0x"))
	if err != nil {
		return false, fmt.Errorf("bad r component: %w", err)
	}
	sBytes, err := hex.DecodeString(strings.TrimPrefix(sig.S, "0x"))
	if err != nil {
		return false, fmt.Errorf("bad s component: %w", err)
	}
	if len(rBytes) != 32 || len(sBytes) != 32 {
		return false, fmt.Errorf("signature components must be 32 bytes")
	}

	pubKey := crypto.FromECDSAPub(&s.privateKey.PublicKey)
	return crypto.VerifySignature(pubKey, hash, append(rBytes, sBytes...)), nil
}

// SignSettlementProof 对结算凭证签名，返回完整签名（r||s）
func (s *Signer) SignSettlementProof(proof SettlementProof) (string, error) {
	hash, err := s.proofHash(proof)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign settlement proof: %w", err)
	}

	return "0x" + hex.EncodeToString(sig[:64]), nil
}

// VerifySettlementProof 验签结算凭证
func (s *Signer) VerifySettlementProof(proof SettlementProof, sigHex string) (bool, error) {
	hash, err := s.proofHash(proof)
	if err != nil {
		return false, err
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return false, fmt.Errorf("bad signature: %w", err)
	}
	if len(sigBytes) != 64 {
		return false, fmt.Errorf("signature must be 64 bytes")
	}

	pubKey := crypto.FromECDSAPub(&s.privateKey.PublicKey)
	return crypto.VerifySignature(pubKey, hash, sigBytes), nil
}
