package signer

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheval/sendpay-sub000/internal/config"
)

// 测试专用私钥
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := Init(config.LedgerConfig{
		SignerKey:       testKey,
		ChainId:         "SN_SEPOLIA",
		ContractAddress: "0x0123abc",
	})
	require.NoError(t, err)
	return s
}

func testRequest() WithdrawalRequest {
	return WithdrawalRequest{
		User:        "0x123",
		Amount:      big.NewInt(100000000),
		Token:       "0x456",
		ExternalRef: "0xabc",
		Nonce:       big.NewInt(7),
		Timestamp:   1710000000,
	}
}

func TestSignAndVerifyWithdrawalRequest(t *testing.T) {
	s := testSigner(t)

	sig, err := s.SignWithdrawalRequest(testRequest())
	require.NoError(t, err)
	assert.Len(t, sig.R, 66)
	assert.Len(t, sig.S, 66)

	ok, err := s.VerifyWithdrawalSignature(testRequest(), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedRequest(t *testing.T) {
	s := testSigner(t)

	sig, err := s.SignWithdrawalRequest(testRequest())
	require.NoError(t, err)

	tampered := testRequest()
	tampered.Amount = big.NewInt(999999999)
	ok, err := s.VerifyWithdrawalSignature(tampered, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	tampered = testRequest()
	tampered.Nonce = big.NewInt(8)
	ok, err = s.VerifyWithdrawalSignature(tampered, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignatureBoundToContractAndChain(t *testing.T) {
	s1 := testSigner(t)

	// 同一把钥匙、不同合约地址
	s2, err := Init(config.LedgerConfig{
		SignerKey:       testKey,
		ChainId:         "SN_SEPOLIA",
		ContractAddress: "0x0456def",
	})
	require.NoError(t, err)

	// 同一把钥匙、不同链
	s3, err := Init(config.LedgerConfig{
		SignerKey:       testKey,
		ChainId:         "SN_MAIN",
		ContractAddress: "0x0123abc",
	})
	require.NoError(t, err)

	sig, err := s1.SignWithdrawalRequest(testRequest())
	require.NoError(t, err)

	ok, err := s2.VerifyWithdrawalSignature(testRequest(), sig)
	require.NoError(t, err)
	assert.False(t, ok, "签名不得跨合约复用")

	ok, err = s3.VerifyWithdrawalSignature(testRequest(), sig)
	require.NoError(t, err)
	assert.False(t, ok, "签名不得跨链复用")
}

func TestSignAndVerifySettlementProof(t *testing.T) {
	s := testSigner(t)

	proof := SettlementProof{
		WithdrawalId:  big.NewInt(42),
		FiatRef:       "FLW-12345",
		SettledAmount: big.NewInt(15000000),
		Timestamp:     1710000000,
	}

	sig, err := s.SignSettlementProof(proof)
	require.NoError(t, err)
	assert.Len(t, sig, 130)

	ok, err := s.VerifySettlementProof(proof, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	proof.SettledAmount = big.NewInt(1)
	ok, err = s.VerifySettlementProof(proof, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProofSignatureDeterministicForSameInput(t *testing.T) {
	s := testSigner(t)

	proof := SettlementProof{
		WithdrawalId:  big.NewInt(42),
		FiatRef:       "FLW-12345",
		SettledAmount: big.NewInt(15000000),
		Timestamp:     1710000000,
	}

	sig1, err := s.SignSettlementProof(proof)
	require.NoError(t, err)
	sig2, err := s.SignSettlementProof(proof)
	require.NoError(t, err)

	// 同一凭证重签结果一致，不会产生时间戳不同的重复凭证
	assert.Equal(t, sig1, sig2)
}

func TestInitRejectsBadKey(t *testing.T) {
	_, err := Init(config.LedgerConfig{
		SignerKey:       "not-a-key",
		ChainId:         "SN_SEPOLIA",
		ContractAddress: "0x0123abc",
	})
	assert.Error(t, err)
}

func TestInitRejectsBadContractAddress(t *testing.T) {
	// 合约地址非法必须在启动期报错，不能等到签名时才崩溃
	_, err := Init(config.LedgerConfig{
		SignerKey:       testKey,
		ChainId:         "SN_SEPOLIA",
		ContractAddress: "not-a-felt",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract address")
}
