package starknet

import (
	"fmt"
	"math/big"
	"strings"
)

// NormalizeFelt 规范化felt十六进制表示：小写、去0x、去前导零。
// 同一个值在不同来源可能带不同数量的前导零，比较前必须先规范化。
func NormalizeFelt(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// FeltEqual 比较两个felt是否相等（容忍前导零差异与大小写差异）
func FeltEqual(a, b string) bool {
	return NormalizeFelt(a) == NormalizeFelt(b)
}

// ParseFelt 将felt十六进制字符串解析为大整数
func ParseFelt(s string) (*big.Int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, fmt.Errorf("empty felt")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid felt: %q", s)
	}
	return v, nil
}

// CombineU256 将两个128位limb组合为256位整数：high << 128 | low
func CombineU256(low, high *big.Int) *big.Int {
	v := new(big.Int).Lsh(high, 128)
	return v.Or(v, low)
}

// SplitU256 将256位整数拆为两个128位limb
func SplitU256(v *big.Int) (low, high *big.Int) {
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	low = new(big.Int).And(v, mask)
	high = new(big.Int).Rsh(v, 128)
	return low, high
}
