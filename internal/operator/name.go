package operator

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// Name 是 operator 的定长 32 字节标识。
type Name [32]byte

// NameFromString 将字符串右侧补零转换为 Name。
func NameFromString(s string) (Name, error) {
	var n Name
	s = strings.TrimSpace(s)
	if s == "" {
		return n, fmt.Errorf("operator: 名称不能为空: %w", failure.ErrInvalidRequest)
	}
	if len(s) > len(n) {
		return n, fmt.Errorf("operator: 名称 %q 超过32字节: %w", s, failure.ErrInvalidRequest)
	}
	copy(n[:], s)
	return n, nil
}

// MustName 与 NameFromString 相同，失败时 panic。
func MustName(s string) Name {
	n, err := NameFromString(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ParseName 同时接受 0x 开头的 32 字节十六进制与普通字符串。
func ParseName(s string) (Name, error) {
	if strings.HasPrefix(s, "0x") && len(s) == 66 {
		raw, err := hexutil.Decode(s)
		if err != nil {
			return Name{}, fmt.Errorf("operator: 名称 %q 解码失败: %w", s, failure.ErrInvalidRequest)
		}
		var n Name
		copy(n[:], raw)
		return n, nil
	}
	return NameFromString(s)
}

// IsZero 判断名称是否为空。
func (n Name) IsZero() bool {
	return n == Name{}
}

// String 返回去掉补零后的可读名称。
func (n Name) String() string {
	return string(bytes.TrimRight(n[:], "\x00"))
}

// Hex 返回 0x 前缀的十六进制形式。
func (n Name) Hex() string {
	return hexutil.Encode(n[:])
}
