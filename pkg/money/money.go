// Package money 提供金额与比例两个不可变值对象，构造即校验，所有失败以 error 返回。
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount 金额为负数、NaN 或无穷大
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidPercentage 比例不在 [0,1] 区间
	ErrInvalidPercentage = errors.New("invalid percentage")
)

// Epsilon 金额相等比较的容差
var Epsilon = decimal.New(1, -9)

// Money 非负金额
type Money struct {
	v decimal.Decimal
}

// Zero 零金额
func Zero() Money {
	return Money{v: decimal.Zero}
}

// From 由浮点数构造金额
func From(f float64) (Money, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Money{}, fmt.Errorf("%w: %v is not finite", ErrInvalidAmount, f)
	}
	return FromDecimal(decimal.NewFromFloat(f))
}

// FromDecimal 由 decimal 构造金额
func FromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d.String())
	}
	return Money{v: d}, nil
}

// FromString 由十进制字符串构造金额
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustFrom 仅用于常量与测试夹具
func MustFrom(f float64) Money {
	m, err := From(f)
	if err != nil {
		panic(err)
	}
	return m
}

// Add 返回 m + o
func (m Money) Add(o Money) Money {
	return Money{v: m.v.Add(o.v)}
}

// Sub 返回 m - o，结果为负时报错
func (m Money) Sub(o Money) (Money, error) {
	return FromDecimal(m.v.Sub(o.v))
}

// Multiply 按比例缩放
func (m Money) Multiply(p Percentage) Money {
	return Money{v: m.v.Mul(p.v)}
}

// Equal 在 Epsilon 容差内比较
func (m Money) Equal(o Money) bool {
	return m.v.Sub(o.v).Abs().LessThanOrEqual(Epsilon)
}

// Cmp 精确比较
func (m Money) Cmp(o Money) int {
	return m.v.Cmp(o.v)
}

// IsZero 是否为零
func (m Money) IsZero() bool {
	return m.v.IsZero()
}

// Decimal 底层 decimal 值
func (m Money) Decimal() decimal.Decimal {
	return m.v
}

// Float64 近似浮点值，仅用于展示与指标
func (m Money) Float64() float64 {
	f, _ := m.v.Float64()
	return f
}

func (m Money) String() string {
	return m.v.String()
}

// Truncate 截断到 decimals 位小数
func (m Money) Truncate(decimals int32) Money {
	return Money{v: m.v.Truncate(decimals)}
}

// MinorUnits 按固定小数位截断为整数最小单位，用于哈希编码
func (m Money) MinorUnits(decimals int32) *big.Int {
	return m.v.Shift(decimals).Truncate(0).BigInt()
}

// MarshalText 以十进制字符串编码
func (m Money) MarshalText() ([]byte, error) {
	return []byte(m.v.String()), nil
}

// UnmarshalText 解析并校验十进制字符串
func (m *Money) UnmarshalText(b []byte) error {
	parsed, err := FromString(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
