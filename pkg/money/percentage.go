package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Percentage [0,1] 区间内的比例
type Percentage struct {
	v decimal.Decimal
}

// FromFraction 由小数比例构造，例如 0.3
func FromFraction(f float64) (Percentage, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Percentage{}, fmt.Errorf("%w: %v is not finite", ErrInvalidPercentage, f)
	}
	return FromDecimalFraction(decimal.NewFromFloat(f))
}

// FromPercent 由百分数构造，例如 30 表示 0.3
func FromPercent(f float64) (Percentage, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Percentage{}, fmt.Errorf("%w: %v is not finite", ErrInvalidPercentage, f)
	}
	return FromDecimalFraction(decimal.NewFromFloat(f).Div(hundred))
}

// FromDecimalFraction 由 decimal 比例构造
func FromDecimalFraction(d decimal.Decimal) (Percentage, error) {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return Percentage{}, fmt.Errorf("%w: %s outside [0,1]", ErrInvalidPercentage, d.String())
	}
	return Percentage{v: d}, nil
}

// MustFraction 仅用于常量与测试夹具
func MustFraction(f float64) Percentage {
	p, err := FromFraction(f)
	if err != nil {
		panic(err)
	}
	return p
}

// Add 比例相加，超过 1 时报错
func (p Percentage) Add(o Percentage) (Percentage, error) {
	return FromDecimalFraction(p.v.Add(o.v))
}

// Fraction 底层小数比例
func (p Percentage) Fraction() decimal.Decimal {
	return p.v
}

// IsZero 是否为零
func (p Percentage) IsZero() bool {
	return p.v.IsZero()
}

// Float64 近似浮点值
func (p Percentage) Float64() float64 {
	f, _ := p.v.Float64()
	return f
}

func (p Percentage) String() string {
	return p.v.String()
}

// MarshalText 以十进制小数字符串编码
func (p Percentage) MarshalText() ([]byte, error) {
	return []byte(p.v.String()), nil
}

// UnmarshalText 解析并校验
func (p *Percentage) UnmarshalText(b []byte) error {
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPercentage, string(b))
	}
	parsed, err := FromDecimalFraction(d)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
