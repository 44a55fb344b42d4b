package money

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_RejectsInvalid(t *testing.T) {
	for _, f := range []float64{-0.01, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := From(f)
		assert.ErrorIs(t, err, ErrInvalidAmount, "value %v", f)
	}

	m, err := From(0)
	require.NoError(t, err)
	assert.True(t, m.IsZero())
}

func TestMoney_Arithmetic(t *testing.T) {
	a := MustFrom(100)
	b := MustFrom(0.1)

	assert.Equal(t, "100.1", a.Add(b).String())
	assert.Equal(t, "30", a.Multiply(MustFraction(0.3)).String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "99.9", diff.String())

	_, err = b.Sub(a)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// 原值不变
	assert.Equal(t, "100", a.String())
}

func TestMoney_EqualWithinEpsilon(t *testing.T) {
	a := MustFrom(0.1 + 0.2)
	b := MustFrom(0.3)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(MustFrom(0.3001)))
}

func TestMoney_MinorUnitsTruncates(t *testing.T) {
	m, err := FromString("12.3456789")
	require.NoError(t, err)
	assert.Equal(t, "12345678", m.MinorUnits(6).String())
	assert.Equal(t, "12", m.MinorUnits(0).String())
}

func TestMoney_JSON(t *testing.T) {
	type payload struct {
		Amount Money `json:"amount"`
	}
	raw, err := json.Marshal(payload{Amount: MustFrom(42.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"42.5"}`, string(raw))

	var p payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.True(t, p.Amount.Equal(MustFrom(42.5)))

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"-1"}`), &p))
}

func TestPercentage(t *testing.T) {
	p, err := FromPercent(30)
	require.NoError(t, err)
	assert.Equal(t, "0.3", p.String())

	for _, f := range []float64{-0.1, 1.01, math.NaN()} {
		_, err := FromFraction(f)
		assert.ErrorIs(t, err, ErrInvalidPercentage, "value %v", f)
	}
	_, err = FromPercent(101)
	assert.ErrorIs(t, err, ErrInvalidPercentage)

	one, err := FromFraction(1)
	require.NoError(t, err)
	_, err = one.Add(MustFraction(0.01))
	assert.ErrorIs(t, err, ErrInvalidPercentage)
}
