package payments

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		amount string
		want   int64
	}{
		{"100.00", 10000},
		{"0.01", 1},
		{"35.00", 3500},
		{"19.99", 1999},
		{"0.005", 1}, // rounds half up
		{"0.00", 0},
	}
	for _, tc := range cases {
		d, err := decimal.NewFromString(tc.amount)
		assert.NoError(t, err)
		assert.Equal(t, tc.want, ToMinorUnits(d), "amount %s", tc.amount)
	}
}

func TestFromMinorUnitsRoundTrips(t *testing.T) {
	for _, minor := range []int64{0, 1, 99, 100, 12345, 1000000} {
		major := FromMinorUnits(minor)
		assert.Equal(t, minor, ToMinorUnits(major))
	}
	assert.Equal(t, "123.45", FromMinorUnits(12345).StringFixed(2))
}

func TestIsBalanceInsufficient(t *testing.T) {
	err := &GatewayError{Code: ErrCodeBalanceInsufficient, Message: "insufficient funds"}
	assert.True(t, IsBalanceInsufficient(err))
	assert.True(t, IsBalanceInsufficient(errors.Join(errors.New("wrapped"), err)))
	assert.False(t, IsBalanceInsufficient(&GatewayError{Code: "card_declined"}))
	assert.False(t, IsBalanceInsufficient(errors.New("plain error")))
	assert.False(t, IsBalanceInsufficient(nil))
}
