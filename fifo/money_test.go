package fifo_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
)

func TestLineCost_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		qty, cost string
		want      fifo.Money
	}{
		{"5", "2", 1000},
		{"5", "2.345", 1173},
		{"1", "0.005", 1},
		{"1", "0.004", 0},
		{"-1", "0.005", -1},
		{"3000", "0.001", 300},
		{"0.333", "3", 100},
	}
	for _, tt := range tests {
		t.Run(tt.qty+"x"+tt.cost, func(t *testing.T) {
			assert.Equal(t, tt.want, fifo.LineCost(dec(tt.qty), dec(tt.cost)))
		})
	}
}

func TestMoney_StringAndPerUnit(t *testing.T) {
	assert.Equal(t, "13000.00", fifo.Money(1300000).String())
	assert.Equal(t, "-0.05", fifo.Money(-5).String())
	requireDecEqual(t, "0.333333", fifo.Money(100).PerUnit(dec("3")))
	requireDecEqual(t, "0", fifo.Money(100).PerUnit(dec("0")))
}

func TestMoney_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		V fifo.Money `json:"v"`
	}{V: 1234})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"12.34"}`, string(b))

	var in struct {
		A fifo.Money `json:"a"`
		B fifo.Money `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.345","b":1.5}`), &in))
	assert.Equal(t, fifo.Money(1235), in.A)
	assert.Equal(t, fifo.Money(150), in.B)
}
