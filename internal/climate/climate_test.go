package climate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"allsky/internal/config"
	"allsky/internal/logging"
	"allsky/internal/state"
)

func TestThresholdSwitchesPins(t *testing.T) {
	heater := &gpiotest.Pin{N: "heater"}
	fan := &gpiotest.Pin{N: "fan"}
	c := &Threshold{DewMargin: 2, FanTemp: 30, Heater: Pin{P: heater}, Fan: Pin{P: fan}, Log: logging.Discard()}
	ctx := context.Background()

	cases := []struct {
		name        string
		r           Reading
		heater, fan gpio.Level
	}{
		{"dry and cool", Reading{Temp: 10, DewPoint: 2, HasDewPoint: true}, gpio.Low, gpio.Low},
		{"near dew point", Reading{Temp: 10, DewPoint: 8.5, HasDewPoint: true}, gpio.High, gpio.Low},
		{"hot", Reading{Temp: 35, DewPoint: 5, HasDewPoint: true}, gpio.Low, gpio.High},
		{"no dew point", Reading{Temp: 10}, gpio.Low, gpio.Low},
	}
	for _, tc := range cases {
		require.NoError(t, c.Update(ctx, tc.r), tc.name)
		assert.Equal(t, tc.heater, heater.Read(), tc.name)
		assert.Equal(t, tc.fan, fan.Read(), tc.name)
	}

	require.NoError(t, c.Update(ctx, Reading{Temp: 40, DewPoint: 39, HasDewPoint: true}))
	require.NoError(t, c.Off(ctx))
	h, f := c.State()
	assert.False(t, h)
	assert.False(t, f)
	assert.Equal(t, gpio.Low, heater.Read())
	assert.Equal(t, gpio.Low, fan.Read())
}

func TestFromShared(t *testing.T) {
	s := state.New(state.Position{}, state.Exposure{})
	s.SetMode(true, false)
	s.SetSensorTemp(1, 4.5)
	s.SetSensorUser(3, 3.0)
	r := FromShared(s, config.Climate{TempSlot: 1, DewSlot: 3})
	assert.Equal(t, Reading{Temp: 4.5, DewPoint: 3.0, HasDewPoint: true, Night: true}, r)

	r = FromShared(s, config.Climate{TempSlot: 1, DewSlot: 5})
	assert.False(t, r.HasDewPoint)
}

func TestNew(t *testing.T) {
	c, err := New(config.Climate{Controller: "null"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Null{}, c)

	c, err = New(config.Climate{Controller: "threshold", DewMargin: 3}, logging.Discard())
	require.NoError(t, err)
	th, ok := c.(*Threshold)
	require.True(t, ok)
	assert.Equal(t, 3.0, th.DewMargin)
	require.NoError(t, th.Update(context.Background(), Reading{Temp: 1, DewPoint: 0.5, HasDewPoint: true}))
	h, _ := th.State()
	assert.True(t, h)

	_, err = New(config.Climate{Controller: "threshold", HeaterPin: "NO_SUCH_PIN"}, nil)
	assert.Error(t, err)
	_, err = New(config.Climate{Controller: "peltier"}, nil)
	assert.Error(t, err)
}
