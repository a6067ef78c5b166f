package sensors

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"

	"allsky/internal/config"
)

var hostInit struct {
	once sync.Once
	err  error
}

func initHost() error {
	hostInit.once.Do(func() {
		_, hostInit.err = host.Init()
	})
	return hostInit.err
}

// bme280 reads temperature, humidity and pressure over I²C.
// Options: bus (periph bus name, empty for the first), address (default 0x76).
type bme280 struct {
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

func newBME280(dev config.SensorDevice, _ Env) (Sensor, error) {
	addr, err := strconv.ParseUint(optString(dev, "address", "0x76"), 0, 16)
	if err != nil {
		return nil, fmt.Errorf("bme280 address: %w", err)
	}
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("bme280 host init: %w", err)
	}
	bus, err := i2creg.Open(optString(dev, "bus", ""))
	if err != nil {
		return nil, fmt.Errorf("bme280 open bus: %w", err)
	}
	d, err := newBME280Dev(bus, uint16(addr))
	if err != nil {
		bus.Close()
		return nil, err
	}
	return &bme280{bus: bus, dev: d}, nil
}

func newBME280Dev(bus i2c.Bus, addr uint16) (*bmxx80.Dev, error) {
	d, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		return nil, fmt.Errorf("bme280 at 0x%x: %w", addr, err)
	}
	return d, nil
}

func (b *bme280) Update(context.Context) (Reading, error) {
	var e physic.Env
	if err := b.dev.Sense(&e); err != nil {
		return Reading{}, err
	}
	return envReading(e), nil
}

func (b *bme280) Close() error {
	herr := b.dev.Halt()
	if err := b.bus.Close(); err != nil {
		return err
	}
	return herr
}

// envReading stores temperature in the temperature array and dew point, humidity and
// pressure (hPa) in the user array.
func envReading(e physic.Env) Reading {
	tempC := float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Celsius)
	rh := float64(e.Humidity) / float64(physic.PercentRH)
	hpa := float64(e.Pressure) / float64(100*physic.Pascal)
	dp := DewPoint(tempC, rh)
	return Reading{
		Temps:       []float64{tempC},
		User:        []float64{dp, rh, hpa},
		DewPoint:    dp,
		HasDewPoint: true,
	}
}
