// Package state holds the small pieces of mutable state shared between the capture
// scheduler, the image worker and the auxiliary workers.
package state

import (
	"sync"
	"time"
)

// SensorSlots is the length of the temperature and user sensor arrays.
const SensorSlots = 30

// Position is the observer location, optionally with live telescope coordinates.
type Position struct {
	Lat  float64 `json:"latitude"`
	Lon  float64 `json:"longitude"`
	Elev float64 `json:"elevation"`
	RA   float64 `json:"ra"`
	Dec  float64 `json:"dec"`
}

// Exposure tracks the current exposure and the auto-exposure limits.
type Exposure struct {
	Current  float64 `json:"current"`
	MinNight float64 `json:"min_night"`
	MinDay   float64 `json:"min_day"`
	Max      float64 `json:"max"`
}

// Clamp limits v to the range for the given mode.
func (e Exposure) Clamp(v float64, night bool) float64 {
	lo := e.MinDay
	if night {
		lo = e.MinNight
	}
	if v < lo {
		v = lo
	}
	if e.Max > 0 && v > e.Max {
		v = e.Max
	}
	return v
}

// Snapshot is a copy of every shared value.
type Snapshot struct {
	Position   Position             `json:"position"`
	Exposure   Exposure             `json:"exposure"`
	Gain       int                  `json:"gain"`
	Bin        int                  `json:"bin"`
	Night      bool                 `json:"night"`
	MoonMode   bool                 `json:"moonmode"`
	ADU        float64              `json:"adu"`
	Queue      int                  `json:"image_queue"`
	Backoff    time.Duration        `json:"backpressure_ns"`
	SensorTemp [SensorSlots]float64 `json:"sensors_temp"`
	SensorUser [SensorSlots]float64 `json:"sensors_user"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Shared guards each field with its own lock.
type Shared struct {
	posMu sync.RWMutex
	pos   Position

	expMu sync.RWMutex
	exp   Exposure

	modeMu   sync.RWMutex
	gain     int
	bin      int
	night    bool
	moonmode bool
	changes  []modeChange // oldest first

	aduMu sync.RWMutex
	adu   float64

	queueMu sync.RWMutex
	queue   int
	backoff time.Duration

	sensorMu   sync.RWMutex
	sensorTemp [SensorSlots]float64
	sensorUser [SensorSlots]float64

	updMu   sync.RWMutex
	updated time.Time
}

// New returns state seeded with a position and exposure limits.
func New(pos Position, exp Exposure) *Shared {
	return &Shared{pos: pos, exp: exp, bin: 1, updated: time.Now()}
}

func (s *Shared) touch() {
	s.updMu.Lock()
	s.updated = time.Now()
	s.updMu.Unlock()
}

func (s *Shared) Position() Position {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return s.pos
}

func (s *Shared) SetPosition(p Position) {
	s.posMu.Lock()
	s.pos = p
	s.posMu.Unlock()
	s.touch()
}

func (s *Shared) Exposure() Exposure {
	s.expMu.RLock()
	defer s.expMu.RUnlock()
	return s.exp
}

func (s *Shared) SetExposure(e Exposure) {
	s.expMu.Lock()
	s.exp = e
	s.expMu.Unlock()
	s.touch()
}

// SetCurrentExposure updates only the current exposure value.
func (s *Shared) SetCurrentExposure(v float64) {
	s.expMu.Lock()
	s.exp.Current = v
	s.expMu.Unlock()
	s.touch()
}

func (s *Shared) Mode() (night, moonmode bool) {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.night, s.moonmode
}

// SetMode records day/night state and forgets earlier transitions. Moon mode is forced
// off during the day.
func (s *Shared) SetMode(night, moonmode bool) {
	s.modeMu.Lock()
	s.night = night
	s.moonmode = night && moonmode
	s.changes = s.changes[:0]
	s.modeMu.Unlock()
	s.touch()
}

const modeHistory = 8

type modeChange struct {
	at       time.Time
	night    bool
	moonmode bool
}

// SetModeAt records a day/night transition that took effect at t.
func (s *Shared) SetModeAt(night, moonmode bool, t time.Time) {
	s.modeMu.Lock()
	if len(s.changes) == 0 {
		// everything before the first transition keeps the previous mode
		s.changes = append(s.changes, modeChange{night: s.night, moonmode: s.moonmode})
	}
	s.night = night
	s.moonmode = night && moonmode
	s.changes = append(s.changes, modeChange{at: t, night: s.night, moonmode: s.moonmode})
	if n := len(s.changes); n > modeHistory {
		s.changes = append(s.changes[:0], s.changes[n-modeHistory:]...)
	}
	s.modeMu.Unlock()
	s.touch()
}

// ModeAt returns the mode in effect at t, so a frame exposed just before a transition
// keeps the mode it was taken in.
func (s *Shared) ModeAt(t time.Time) (night, moonmode bool) {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	for i := len(s.changes) - 1; i >= 0; i-- {
		if c := s.changes[i]; !t.Before(c.at) {
			return c.night, c.moonmode
		}
	}
	if len(s.changes) > 0 {
		return s.changes[0].night, s.changes[0].moonmode
	}
	return s.night, s.moonmode
}

func (s *Shared) GainBin() (gain, bin int) {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.gain, s.bin
}

func (s *Shared) SetGainBin(gain, bin int) {
	s.modeMu.Lock()
	s.gain, s.bin = gain, bin
	s.modeMu.Unlock()
	s.touch()
}

func (s *Shared) ADU() float64 {
	s.aduMu.RLock()
	defer s.aduMu.RUnlock()
	return s.adu
}

func (s *Shared) SetADU(v float64) {
	s.aduMu.Lock()
	s.adu = v
	s.aduMu.Unlock()
}

// Queue is the image queue depth and backpressure delay at the last exposure.
func (s *Shared) Queue() (depth int, backpressure time.Duration) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	return s.queue, s.backoff
}

func (s *Shared) SetQueue(depth int, backpressure time.Duration) {
	s.queueMu.Lock()
	s.queue, s.backoff = depth, backpressure
	s.queueMu.Unlock()
}

// SensorTemp returns slot i of the temperature array; out-of-range slots read as zero.
func (s *Shared) SensorTemp(i int) float64 {
	if i < 0 || i >= SensorSlots {
		return 0
	}
	s.sensorMu.RLock()
	defer s.sensorMu.RUnlock()
	return s.sensorTemp[i]
}

func (s *Shared) SetSensorTemp(i int, v float64) {
	if i < 0 || i >= SensorSlots {
		return
	}
	s.sensorMu.Lock()
	s.sensorTemp[i] = v
	s.sensorMu.Unlock()
}

func (s *Shared) SensorUser(i int) float64 {
	if i < 0 || i >= SensorSlots {
		return 0
	}
	s.sensorMu.RLock()
	defer s.sensorMu.RUnlock()
	return s.sensorUser[i]
}

func (s *Shared) SetSensorUser(i int, v float64) {
	if i < 0 || i >= SensorSlots {
		return
	}
	s.sensorMu.Lock()
	s.sensorUser[i] = v
	s.sensorMu.Unlock()
}

// Snapshot copies every field. Each field is read under its own lock, so the snapshot
// is consistent per field, not across fields.
func (s *Shared) Snapshot() Snapshot {
	snap := Snapshot{
		Position: s.Position(),
		Exposure: s.Exposure(),
		ADU:      s.ADU(),
	}
	snap.Night, snap.MoonMode = s.Mode()
	snap.Gain, snap.Bin = s.GainBin()
	snap.Queue, snap.Backoff = s.Queue()

	s.sensorMu.RLock()
	snap.SensorTemp = s.sensorTemp
	snap.SensorUser = s.sensorUser
	s.sensorMu.RUnlock()

	s.updMu.RLock()
	snap.UpdatedAt = s.updated
	s.updMu.RUnlock()
	return snap
}
