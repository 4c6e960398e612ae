package sched

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/clock"
	"github.com/brauwerk/fermd/internal/filter"
	"github.com/brauwerk/fermd/internal/state"
)

// Priority classifies how often a sensor needs sampling beyond the
// base cycle. It is carried as descriptor metadata; the actual extra
// rate comes from ExtraSamplesPerSecond.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const (
	// MaxTransactions caps the schedule. Descriptors that would
	// overflow it are silently dropped.
	MaxTransactions = 64

	// maxDeviceGroups and maxGroupSensors bound the bulk-read
	// grouping pass.
	maxDeviceGroups = 8
	maxGroupSensors = 16

	// transactionStagger separates back-to-back transactions so a
	// slow device cannot stall the whole slot.
	transactionStagger = 5 * time.Millisecond

	// extraSampleStart is where extra single reads begin inside the
	// cycle, clear of the first bulk slot.
	extraSampleStart = 15 * time.Millisecond
)

// SensorConfig describes one polled register.
type SensorConfig struct {
	Name       string
	DeviceAddr uint8
	Register   uint16

	// Scale and Offset convert the raw register to engineering
	// units: value = raw*Scale + Offset.
	Scale  float64
	Offset float64

	Priority              Priority
	ExtraSamplesPerSecond int

	Filter      filter.Kind
	FilterAlpha float64

	// MinRaw and MaxRaw bound the valid raw range. For 4-20mA
	// loop sensors a reading below MinRaw means a broken wire.
	MinRaw uint16
	MaxRaw uint16
}

// Config holds the schedule timing parameters.
type Config struct {
	// BaseCycle is the full schedule period. Default 1s.
	BaseCycle time.Duration

	// BaseSamplesPerCycle is how many times each sensor's bulk read
	// runs per cycle. Default 3.
	BaseSamplesPerCycle int

	// BulkReadEnabled marks base reads as bulk samples for the
	// dual-rate filter path. The register span covered per read is
	// the same either way.
	BulkReadEnabled bool

	Sensors []SensorConfig
}

// Transaction is one scheduled read. Exported for schedule inspection.
type Transaction struct {
	Offset   time.Duration
	Addr     uint8
	StartReg uint16
	Count    uint16
	Bulk     bool

	// sensor indexes into Scheduler.sensors covered by this read.
	sensors []int
}

type sensor struct {
	cfg     SensorConfig
	storeID int
	filt    filter.Filter
}

// Scheduler owns the poll schedule and drives one transport.
type Scheduler struct {
	transport Transport
	store     *state.Store
	events    *bus.Bus
	clk       clock.Clock

	cycle       time.Duration
	baseSamples int

	sensors  []sensor
	schedule []Transaction
}

// ErrTooManySensors is returned when Initialize is given more sensors
// than the store can register.
var ErrTooManySensors = errors.New("sched: too many sensors")

// New creates a scheduler. The clock is injectable for tests; pass
// clock.System{} in production.
func New(t Transport, st *state.Store, ev *bus.Bus, clk clock.Clock) *Scheduler {
	return &Scheduler{
		transport: t,
		store:     st,
		events:    ev,
		clk:       clk,
	}
}

// Initialize registers the configured sensors with the store, attaches
// their filters and builds the poll schedule.
func (s *Scheduler) Initialize(cfg Config) error {
	s.cycle = cfg.BaseCycle
	if s.cycle <= 0 {
		s.cycle = time.Second
	}
	s.baseSamples = cfg.BaseSamplesPerCycle
	if s.baseSamples <= 0 {
		s.baseSamples = 3
	}

	if len(cfg.Sensors) > state.MaxSensors {
		return ErrTooManySensors
	}

	s.sensors = s.sensors[:0]
	for _, sc := range cfg.Sensors {
		id := s.store.SensorID(sc.Name)
		if id < 0 {
			var err error
			id, err = s.store.RegisterSensor(sc.Name, unitFor(sc.Name), sc.Scale, sc.Offset, sc.Filter, sc.FilterAlpha)
			if err != nil {
				return fmt.Errorf("register sensor %q: %w", sc.Name, err)
			}
		}
		s.sensors = append(s.sensors, sensor{
			cfg:     sc,
			storeID: id,
			filt:    newFilter(sc),
		})
	}

	s.buildSchedule(cfg.BulkReadEnabled)
	log.Printf("sched: %d sensors, %d transactions per %v cycle",
		len(s.sensors), len(s.schedule), s.cycle)
	return nil
}

func newFilter(sc SensorConfig) filter.Filter {
	switch sc.Filter {
	case filter.MovingAverage:
		return filter.NewMovingAverage(5)
	case filter.EMA:
		return filter.NewEMA(sc.FilterAlpha)
	case filter.Median:
		return filter.NewMedian(5)
	case filter.DualRate:
		return filter.NewDualRate(sc.FilterAlpha, 0.5, 0.5)
	default:
		return filter.NewNone()
	}
}

// unitFor guesses a display unit from the sensor name.
func unitFor(name string) string {
	switch {
	case strings.Contains(name, "temp"):
		return "°C"
	case strings.Contains(name, "pressure"):
		return "bar"
	default:
		return "?"
	}
}

// deviceGroup collects same-device sensors for a bulk read.
type deviceGroup struct {
	addr    uint8
	minReg  uint16
	maxReg  uint16
	sensors []int
}

// buildSchedule lays the cycle out: N bulk passes per device group at
// even intervals, staggered per group, then extra single reads packed
// into the gaps from 15ms on. The result is sorted by offset and
// silently truncated at MaxTransactions.
func (s *Scheduler) buildSchedule(bulk bool) {
	s.schedule = s.schedule[:0]

	var groups []deviceGroup
	for i := range s.sensors {
		sc := &s.sensors[i].cfg
		placed := false
		for g := range groups {
			if groups[g].addr == sc.DeviceAddr && len(groups[g].sensors) < maxGroupSensors {
				if sc.Register < groups[g].minReg {
					groups[g].minReg = sc.Register
				}
				if sc.Register > groups[g].maxReg {
					groups[g].maxReg = sc.Register
				}
				groups[g].sensors = append(groups[g].sensors, i)
				placed = true
				break
			}
		}
		if !placed && len(groups) < maxDeviceGroups {
			groups = append(groups, deviceGroup{
				addr:    sc.DeviceAddr,
				minReg:  sc.Register,
				maxReg:  sc.Register,
				sensors: []int{i},
			})
		}
	}

	baseInterval := s.cycle / time.Duration(s.baseSamples)
	for n := 0; n < s.baseSamples; n++ {
		at := baseInterval * time.Duration(n)
		for g := range groups {
			if len(s.schedule) >= MaxTransactions {
				break
			}
			count := groups[g].maxReg - groups[g].minReg + 1
			if count > maxGroupSensors {
				count = maxGroupSensors
			}
			s.schedule = append(s.schedule, Transaction{
				Offset:   at,
				Addr:     groups[g].addr,
				StartReg: groups[g].minReg,
				Count:    count,
				Bulk:     bulk,
				sensors:  append([]int(nil), groups[g].sensors...),
			})
			at += transactionStagger
		}
	}

	at := extraSampleStart
	for i := range s.sensors {
		for e := 0; e < s.sensors[i].cfg.ExtraSamplesPerSecond; e++ {
			if len(s.schedule) >= MaxTransactions {
				break
			}
			s.schedule = append(s.schedule, Transaction{
				Offset:   at,
				Addr:     s.sensors[i].cfg.DeviceAddr,
				StartReg: s.sensors[i].cfg.Register,
				Count:    1,
				sensors:  []int{i},
			})
			at += transactionStagger
			if at >= s.cycle {
				at = extraSampleStart
			}
		}
	}

	sort.SliceStable(s.schedule, func(a, b int) bool {
		return s.schedule[a].Offset < s.schedule[b].Offset
	})
}

// Schedule returns a copy of the built schedule for inspection.
func (s *Scheduler) Schedule() []Transaction {
	out := make([]Transaction, len(s.schedule))
	copy(out, s.schedule)
	return out
}

// SensorCount reports how many sensors are being polled.
func (s *Scheduler) SensorCount() int { return len(s.sensors) }

// PollCycle runs one full schedule pass, sleeping up to each
// transaction's offset. With no sensors configured it is a no-op.
func (s *Scheduler) PollCycle() {
	if len(s.sensors) == 0 {
		return
	}
	start := s.clk.Now()
	for i := range s.schedule {
		elapsed := s.clk.Now().Sub(start)
		if elapsed < s.schedule[i].Offset {
			s.clk.Sleep(s.schedule[i].Offset - elapsed)
		}
		s.execute(&s.schedule[i])
	}
}

// Run drives poll cycles until stop closes, holding the base cadence.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		start := s.clk.Now()
		s.PollCycle()
		if rest := s.cycle - s.clk.Now().Sub(start); rest > 0 {
			s.clk.Sleep(rest)
		}
	}
}

// execute performs one transaction and folds the result into the
// store. A transport failure marks every covered sensor BAD without
// raising alarms; the next good read recovers them.
func (s *Scheduler) execute(t *Transaction) {
	if t.Count == 0 || t.Count > maxGroupSensors {
		log.Printf("sched: device %d reg %d: bad transaction count %d", t.Addr, t.StartReg, t.Count)
		return
	}

	data, err := s.transport.ReadHoldingRegisters(t.Addr, t.StartReg, t.Count)
	ts := s.clk.Now()
	if err == nil && len(data) < int(t.Count) {
		err = fmt.Errorf("short read: got %d of %d registers", len(data), t.Count)
	}
	if err != nil {
		s.store.AddModbusStats(1, 1)
		log.Printf("sched: device %d reg %d: %v", t.Addr, t.StartReg, err)
		for _, idx := range t.sensors {
			if serr := s.store.SetSensorQuality(s.sensors[idx].storeID, state.Bad); serr != nil {
				log.Printf("sched: mark sensor %d bad: %v", s.sensors[idx].storeID, serr)
			}
		}
		return
	}
	s.store.AddModbusStats(1, 0)

	for _, idx := range t.sensors {
		sen := &s.sensors[idx]
		if sen.cfg.Register < t.StartReg {
			continue
		}
		regOffset := sen.cfg.Register - t.StartReg
		if regOffset >= t.Count {
			continue
		}
		s.ingest(sen, data[regOffset], t.Bulk, ts)
	}
}

// ingest applies range validation, scaling and filtering for one raw
// register value and writes the result through.
func (s *Scheduler) ingest(sen *sensor, raw uint16, base bool, ts time.Time) {
	if raw < sen.cfg.MinRaw || (sen.cfg.MaxRaw > 0 && raw > sen.cfg.MaxRaw) {
		// Out-of-range current loop: wire break low, sensor fault
		// high. Last good values stay on display.
		if err := s.store.SetSensorQuality(sen.storeID, state.Bad); err != nil {
			log.Printf("sched: mark sensor %d bad: %v", sen.storeID, err)
		}
		s.events.PublishAlarm(sen.storeID, bus.Warning,
			fmt.Sprintf("%s: raw %d outside [%d, %d]", sen.cfg.Name, raw, sen.cfg.MinRaw, sen.cfg.MaxRaw), ts)
		return
	}

	value := float64(raw)*sen.cfg.Scale + sen.cfg.Offset

	if base {
		sen.filt.UpdateBase(value)
	} else {
		sen.filt.Update(value)
	}
	filtered := sen.filt.Value()

	if err := s.store.UpdateSensorValue(sen.storeID, value, ts); err != nil {
		log.Printf("sched: update sensor %d: %v", sen.storeID, err)
		return
	}
	if err := s.store.UpdateSensorFiltered(sen.storeID, filtered, filtered); err != nil {
		log.Printf("sched: update sensor %d filtered: %v", sen.storeID, err)
		return
	}
	if err := s.store.SetSensorQuality(sen.storeID, state.Good); err != nil {
		log.Printf("sched: mark sensor %d good: %v", sen.storeID, err)
	}
	s.events.PublishSensorUpdate(sen.storeID, filtered, ts)
}
