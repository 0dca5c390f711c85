// Package metrics records scalar training metrics as (epoch, value) series.
package metrics

import (
	"sort"
	"sync"
)

// Metric names recorded by the training loop.
const (
	TrainLoss  = "train_loss"
	ValLoss    = "val_loss"
	ValTop1Acc = "val_top1_acc"
	ValTop5Acc = "val_top5_acc"
)

// Series is an ordered list of values with the epoch each was recorded at.
// Epochs and Values always have the same length.
type Series struct {
	Epochs []int     `json:"epochs"`
	Values []float64 `json:"values"`
}

func (s Series) clone() Series {
	return Series{
		Epochs: append([]int(nil), s.Epochs...),
		Values: append([]float64(nil), s.Values...),
	}
}

// State is the serializable form of a Logger.
type State map[string]Series

// Logger accumulates named metric series.
//
// It is append-only during a run. LoadState replaces everything, which is
// how a resumed run picks up the history stored in a checkpoint.
type Logger struct {
	mu     sync.RWMutex
	series map[string]*Series
}

// NewLogger creates a logger with the given series pre-registered (empty).
func NewLogger(names ...string) *Logger {
	l := &Logger{series: make(map[string]*Series, len(names))}
	for _, name := range names {
		l.series[name] = &Series{}
	}
	return l
}

// NewTrainingLogger creates a logger with the four series the trainer writes.
func NewTrainingLogger() *Logger {
	return NewLogger(TrainLoss, ValLoss, ValTop1Acc, ValTop5Acc)
}

// Log appends value at epoch to the named series, creating it if needed.
func (l *Logger) Log(name string, epoch int, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.series[name]
	if !ok {
		s = &Series{}
		l.series[name] = s
	}
	s.Epochs = append(s.Epochs, epoch)
	s.Values = append(s.Values, value)
}

// Series returns a copy of the named series. Unknown names yield an empty series.
func (l *Logger) Series(name string) Series {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.series[name]
	if !ok {
		return Series{}
	}
	return s.clone()
}

// Len returns the number of points in the named series.
func (l *Logger) Len(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s, ok := l.series[name]; ok {
		return len(s.Values)
	}
	return 0
}

// Last returns the most recent point of the named series.
func (l *Logger) Last(name string) (epoch int, value float64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, found := l.series[name]
	if !found || len(s.Values) == 0 {
		return 0, 0, false
	}
	n := len(s.Values) - 1
	return s.Epochs[n], s.Values[n], true
}

// Names returns the registered series names in sorted order.
func (l *Logger) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.series))
	for name := range l.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// State returns a deep copy of every series.
func (l *Logger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	state := make(State, len(l.series))
	for name, s := range l.series {
		state[name] = s.clone()
	}
	return state
}

// LoadState replaces the logger contents with state.
func (l *Logger) LoadState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.series = make(map[string]*Series, len(state))
	for name, s := range state {
		c := s.clone()
		l.series[name] = &c
	}
}
