package filequeue

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Bounds for the poll-sleep backoff.
const (
	MinAllowedSleep     = 100 * time.Millisecond
	MaxAllowedSleep     = 5 * time.Minute
	DefaultMinSleep     = 2 * time.Second
	DefaultMaxSleep     = 5 * time.Second
	DefaultSleepSteps   = 10
	sleepSettingMinName = "min_sleep_between_checks"
	sleepSettingMaxName = "max_sleep_between_checks"
)

// ComputeSleepIntervals returns steps durations growing linearly from min to max.
//
// A min or max outside [MinAllowedSleep, MaxAllowedSleep] is clamped to the nearest
// boundary. If min is still greater than max after clamping, both fall back to
// DefaultMinSleep and DefaultMaxSleep. Every correction is logged as a
// ConfigurationError warning; none of them is fatal.
func ComputeSleepIntervals(logger *slog.Logger, min, max time.Duration, steps int) []time.Duration {
	if logger == nil {
		logger = discardLogger()
	}

	min = clampSleep(logger, sleepSettingMinName, min)
	max = clampSleep(logger, sleepSettingMaxName, max)
	if min > max {
		logConfigurationError(logger, &ConfigurationError{
			Setting: sleepSettingMinName,
			Value:   min.String(),
			Applied: DefaultMinSleep.String() + ".." + DefaultMaxSleep.String(),
			Reason:  "is greater than " + sleepSettingMaxName + " " + max.String(),
		})
		min, max = DefaultMinSleep, DefaultMaxSleep
	}

	if steps < 1 {
		logConfigurationError(logger, &ConfigurationError{
			Setting: "sleep_steps",
			Value:   strconv.Itoa(steps),
			Applied: strconv.Itoa(DefaultSleepSteps),
			Reason:  "must be positive",
		})
		steps = DefaultSleepSteps
	}

	intervals := make([]time.Duration, steps)
	if steps == 1 {
		intervals[0] = min
		return intervals
	}
	span := max - min
	for i := 0; i < steps; i++ {
		intervals[i] = min + span*time.Duration(i)/time.Duration(steps-1)
	}
	return intervals
}

func clampSleep(logger *slog.Logger, setting string, d time.Duration) time.Duration {
	var applied time.Duration
	switch {
	case d < MinAllowedSleep:
		applied = MinAllowedSleep
	case d > MaxAllowedSleep:
		applied = MaxAllowedSleep
	default:
		return d
	}
	logConfigurationError(logger, &ConfigurationError{
		Setting: setting,
		Value:   d.String(),
		Applied: applied.String(),
		Reason:  "is out of range [" + MinAllowedSleep.String() + ", " + MaxAllowedSleep.String() + "]",
	})
	return applied
}

func logConfigurationError(logger *slog.Logger, err *ConfigurationError) {
	logger.Warn("configuration value replaced", "setting", err.Setting, "value", err.Value, "applied", err.Applied, "error", err)
}

// SleepIterator walks a precomputed interval table. Next advances toward the
// maximum after every empty poll; Reset returns to the minimum after a successful load.
type SleepIterator struct {
	mu        sync.Mutex
	intervals []time.Duration
	pos       int
}

// NewSleepIterator creates an iterator over ComputeSleepIntervals(logger, min, max, steps).
func NewSleepIterator(logger *slog.Logger, min, max time.Duration, steps int) *SleepIterator {
	return &SleepIterator{intervals: ComputeSleepIntervals(logger, min, max, steps)}
}

// Current returns the duration the next wait should use without advancing.
func (it *SleepIterator) Current() time.Duration {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.intervals[it.pos]
}

// Next returns the current duration and advances toward the maximum.
func (it *SleepIterator) Next() time.Duration {
	it.mu.Lock()
	defer it.mu.Unlock()
	d := it.intervals[it.pos]
	if it.pos < len(it.intervals)-1 {
		it.pos++
	}
	return d
}

// Reset moves the iterator back to the minimum.
func (it *SleepIterator) Reset() {
	it.mu.Lock()
	it.pos = 0
	it.mu.Unlock()
}

// Reconfigure replaces the interval table and resets to the minimum.
func (it *SleepIterator) Reconfigure(logger *slog.Logger, min, max time.Duration, steps int) {
	intervals := ComputeSleepIntervals(logger, min, max, steps)
	it.mu.Lock()
	it.intervals = intervals
	it.pos = 0
	it.mu.Unlock()
}
