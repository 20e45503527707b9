package solax

import (
	"math"
	"strings"

	"github.com/sirupsen/logrus"
)

// Filter rejects spurious power readings. The inverter occasionally returns
// garbage register values; any power metric whose magnitude exceeds the
// threshold is replaced with the last value that passed, or zero if none has
// yet. Non-power metrics pass through untouched. One instance lives for the
// whole process so the last-good map spans cycles.
type Filter struct {
	thresholdW float64
	lastGood   map[string]float64
	log        *logrus.Logger
}

// NewFilter creates a filter admitting power readings up to thresholdW.
func NewFilter(thresholdW float64, log *logrus.Logger) *Filter {
	return &Filter{
		thresholdW: thresholdW,
		lastGood:   make(map[string]float64),
		log:        log,
	}
}

// isPowerMetric reports whether key names a metric the filter guards.
func isPowerMetric(key string) bool {
	return strings.HasPrefix(key, "Power/") ||
		strings.HasPrefix(key, "String") ||
		strings.HasPrefix(key, "AC/Power")
}

// Validate admits value for key, substituting the last good value (or zero)
// when it exceeds the threshold.
func (f *Filter) Validate(key string, value float64) float64 {
	if !isPowerMetric(key) {
		return value
	}

	if math.Abs(value) > f.thresholdW {
		last, ok := f.lastGood[key]
		if !ok {
			last = 0
		}
		f.log.WithFields(logrus.Fields{
			"metric":     key,
			"value":      value,
			"threshold":  f.thresholdW,
			"substitute": last,
		}).Warn("spurious power reading, substituting last good value")
		return last
	}

	f.lastGood[key] = value
	return value
}
