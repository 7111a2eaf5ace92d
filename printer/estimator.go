package printer

import (
	"math"
	"time"
)

const (
	estimatorWindow    = 250
	estimatorThreshold = 0.1
	estimatorCountdown = 250
)

// estimator smooths the live total print time estimates of a job. It is stable once the
// rolling average of the change between consecutive average totals stayed under the threshold
// for countdown updates.
type estimator struct {
	window    int
	threshold float64
	countdown int

	sum       float64
	count     int
	totals    []float64
	distances []float64
	stable    int
}

func newEstimator() *estimator {
	return &estimator{
		window:    estimatorWindow,
		threshold: estimatorThreshold,
		countdown: estimatorCountdown,
		stable:    -1,
	}
}

func pushBounded(values []float64, value float64, size int) []float64 {
	values = append(values, value)
	if len(values) > size {
		values = values[len(values)-size:]
	}
	return values
}

func average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func (e *estimator) averageTotal() (float64, bool) {
	if e.count == 0 {
		return 0, false
	}
	return e.sum / float64(e.count), true
}

// rollingTotal is the average of the last window estimates.
func (e *estimator) rollingTotal() (float64, bool) {
	if len(e.totals) == 0 {
		return 0, false
	}
	return average(e.totals), true
}

func (e *estimator) averageDistance() (float64, bool) {
	if len(e.distances) < e.window {
		return 0, false
	}
	return average(e.distances), true
}

// update adds a new total print time estimate, in seconds.
func (e *estimator) update(total float64) {
	previous, hadPrevious := e.averageTotal()
	e.sum += total
	e.count++
	e.totals = pushBounded(e.totals, total, e.window)
	if hadPrevious {
		current, _ := e.averageTotal()
		e.distances = pushBounded(e.distances, math.Abs(current-previous), e.window)
	}

	if distance, ok := e.averageDistance(); ok && distance < e.threshold {
		e.stable++
	} else {
		e.stable = -1
	}
}

func (e *estimator) isStable() bool {
	return e.stable >= e.countdown
}

// estimateTimes blends a statistical total print time with the live one and returns the total
// and the time left. statistical is zero when unknown. The live estimate dominates from 50%
// completion on.
func estimateTimes(e *estimator, elapsed time.Duration, completion float64, statistical time.Duration) (time.Duration, time.Duration, bool) {
	if completion <= 0 || elapsed <= 0 {
		if statistical > 0 {
			return statistical, statistical - elapsed, true
		}
		return 0, 0, false
	}

	live := elapsed.Seconds() / completion
	if e != nil {
		e.update(live)
		if e.isStable() {
			if rolling, ok := e.rollingTotal(); ok {
				live = rolling
			}
		}
	}

	total := live
	if statistical > 0 {
		sub := math.Min(2*completion, 1)
		total = (1-sub)*statistical.Seconds() + sub*live
	}
	totalDuration := time.Duration(total * float64(time.Second))
	left := totalDuration - elapsed
	if left < 0 {
		left = 0
	}
	return totalDuration, left, true
}
