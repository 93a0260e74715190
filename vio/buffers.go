// Package vio implements the sliding-window visual-inertial-GNSS estimator:
// sensor buffering and interval extraction, IMU pre-integration bookkeeping,
// feature management, the two-stage initializer, per-keyframe batch
// optimization and marginalization, and the low-latency IMU predictor.
package vio

import (
	"container/heap"

	"github.com/golang/geo/r3"

	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
)

// timed is a timestamped payload ordered by time.
type timed[T any] struct {
	t float64
	v T
}

type timedHeap[T any] []timed[T]

func (h timedHeap[T]) Len() int            { return len(h) }
func (h timedHeap[T]) Less(i, j int) bool  { return h[i].t < h[j].t }
func (h timedHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timedHeap[T]) Push(x interface{}) { *h = append(*h, x.(timed[T])) }
func (h *timedHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timeQueue is a min-heap of timestamped payloads. Out-of-order pushes are
// accepted; pops drain monotonically.
type timeQueue[T any] struct {
	h timedHeap[T]
}

func (q *timeQueue[T]) push(t float64, v T) {
	heap.Push(&q.h, timed[T]{t: t, v: v})
}

func (q *timeQueue[T]) empty() bool { return len(q.h) == 0 }

func (q *timeQueue[T]) len() int { return len(q.h) }

func (q *timeQueue[T]) top() (float64, T) {
	return q.h[0].t, q.h[0].v
}

func (q *timeQueue[T]) pop() (float64, T) {
	item := heap.Pop(&q.h).(timed[T])
	return item.t, item.v
}

func (q *timeQueue[T]) clear() {
	q.h = q.h[:0]
}

func (q *timeQueue[T]) clone() *timeQueue[T] {
	out := &timeQueue[T]{h: make(timedHeap[T], len(q.h))}
	copy(out.h, q.h)
	return out
}

// imuSample is one accelerometer+gyroscope pair.
type imuSample struct {
	acc r3.Vector
	gyr r3.Vector
}

// encSample is the left/right wheel velocity pair, expressed on the wheel
// forward axis.
type encSample struct {
	velL r3.Vector
	velR r3.Vector
}

// extractIMUInterval drains samples in (t0, t1) and appends the first sample
// at or past t1 as the boundary. It reports false when the queue cannot cover
// the interval.
func extractIMUInterval(q *timeQueue[imuSample], t0, t1 float64) ([]timed[imuSample], bool) {
	if q.empty() {
		return nil, false
	}
	for !q.empty() {
		if t, _ := q.top(); t <= t0 {
			q.pop()
			continue
		}
		break
	}
	var out []timed[imuSample]
	for !q.empty() {
		t, v := q.top()
		if t >= t1 {
			break
		}
		q.pop()
		out = append(out, timed[imuSample]{t: t, v: v})
	}
	if q.empty() {
		return out, false
	}
	t, v := q.top()
	out = append(out, timed[imuSample]{t: t, v: v})
	return out, true
}

// extractEncoderInterval drains encoder samples up to t1 and appends the
// boundary sample, which stays queued. It re-pushes the last drained sample,
// so the next extraction still sees continuous history at its low side.
func extractEncoderInterval(q *timeQueue[encSample], t1 float64) ([]timed[encSample], bool) {
	if q.empty() {
		return nil, false
	}
	var out []timed[encSample]
	for !q.empty() {
		t, _ := q.top()
		if t >= t1 {
			break
		}
		tt, v := q.pop()
		out = append(out, timed[encSample]{t: tt, v: v})
	}
	if q.empty() {
		return out, false
	}
	t, v := q.top()
	out = append(out, timed[encSample]{t: t, v: v})
	if len(out) >= 2 {
		last := out[len(out)-2]
		q.push(last.t, last.v)
	}
	return out, true
}

// extractGNSSInterval drains observation batches strictly inside (t0, t1);
// the boundary batch is not duplicated.
func extractGNSSInterval(q *timeQueue[[]*gnss.Obs], t0, t1 float64) [][]*gnss.Obs {
	for !q.empty() {
		if t, _ := q.top(); t <= t0 {
			q.pop()
			continue
		}
		break
	}
	var out [][]*gnss.Obs
	for !q.empty() {
		t, _ := q.top()
		if t >= t1 {
			break
		}
		_, v := q.pop()
		out = append(out, v)
	}
	return out
}
