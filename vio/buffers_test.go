package vio

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
)

func TestIMUIntervalExtraction(t *testing.T) {
	var q timeQueue[imuSample]
	for i := 0; i < 10; i++ {
		q.push(float64(i)*0.01, imuSample{acc: r3.Vector{Z: float64(i)}})
	}

	out, ok := extractIMUInterval(&q, 0.015, 0.055)
	test.That(t, ok, test.ShouldBeTrue)
	// samples in (0.015, 0.055) plus the boundary sample at 0.06
	test.That(t, len(out), test.ShouldEqual, 5)
	test.That(t, out[0].t, test.ShouldAlmostEqual, 0.02)
	test.That(t, out[len(out)-1].t, test.ShouldAlmostEqual, 0.06)
	// boundary sample remains in the queue for the next extraction
	topT, _ := q.top()
	test.That(t, topT, test.ShouldAlmostEqual, 0.06)
}

func TestIMUIntervalOutOfOrderArrival(t *testing.T) {
	var q timeQueue[imuSample]
	for _, ts := range []float64{0.03, 0.01, 0.04, 0.02, 0.05} {
		q.push(ts, imuSample{})
	}
	out, ok := extractIMUInterval(&q, 0.0, 0.045)
	test.That(t, ok, test.ShouldBeTrue)
	for i := 1; i < len(out); i++ {
		test.That(t, out[i].t, test.ShouldBeGreaterThan, out[i-1].t)
	}
	test.That(t, out[len(out)-1].t, test.ShouldAlmostEqual, 0.05)
}

func TestIMUIntervalNeedsBoundary(t *testing.T) {
	var q timeQueue[imuSample]
	q.push(0.01, imuSample{})
	q.push(0.02, imuSample{})
	_, ok := extractIMUInterval(&q, 0, 0.05)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestShortIntervalStillYieldsBoundary(t *testing.T) {
	// a feature frame arriving barely after prevTime must still see a
	// non-empty vector with the boundary sample
	var q timeQueue[imuSample]
	q.push(0.010, imuSample{})
	q.push(0.020, imuSample{})
	out, ok := extractIMUInterval(&q, 0.0101, 0.0102)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, len(out), test.ShouldEqual, 1)
	test.That(t, out[0].t, test.ShouldAlmostEqual, 0.020)
}

func TestEncoderIntervalRepushesHistory(t *testing.T) {
	var q timeQueue[encSample]
	for i := 0; i < 6; i++ {
		q.push(float64(i)*0.02, encSample{velL: r3.Vector{Z: float64(i)}})
	}
	out, ok := extractEncoderInterval(&q, 0.05)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, out[len(out)-1].t, test.ShouldAlmostEqual, 0.06)

	// the last-but-one sample was re-pushed for low-side continuity
	topT, _ := q.top()
	test.That(t, topT, test.ShouldAlmostEqual, 0.04)
}

func TestGNSSIntervalNoBoundaryDuplicate(t *testing.T) {
	var q timeQueue[[]*gnss.Obs]
	for i := 0; i < 5; i++ {
		q.push(float64(i), []*gnss.Obs{{Sat: gnss.SatID(i + 1)}})
	}
	out := extractGNSSInterval(&q, 0.5, 3.5)
	test.That(t, len(out), test.ShouldEqual, 3)
	// boundary batch at t=4 stays queued
	topT, _ := q.top()
	test.That(t, topT, test.ShouldAlmostEqual, 4)
}

func TestInterpolateEncoder(t *testing.T) {
	enc := []timed[encSample]{
		{t: 0, v: encSample{velL: r3.Vector{Z: 1}, velR: r3.Vector{Z: 2}}},
		{t: 1, v: encSample{velL: r3.Vector{Z: 3}, velR: r3.Vector{Z: 4}}},
	}
	velL, velR := interpolateEncoder(enc, 0.25, r3.Vector{})
	test.That(t, velL.Z, test.ShouldAlmostEqual, 1.5)
	test.That(t, velR.Z, test.ShouldAlmostEqual, 2.5)

	// fallback to current velocity estimate when empty
	velL, _ = interpolateEncoder(nil, 0.5, r3.Vector{Z: 9})
	test.That(t, velL.Z, test.ShouldAlmostEqual, 9)
}
