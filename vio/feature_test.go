package vio

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

func newTestFeatureManager(t *testing.T) *FeatureManager {
	fm := NewFeatureManager(10, 460, 10, 5, false, logging.NewTestLogger(t))
	fm.SetExtrinsics(
		[2]sm.RotationMatrix{sm.RotIdentity(), sm.RotIdentity()},
		[2]r3.Vector{{}, {}},
	)
	return fm
}

func frameOf(n int, offset r3.Vector) FeatureFrame {
	frame := make(FeatureFrame)
	for id := 0; id < n; id++ {
		base := r3.Vector{X: 0.01 * float64(id%5), Y: 0.01 * float64(id/5), Z: 1}
		frame[id] = []CameraObservation{{
			CameraID: 0,
			Point:    base.Add(offset),
		}}
	}
	return frame
}

func TestKeyframeDecisionHighParallax(t *testing.T) {
	fm := newTestFeatureManager(t)
	// 25 shared features displaced by 0.08 normalized units between
	// consecutive frames (about 37 px at focal 460)
	fm.AddFeatureCheckParallax(0, frameOf(25, r3.Vector{}), 0)
	fm.AddFeatureCheckParallax(1, frameOf(25, r3.Vector{X: 0.08}), 0)
	isKeyframe := fm.AddFeatureCheckParallax(2, frameOf(25, r3.Vector{X: 0.16}), 0)
	test.That(t, isKeyframe, test.ShouldBeTrue)
}

func TestKeyframeDecisionLowParallax(t *testing.T) {
	fm := newTestFeatureManager(t)
	fm.AddFeatureCheckParallax(0, frameOf(30, r3.Vector{}), 0)
	fm.AddFeatureCheckParallax(1, frameOf(30, r3.Vector{X: 0.001}), 0)
	isKeyframe := fm.AddFeatureCheckParallax(2, frameOf(30, r3.Vector{X: 0.002}), 0)
	test.That(t, isKeyframe, test.ShouldBeFalse)
}

func TestKeyframeDecisionFewTracks(t *testing.T) {
	fm := newTestFeatureManager(t)
	fm.AddFeatureCheckParallax(0, frameOf(10, r3.Vector{}), 0)
	fm.AddFeatureCheckParallax(1, frameOf(10, r3.Vector{X: 0.001}), 0)
	// under 20 tracked features forces a keyframe regardless of parallax
	isKeyframe := fm.AddFeatureCheckParallax(2, frameOf(10, r3.Vector{X: 0.001}), 0)
	test.That(t, isKeyframe, test.ShouldBeTrue)
}

func TestGetCorresponding(t *testing.T) {
	fm := newTestFeatureManager(t)
	fm.AddFeatureCheckParallax(0, frameOf(25, r3.Vector{}), 0)
	fm.AddFeatureCheckParallax(1, frameOf(25, r3.Vector{X: 0.05}), 0)
	corres := fm.GetCorresponding(0, 1)
	test.That(t, len(corres), test.ShouldEqual, 25)
	test.That(t, corres[0][1].X-corres[0][0].X, test.ShouldAlmostEqual, 0.05, 1e-12)
}

func TestDepthTransferOnEviction(t *testing.T) {
	fm := newTestFeatureManager(t)

	ray := r3.Vector{X: 0.1, Y: -0.05, Z: 1}
	l := &landmark{
		id:         7,
		startFrame: 0,
		obs: []featureObservation{
			{point: ray}, {point: ray}, {point: ray},
		},
		estimatedDepth: 5.0,
	}
	fm.features = append(fm.features, l)

	// old camera at origin, new camera translated and slightly rotated
	r0 := sm.RotIdentity()
	p0 := r3.Vector{}
	r1 := sm.YPRToRot(r3.Vector{X: 5})
	p1 := r3.Vector{X: 0.4, Y: 0.1, Z: -0.2}

	pw := r0.MulVec(ray.Mul(5.0)).Add(p0)
	want := r1.Transpose().MulVec(pw.Sub(p1)).Z

	fm.RemoveBackShiftDepth(r0, p0, r1, p1)
	test.That(t, l.startFrame, test.ShouldEqual, 0)
	test.That(t, len(l.obs), test.ShouldEqual, 2)
	test.That(t, l.estimatedDepth, test.ShouldAlmostEqual, want, 1e-9)
}

func TestRemoveBackDropsShortTracks(t *testing.T) {
	fm := newTestFeatureManager(t)
	fm.features = append(fm.features,
		&landmark{id: 1, startFrame: 0, obs: []featureObservation{{}}},
		&landmark{id: 2, startFrame: 3, obs: []featureObservation{{}, {}}},
	)
	fm.RemoveBack()
	test.That(t, len(fm.features), test.ShouldEqual, 1)
	test.That(t, fm.features[0].id, test.ShouldEqual, 2)
	test.That(t, fm.features[0].startFrame, test.ShouldEqual, 2)
}

func TestRemoveFrontSplicesSecondNewest(t *testing.T) {
	fm := newTestFeatureManager(t)
	l := &landmark{
		id:         3,
		startFrame: 7,
		obs: []featureObservation{
			{point: r3.Vector{X: 1}}, // frame 7
			{point: r3.Vector{X: 2}}, // frame 8
			{point: r3.Vector{X: 3}}, // frame 9
			{point: r3.Vector{X: 4}}, // frame 10
		},
	}
	fm.features = append(fm.features, l)
	fm.RemoveFront(10)
	// the observation at frame 9 is spliced out
	test.That(t, len(l.obs), test.ShouldEqual, 3)
	test.That(t, l.obs[2].point.X, test.ShouldEqual, 4)
}

func TestTriangulateTwoView(t *testing.T) {
	fm := newTestFeatureManager(t)

	// a point 5 m ahead seen from two translated cameras
	pw := r3.Vector{X: 0.5, Y: -0.25, Z: 5}
	ps := []r3.Vector{{}, {X: 1}}
	rs := []sm.RotationMatrix{sm.RotIdentity(), sm.RotIdentity()}

	obs0 := r3.Vector{X: pw.X / pw.Z, Y: pw.Y / pw.Z, Z: 1}
	local1 := pw.Sub(ps[1])
	obs1 := r3.Vector{X: local1.X / local1.Z, Y: local1.Y / local1.Z, Z: 1}

	l := &landmark{
		id:             1,
		startFrame:     0,
		obs:            []featureObservation{{point: obs0}, {point: obs1}},
		estimatedDepth: -1,
	}
	fm.features = append(fm.features, l)
	fm.Triangulate(1, ps, rs)
	test.That(t, l.estimatedDepth, test.ShouldAlmostEqual, 5, 1e-6)
}

func TestRemoveOutlierAndFailures(t *testing.T) {
	fm := newTestFeatureManager(t)
	fm.features = append(fm.features,
		&landmark{id: 1, obs: []featureObservation{{}}},
		&landmark{id: 2, obs: []featureObservation{{}}, solveFlag: depthFailed},
		&landmark{id: 3, obs: []featureObservation{{}}},
	)
	fm.RemoveOutliers(map[int]bool{3: true})
	test.That(t, len(fm.features), test.ShouldEqual, 2)
	fm.RemoveFailures()
	test.That(t, len(fm.features), test.ShouldEqual, 1)
	test.That(t, fm.features[0].id, test.ShouldEqual, 1)
}
