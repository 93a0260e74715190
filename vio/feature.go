package vio

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// CameraObservation is one camera's view of a feature in a feature frame:
// normalized image point, pixel velocity on the normalized plane, and the
// time offset the tracker compensated at.
type CameraObservation struct {
	CameraID int
	Point    r3.Vector
	Velocity r3.Vector
	CurTd    float64
}

// FeatureFrame is the output of the (external) feature tracker for one image
// timestamp.
type FeatureFrame map[int][]CameraObservation

// featureObservation is one window frame's view of a landmark.
type featureObservation struct {
	point    r3.Vector
	velocity r3.Vector
	curTd    float64

	isStereo      bool
	pointRight    r3.Vector
	velocityRight r3.Vector
}

const (
	depthUnsolved = 0
	depthSolved   = 1
	depthFailed   = 2
)

// landmark is one tracked feature with contiguous observations starting at
// startFrame; the inverse depth is owned by the start frame.
type landmark struct {
	id         int
	startFrame int
	obs        []featureObservation

	usedNum        int
	estimatedDepth float64
	solveFlag      int
}

func (l *landmark) endFrame() int {
	return l.startFrame + len(l.obs) - 1
}

// FeatureManager maintains the per-landmark observation tracks of the window
// and decides keyframes by parallax.
type FeatureManager struct {
	logger logging.Logger

	windowSize  int
	focalLength float64
	minParallax float64 // pixels
	initDepth   float64
	stereo      bool

	features     []*landmark
	lastTrackNum int

	ric [2]sm.RotationMatrix
	tic [2]r3.Vector
}

// NewFeatureManager builds an empty feature store.
func NewFeatureManager(windowSize int, focalLength, minParallax, initDepth float64, stereo bool, logger logging.Logger) *FeatureManager {
	return &FeatureManager{
		logger:      logger,
		windowSize:  windowSize,
		focalLength: focalLength,
		minParallax: minParallax,
		initDepth:   initDepth,
		stereo:      stereo,
	}
}

// SetExtrinsics updates the camera-to-body transforms used for triangulation.
func (fm *FeatureManager) SetExtrinsics(ric [2]sm.RotationMatrix, tic [2]r3.Vector) {
	fm.ric = ric
	fm.tic = tic
}

// ClearState drops every track.
func (fm *FeatureManager) ClearState() {
	fm.features = nil
	fm.lastTrackNum = 0
}

func (fm *FeatureManager) find(id int) *landmark {
	for _, l := range fm.features {
		if l.id == id {
			return l
		}
	}
	return nil
}

// FeatureCount is the number of landmarks participating in optimization.
func (fm *FeatureManager) FeatureCount() int {
	cnt := 0
	for _, l := range fm.features {
		l.usedNum = len(l.obs)
		if l.usedNum >= 4 {
			cnt++
		}
	}
	return cnt
}

// AddFeatureCheckParallax appends the frame's observations and decides
// whether the previous frame was a keyframe: true means the oldest frame is
// marginalized, false means the second-newest.
func (fm *FeatureManager) AddFeatureCheckParallax(frameCount int, frame FeatureFrame, td float64) bool {
	parallaxSum := 0.0
	parallaxNum := 0
	fm.lastTrackNum = 0

	for id, views := range frame {
		if len(views) == 0 {
			continue
		}
		obs := featureObservation{
			point:    views[0].Point,
			velocity: views[0].Velocity,
			curTd:    td,
		}
		if len(views) > 1 && views[1].CameraID == 1 {
			obs.isStereo = true
			obs.pointRight = views[1].Point
			obs.velocityRight = views[1].Velocity
		}

		l := fm.find(id)
		if l == nil {
			fm.features = append(fm.features, &landmark{
				id:             id,
				startFrame:     frameCount,
				obs:            []featureObservation{obs},
				estimatedDepth: -1,
			})
			continue
		}
		l.obs = append(l.obs, obs)
		fm.lastTrackNum++
	}

	if frameCount < 2 || fm.lastTrackNum < 20 {
		return true
	}

	for _, l := range fm.features {
		if l.startFrame <= frameCount-2 && l.endFrame() >= frameCount-1 {
			parallaxSum += fm.compensatedParallax(l, frameCount)
			parallaxNum++
		}
	}

	if parallaxNum == 0 {
		return true
	}
	avg := parallaxSum / float64(parallaxNum)
	return avg >= fm.minParallax/fm.focalLength
}

// compensatedParallax measures the normalized-plane motion of a landmark
// between the previous-previous and previous frame.
func (fm *FeatureManager) compensatedParallax(l *landmark, frameCount int) float64 {
	frameI := l.obs[frameCount-2-l.startFrame]
	frameJ := l.obs[frameCount-1-l.startFrame]

	du := frameJ.point.X - frameI.point.X
	dv := frameJ.point.Y - frameI.point.Y
	return math.Sqrt(du*du + dv*dv)
}

// GetCorresponding returns matched normalized-plane point pairs visible in
// both frames.
func (fm *FeatureManager) GetCorresponding(frameL, frameR int) [][2]r3.Vector {
	var out [][2]r3.Vector
	for _, l := range fm.features {
		if l.startFrame <= frameL && l.endFrame() >= frameR {
			a := l.obs[frameL-l.startFrame].point
			b := l.obs[frameR-l.startFrame].point
			out = append(out, [2]r3.Vector{a, b})
		}
	}
	return out
}

// DepthVector packs the inverse depths of all optimizable landmarks.
func (fm *FeatureManager) DepthVector() []float64 {
	out := make([]float64, 0, fm.FeatureCount())
	for _, l := range fm.features {
		l.usedNum = len(l.obs)
		if l.usedNum < 4 {
			continue
		}
		out = append(out, 1.0/l.estimatedDepth)
	}
	return out
}

// SetDepths unpacks solved inverse depths in DepthVector order, flagging
// failures.
func (fm *FeatureManager) SetDepths(dep []float64) {
	idx := 0
	for _, l := range fm.features {
		l.usedNum = len(l.obs)
		if l.usedNum < 4 {
			continue
		}
		l.estimatedDepth = 1.0 / dep[idx]
		idx++
		if l.estimatedDepth < 0 {
			l.solveFlag = depthFailed
		} else {
			l.solveFlag = depthSolved
		}
	}
}

// ClearDepths resets every landmark depth to unknown.
func (fm *FeatureManager) ClearDepths() {
	for _, l := range fm.features {
		l.estimatedDepth = -1
	}
}

// triangulatePoint solves the two-view linear triangulation.
func triangulatePoint(pose0, pose1 *mat.Dense, p0, p1 r3.Vector) r3.Vector {
	design := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		design.Set(0, c, p0.X*pose0.At(2, c)-pose0.At(0, c))
		design.Set(1, c, p0.Y*pose0.At(2, c)-pose0.At(1, c))
		design.Set(2, c, p1.X*pose1.At(2, c)-pose1.At(0, c))
		design.Set(3, c, p1.Y*pose1.At(2, c)-pose1.At(1, c))
	}
	var svd mat.SVD
	svd.Factorize(design, mat.SVDFullV)
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}
}

// camPose packs a camera pose (world-from-body times extrinsic, inverted)
// into the 3x4 projection used by triangulatePoint.
func camPose(r sm.RotationMatrix, p r3.Vector, ric sm.RotationMatrix, tic r3.Vector) *mat.Dense {
	camR := r.Mul(ric)
	camT := p.Add(r.MulVec(tic))
	rt := camR.Transpose()
	t := rt.MulVec(camT).Mul(-1)
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rt.At(i, j))
		}
	}
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	return out
}

// Triangulate estimates a depth for every landmark that lacks one, using the
// stereo pair of its anchor frame when available, else its first two
// observations.
func (fm *FeatureManager) Triangulate(frameCount int, ps []r3.Vector, rs []sm.RotationMatrix) {
	for _, l := range fm.features {
		if l.estimatedDepth > 0 {
			continue
		}

		if fm.stereo && len(l.obs) > 0 && l.obs[0].isStereo {
			i := l.startFrame
			pose0 := camPose(rs[i], ps[i], fm.ric[0], fm.tic[0])
			pose1 := camPose(rs[i], ps[i], fm.ric[1], fm.tic[1])
			pw := triangulatePoint(pose0, pose1, l.obs[0].point, l.obs[0].pointRight)
			l.estimatedDepth = fm.anchorDepth(pw, i, ps, rs)
			continue
		}
		if len(l.obs) >= 2 {
			i := l.startFrame
			j := i + 1
			pose0 := camPose(rs[i], ps[i], fm.ric[0], fm.tic[0])
			pose1 := camPose(rs[j], ps[j], fm.ric[0], fm.tic[0])
			pw := triangulatePoint(pose0, pose1, l.obs[0].point, l.obs[1].point)
			l.estimatedDepth = fm.anchorDepth(pw, i, ps, rs)
		}
	}
	_ = frameCount
}

// anchorDepth expresses a world point in the anchor camera and returns its
// depth, falling back to the default for degenerate geometry.
func (fm *FeatureManager) anchorDepth(pw r3.Vector, frame int, ps []r3.Vector, rs []sm.RotationMatrix) float64 {
	camR := rs[frame].Mul(fm.ric[0])
	camT := ps[frame].Add(rs[frame].MulVec(fm.tic[0]))
	local := camR.Transpose().MulVec(pw.Sub(camT))
	if local.Z > 0.1 {
		return local.Z
	}
	return fm.initDepth
}

// InitFramePoseByPnP bootstraps the newest frame pose from already
// triangulated landmarks when no IMU is available.
func (fm *FeatureManager) InitFramePoseByPnP(frameCount int, ps []r3.Vector, rs []sm.RotationMatrix) {
	if frameCount == 0 {
		return
	}
	var pts3 []r3.Vector
	var pts2 []r3.Vector
	for _, l := range fm.features {
		if l.estimatedDepth <= 0 {
			continue
		}
		if l.endFrame() < frameCount || l.startFrame > frameCount {
			continue
		}
		idx := frameCount - l.startFrame
		anchor := l.startFrame
		camR := rs[anchor].Mul(fm.ric[0])
		camT := ps[anchor].Add(rs[anchor].MulVec(fm.tic[0]))
		pw := camR.MulVec(l.obs[0].point.Mul(l.estimatedDepth)).Add(camT)
		pts3 = append(pts3, pw)
		pts2 = append(pts2, l.obs[idx].point)
	}
	if len(pts3) < 6 {
		if fm.logger != nil {
			fm.logger.Debugf("not enough triangulated points for PnP: %d", len(pts3))
		}
		return
	}

	// seed from the previous frame's camera pose
	camR := rs[frameCount-1].Mul(fm.ric[0])
	camT := ps[frameCount-1].Add(rs[frameCount-1].MulVec(fm.tic[0]))
	if r, t, ok := solvePoseByPnP(camR, camT, pts2, pts3); ok {
		rs[frameCount] = r.Mul(fm.ric[0].Transpose())
		ps[frameCount] = t.Sub(rs[frameCount].MulVec(fm.tic[0]))
	}
}

// RemoveFailures drops landmarks flagged as failed by the last solve.
func (fm *FeatureManager) RemoveFailures() {
	out := fm.features[:0]
	for _, l := range fm.features {
		if l.solveFlag != depthFailed {
			out = append(out, l)
		}
	}
	fm.features = out
}

// RemoveOutliers drops the given landmark ids.
func (fm *FeatureManager) RemoveOutliers(ids map[int]bool) {
	if len(ids) == 0 {
		return
	}
	out := fm.features[:0]
	for _, l := range fm.features {
		if !ids[l.id] {
			out = append(out, l)
		}
	}
	fm.features = out
}

// RemoveBack drops the oldest observation of every landmark without depth
// transfer (pre-initialization eviction).
func (fm *FeatureManager) RemoveBack() {
	out := fm.features[:0]
	for _, l := range fm.features {
		if l.startFrame != 0 {
			l.startFrame--
			out = append(out, l)
			continue
		}
		l.obs = l.obs[1:]
		if len(l.obs) > 0 {
			out = append(out, l)
		}
	}
	fm.features = out
}

// RemoveBackShiftDepth drops the oldest observation and transfers the
// landmark depth from the evicted camera pose (r0, p0) to the new anchor
// camera pose (r1, p1).
func (fm *FeatureManager) RemoveBackShiftDepth(r0 sm.RotationMatrix, p0 r3.Vector, r1 sm.RotationMatrix, p1 r3.Vector) {
	out := fm.features[:0]
	for _, l := range fm.features {
		if l.startFrame != 0 {
			l.startFrame--
			out = append(out, l)
			continue
		}
		ray := l.obs[0].point
		l.obs = l.obs[1:]
		if len(l.obs) < 2 {
			// the track no longer constrains anything
			continue
		}
		if l.estimatedDepth > 0 {
			pw := r0.MulVec(ray.Mul(l.estimatedDepth)).Add(p0)
			local := r1.Transpose().MulVec(pw.Sub(p1))
			if local.Z > 0 {
				l.estimatedDepth = local.Z
			} else {
				l.estimatedDepth = fm.initDepth
			}
		}
		out = append(out, l)
	}
	fm.features = out
}

// RemoveFront splices out the second-newest observation after a non-keyframe
// eviction.
func (fm *FeatureManager) RemoveFront(frameCount int) {
	out := fm.features[:0]
	for _, l := range fm.features {
		if l.startFrame == frameCount {
			l.startFrame--
			out = append(out, l)
			continue
		}
		if l.endFrame() < frameCount-1 {
			out = append(out, l)
			continue
		}
		j := frameCount - 1 - l.startFrame
		l.obs = append(l.obs[:j], l.obs[j+1:]...)
		if len(l.obs) > 0 {
			out = append(out, l)
		}
	}
	fm.features = out
}
