package vio

import (
	"image"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"gonum.org/v1/gonum/num/quat"
)

// Odometry is a timestamped pose/velocity estimate in the world frame.
type Odometry struct {
	Time     float64
	Position r3.Vector
	Velocity r3.Vector
	Rotation quat.Number
}

// GlobalFix is the ECEF/geodetic output available once the GNSS-VI alignment
// has anchored the local frame.
type GlobalFix struct {
	Time     float64
	EcefPos  r3.Vector
	EnuPos   r3.Vector
	EnuVel   r3.Vector
	EnuYpr   r3.Vector
	Geodetic *geo.Point
}

// Publisher receives the estimator's outputs. Calls are made with the
// process mutex held so readers observe atomic updates, except
// PublishLatestOdometry, which runs under the fast-predictor mutex only;
// implementations must not call back into the estimator.
type Publisher interface {
	// PublishOdometry is called after every estimator iteration in the
	// non-linear stage.
	PublishOdometry(odom Odometry)
	// PublishLatestOdometry is called at IMU rate from the fast predictor.
	PublishLatestOdometry(odom Odometry)
	// PublishKeyPoses carries the window's pose set.
	PublishKeyPoses(t float64, poses []r3.Vector)
	// PublishCameraPose is the newest frame's primary camera pose.
	PublishCameraPose(t float64, pos r3.Vector, rot quat.Number)
	// PublishPointCloud carries the currently solved landmarks and the
	// landmarks anchored in the frame being marginalized.
	PublishPointCloud(t float64, cloud, marginCloud []r3.Vector)
	// PublishKeyframe is called when the second-newest frame is a keyframe:
	// its pose and the landmarks it observes.
	PublishKeyframe(t float64, pos r3.Vector, rot quat.Number, points []r3.Vector)
	// PublishGlobalFix is called after each solve once GNSS is aligned.
	PublishGlobalFix(fix GlobalFix)
}

// NopPublisher drops every output.
type NopPublisher struct{}

// PublishOdometry implements Publisher.
func (NopPublisher) PublishOdometry(Odometry) {}

// PublishLatestOdometry implements Publisher.
func (NopPublisher) PublishLatestOdometry(Odometry) {}

// PublishKeyPoses implements Publisher.
func (NopPublisher) PublishKeyPoses(float64, []r3.Vector) {}

// PublishCameraPose implements Publisher.
func (NopPublisher) PublishCameraPose(float64, r3.Vector, quat.Number) {}

// PublishPointCloud implements Publisher.
func (NopPublisher) PublishPointCloud(float64, []r3.Vector, []r3.Vector) {}

// PublishKeyframe implements Publisher.
func (NopPublisher) PublishKeyframe(float64, r3.Vector, quat.Number, []r3.Vector) {}

// PublishGlobalFix implements Publisher.
func (NopPublisher) PublishGlobalFix(GlobalFix) {}

// FeatureTracker is the external feature-front-end collaborator: it turns
// raw images into identified feature observations.
type FeatureTracker interface {
	// Track processes a mono or stereo pair and returns the feature frame.
	Track(t float64, img0 image.Image, img1 image.Image) FeatureFrame
	// SetPrediction seeds the tracker with predicted feature positions.
	SetPrediction(pts map[int]r3.Vector)
	// RemoveOutliers tells the tracker to drop rejected ids.
	RemoveOutliers(ids map[int]bool)
}
