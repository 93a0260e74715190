package vio

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Leap-Photonoics/VINS-Fusion/config"
	"github.com/Leap-Photonoics/VINS-Fusion/factor"
	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// SolverFlag is the estimator stage.
type SolverFlag int

// Estimator stages.
const (
	SolverInitial SolverFlag = iota
	SolverNonLinear
)

// MarginalizationFlag selects which frame the next window slide evicts.
type MarginalizationFlag int

// Eviction choices.
const (
	MarginOld MarginalizationFlag = iota
	MarginSecondNew
)

// Estimator is the sliding-window visual-inertial-GNSS odometry core.
type Estimator struct {
	cfg       config.Config
	logger    logging.Logger
	publisher Publisher
	tracker   FeatureTracker
	clk       clock.Clock

	// mBuf guards the sensor queues; mProcess guards the whole window state
	// and output publishing; mPropagate guards the fast predictor. mBuf is
	// only ever held briefly and nothing blocks on mProcess while holding
	// mBuf, so mBuf may be taken under the other two but never vice versa
	// for blocking work.
	mBuf       sync.Mutex
	mProcess   sync.Mutex
	mPropagate sync.Mutex

	imuBuf     timeQueue[imuSample]
	encBuf     timeQueue[encSample]
	featureBuf timeQueue[FeatureFrame]
	gnssBuf    timeQueue[[]*gnss.Obs]

	latestIMUTime     float64
	latestEncoderTime float64
	latestGNSSTime    float64

	prevTime, curTime float64
	openExEstimation  bool

	solverFlag SolverFlag
	margFlag   MarginalizationFlag
	g          r3.Vector

	ric [2]sm.RotationMatrix
	tic [2]r3.Vector
	td  float64

	headers []float64
	ps, vs  []r3.Vector
	rs      []sm.RotationMatrix
	bas     []r3.Vector
	bgs     []r3.Vector

	backR0, lastR, lastR0 sm.RotationMatrix
	backP0, lastP, lastP0 r3.Vector

	preintegrations []*factor.Preintegration
	firstIMU        bool
	acc0, gyr0      r3.Vector
	encL0, encR0    r3.Vector

	dtBufW   [][]float64
	accBufW  [][]r3.Vector
	gyrBufW  [][]r3.Vector
	encLBufW [][]r3.Vector
	encRBufW [][]r3.Vector

	// GNSS state
	gnssReady      bool
	ancEcef        r3.Vector
	rEcefEnu       sm.RotationMatrix
	yawEnuLocal    float64
	gnssMeasBuf    [][]gnss.SatMeas
	ionoParams     [8]float64
	sat2Ephem      map[gnss.SatID][]gnss.Ephemeris
	satTrack       map[gnss.SatID]int
	diffTGnssLocal float64
	ecefPos        r3.Vector
	enuPos, enuVel r3.Vector
	enuYpr         r3.Vector

	frameCount      int
	inputImageCount int
	sumOfBack       int
	sumOfFront      int

	fm      *FeatureManager
	exCalib *exRotationCalibrator

	estimateExtrinsic int
	useIMU            bool
	stereo            bool

	failureOccur      bool
	initFirstPoseFlag bool
	initialTimestamp  float64
	initP             r3.Vector
	initR             sm.RotationMatrix

	// raw parameter arrays consumed by the solver
	paraPose      [][]float64
	paraSpeedBias [][]float64
	paraFeature   [][]float64
	paraExPose    [2][]float64
	paraTd        []float64
	paraYaw       []float64
	paraAncEcef   []float64
	paraRcvDt     [][]float64 // (W+1)*4 scalar blocks
	paraRcvDdt    [][]float64 // (W+1) scalar blocks

	lastMargInfo   *factor.MarginalizationInfo
	lastMargBlocks [][]float64

	allImageFrames []*imageFrame
	tmpPre         *factor.Preintegration

	keyPoses []r3.Vector

	latestTime             float64
	latestP, latestV       r3.Vector
	latestBa, latestBg     r3.Vector
	latestAcc0, latestGyr0 r3.Vector
	latestQ                quat.Number

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
	started    bool
}

// NewEstimator builds an estimator from a validated configuration. When
// multi-threading is configured the measurement dispatcher starts
// immediately; otherwise it runs inline with each feature push.
func NewEstimator(cfg config.Config, publisher Publisher, tracker FeatureTracker, logger logging.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "estimator configuration invalid")
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Estimator{
		cfg:        cfg,
		logger:     logger,
		publisher:  publisher,
		tracker:    tracker,
		clk:        clock.New(),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
	e.allocate()
	e.clearState()
	e.setParameter()
	if cfg.MultipleThread {
		e.started = true
		e.workers.Add(1)
		goutils.PanicCapturingGo(func() {
			defer e.workers.Done()
			e.processMeasurements(e.cancelCtx)
		})
	}
	return e, nil
}

// Close joins the dispatcher.
func (e *Estimator) Close() {
	e.cancelFunc()
	e.workers.Wait()
}

func (e *Estimator) allocate() {
	w := e.cfg.WindowSize
	e.headers = make([]float64, w+1)
	e.ps = make([]r3.Vector, w+1)
	e.vs = make([]r3.Vector, w+1)
	e.rs = make([]sm.RotationMatrix, w+1)
	e.bas = make([]r3.Vector, w+1)
	e.bgs = make([]r3.Vector, w+1)
	e.preintegrations = make([]*factor.Preintegration, w+1)
	e.dtBufW = make([][]float64, w+1)
	e.accBufW = make([][]r3.Vector, w+1)
	e.gyrBufW = make([][]r3.Vector, w+1)
	e.encLBufW = make([][]r3.Vector, w+1)
	e.encRBufW = make([][]r3.Vector, w+1)
	e.gnssMeasBuf = make([][]gnss.SatMeas, w+1)

	e.paraPose = make([][]float64, w+1)
	e.paraSpeedBias = make([][]float64, w+1)
	for i := 0; i <= w; i++ {
		e.paraPose[i] = make([]float64, factor.SizePose)
		e.paraSpeedBias[i] = make([]float64, factor.SizeSpeedBias)
	}
	for c := 0; c < 2; c++ {
		e.paraExPose[c] = make([]float64, factor.SizePose)
	}
	e.paraTd = make([]float64, 1)
	e.paraYaw = make([]float64, 1)
	e.paraAncEcef = make([]float64, 3)
	e.paraRcvDt = make([][]float64, (w+1)*gnss.NumSystems)
	for i := range e.paraRcvDt {
		e.paraRcvDt[i] = make([]float64, 1)
	}
	e.paraRcvDdt = make([][]float64, w+1)
	for i := range e.paraRcvDdt {
		e.paraRcvDdt[i] = make([]float64, 1)
	}

	e.fm = NewFeatureManager(w, e.cfg.FocalLength, e.cfg.MinParallax, e.cfg.InitDepth, e.cfg.Stereo, e.logger)
	e.exCalib = newExRotationCalibrator(w, e.logger)
}

// clearState resets the whole estimator back to the INITIAL stage with empty
// buffers.
func (e *Estimator) clearState() {
	e.mProcess.Lock()
	defer e.mProcess.Unlock()

	e.mBuf.Lock()
	e.imuBuf.clear()
	e.encBuf.clear()
	e.featureBuf.clear()
	e.gnssBuf.clear()
	e.mBuf.Unlock()

	e.prevTime = -1
	e.curTime = 0
	e.openExEstimation = false
	e.initP = r3.Vector{}
	e.initR = sm.RotIdentity()
	e.inputImageCount = 0
	e.initFirstPoseFlag = false

	for i := range e.headers {
		e.headers[i] = 0
		e.rs[i] = sm.RotIdentity()
		e.ps[i] = r3.Vector{}
		e.vs[i] = r3.Vector{}
		e.bas[i] = r3.Vector{}
		e.bgs[i] = r3.Vector{}
		e.dtBufW[i] = nil
		e.accBufW[i] = nil
		e.gyrBufW[i] = nil
		e.encLBufW[i] = nil
		e.encRBufW[i] = nil
		e.preintegrations[i] = nil
		e.gnssMeasBuf[i] = nil
	}
	for c := 0; c < 2; c++ {
		e.tic[c] = r3.Vector{}
		e.ric[c] = sm.RotIdentity()
	}

	e.firstIMU = false
	e.sumOfBack = 0
	e.sumOfFront = 0
	e.frameCount = 0
	e.solverFlag = SolverInitial
	e.initialTimestamp = 0
	e.allImageFrames = nil
	e.tmpPre = nil

	e.gnssReady = false
	e.ancEcef = r3.Vector{}
	e.rEcefEnu = sm.RotIdentity()
	e.yawEnuLocal = 0
	e.paraYaw[0] = 0
	e.sat2Ephem = make(map[gnss.SatID][]gnss.Ephemeris)
	e.satTrack = make(map[gnss.SatID]int)
	e.ionoParams = e.cfg.GNSSIonoDefault
	e.diffTGnssLocal = e.cfg.GNSSLocalTimeDiff
	for i := range e.paraRcvDt {
		e.paraRcvDt[i][0] = 0
	}
	for i := range e.paraRcvDdt {
		e.paraRcvDdt[i][0] = 0
	}

	e.lastMargInfo = nil
	e.lastMargBlocks = nil
	e.fm.ClearState()
	e.failureOccur = false
}

// setParameter installs the configured extrinsics, time offset and gravity.
func (e *Estimator) setParameter() {
	e.mProcess.Lock()
	defer e.mProcess.Unlock()

	for c := 0; c < e.cfg.NumCameras; c++ {
		e.tic[c] = e.cfg.Extrinsics[c].T()
		e.ric[c] = e.cfg.Extrinsics[c].R()
	}
	e.fm.SetExtrinsics(e.ric, e.tic)
	e.td = e.cfg.TD
	e.g = e.cfg.Gravity()
	e.estimateExtrinsic = e.cfg.EstimateExtrinsic
	e.useIMU = e.cfg.UseIMU
	e.stereo = e.cfg.Stereo
	e.logger.Infow("estimator parameters set",
		"gravity", e.g.Z, "td", e.td, "window", e.cfg.WindowSize)
}

func (e *Estimator) noiseConfig() factor.NoiseConfig {
	return factor.NoiseConfig{
		AccN: e.cfg.AccN, AccW: e.cfg.AccW,
		GyrN: e.cfg.GyrN, GyrW: e.cfg.GyrW,
		EncN:    e.cfg.EncN,
		Gravity: e.g,
	}
}

// Restart drops all state and re-enters the INITIAL stage.
func (e *Estimator) Restart() {
	e.logger.Warn("restart requested, clearing state")
	e.clearState()
	e.setParameter()
}

// ChangeSensorType switches the IMU/stereo usage at runtime. Disabling both
// is rejected; re-enabling the IMU restarts the estimator.
func (e *Estimator) ChangeSensorType(useIMU, useStereo bool) error {
	if !useIMU && !useStereo {
		return errors.New("at least one of IMU and stereo must stay enabled")
	}
	restart := false
	e.mProcess.Lock()
	if e.useIMU != useIMU {
		e.useIMU = useIMU
		if useIMU {
			restart = true
		} else {
			e.lastMargInfo = nil
			e.lastMargBlocks = nil
			e.tmpPre = nil
		}
	}
	e.stereo = useStereo
	e.logger.Infow("sensor type changed", "use_imu", useIMU, "stereo", useStereo)
	e.mProcess.Unlock()
	if restart {
		e.clearState()
		e.setParameter()
	}
	return nil
}

// InputIMU feeds one IMU sample; in the non-linear stage the fast predictor
// publishes a pose at IMU rate.
func (e *Estimator) InputIMU(t float64, acc, gyr r3.Vector) {
	e.mBuf.Lock()
	e.latestIMUTime = t
	e.imuBuf.push(t, imuSample{acc: acc, gyr: gyr})
	e.mBuf.Unlock()

	if e.solverFlag == SolverNonLinear {
		e.mPropagate.Lock()
		e.fastPredictIMU(t, acc, gyr)
		e.publisher.PublishLatestOdometry(Odometry{
			Time:     t,
			Position: e.latestP,
			Velocity: e.latestV,
			Rotation: e.latestQ,
		})
		e.mPropagate.Unlock()
	}
}

// InputFeature feeds a tracker output directly (bypassing the image path).
func (e *Estimator) InputFeature(t float64, frame FeatureFrame) {
	e.mBuf.Lock()
	e.featureBuf.push(t, frame)
	e.mBuf.Unlock()
	if !e.cfg.MultipleThread {
		e.processMeasurements(e.cancelCtx)
	}
}

// InputImage runs the feature tracker synchronously and enqueues its output.
// In multi-thread mode every second frame is dropped to bound latency.
func (e *Estimator) InputImage(t float64, img0, img1 image.Image) {
	if e.tracker == nil {
		e.logger.Warn("image input without a feature tracker attached")
		return
	}
	e.inputImageCount++
	frame := e.tracker.Track(t, img0, img1)

	if e.cfg.MultipleThread {
		if e.inputImageCount%2 == 0 {
			e.mBuf.Lock()
			e.featureBuf.push(t, frame)
			e.mBuf.Unlock()
		}
		return
	}
	e.mBuf.Lock()
	e.featureBuf.push(t, frame)
	e.mBuf.Unlock()
	e.processMeasurements(e.cancelCtx)
}

// InputEncoder feeds one wheel-speed sample (m/s per side).
func (e *Estimator) InputEncoder(t float64, speedLeft, speedRight float64) {
	e.mBuf.Lock()
	defer e.mBuf.Unlock()
	e.latestEncoderTime = t
	e.encBuf.push(t, encSample{
		velL: r3.Vector{Z: speedLeft},
		velR: r3.Vector{Z: speedRight},
	})
}

// InputEphemeris stores a broadcast ephemeris, deduplicated by reference
// time.
func (e *Estimator) InputEphemeris(eph gnss.Ephemeris) {
	e.mBuf.Lock()
	defer e.mBuf.Unlock()
	sat := eph.SatID()
	for _, existing := range e.sat2Ephem[sat] {
		if existing.ReferenceTime() == eph.ReferenceTime() {
			return
		}
	}
	e.sat2Ephem[sat] = append(e.sat2Ephem[sat], eph)
}

// InputIonoParams updates the broadcast Klobuchar parameters.
func (e *Estimator) InputIonoParams(t float64, params []float64) {
	if len(params) != 8 {
		return
	}
	e.mBuf.Lock()
	defer e.mBuf.Unlock()
	copy(e.ionoParams[:], params)
	_ = t
}

// InputGNSSTimeDiff sets the GNSS-to-local clock offset.
func (e *Estimator) InputGNSSTimeDiff(diff float64) {
	e.mBuf.Lock()
	defer e.mBuf.Unlock()
	e.diffTGnssLocal = diff
}

// InputGNSS feeds one observation batch (all satellites of an epoch); t is
// the local receive timestamp.
func (e *Estimator) InputGNSS(t float64, obs []*gnss.Obs) {
	e.mBuf.Lock()
	defer e.mBuf.Unlock()
	e.latestGNSSTime = t
	e.gnssBuf.push(t, obs)
}

// waitForSensor blocks until cond() holds, polling the buffers at 5 ms. In
// single-thread mode it gives up immediately and the caller retries on the
// next push.
func (e *Estimator) waitForSensor(ctx context.Context, what string, cond func() bool) bool {
	logged := false
	for {
		e.mBuf.Lock()
		ok := cond()
		e.mBuf.Unlock()
		if ok {
			return true
		}
		if !e.cfg.MultipleThread {
			return false
		}
		if !logged {
			logged = true
			e.logger.Debugf("waiting for %s", what)
		}
		if ctx.Err() != nil {
			return false
		}
		e.clk.Sleep(5 * time.Millisecond)
	}
}

// processMeasurements is the dispatcher: it advances simulated time frame by
// frame, harvesting every sensor interval, and runs one estimator iteration
// per feature frame. In multi-thread mode it loops until shutdown.
func (e *Estimator) processMeasurements(ctx context.Context) {
	for {
		processed := e.processOnce(ctx)
		if !e.cfg.MultipleThread {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !processed {
			if !goutils.SelectContextOrWait(ctx, 2*time.Millisecond) {
				return
			}
		}
	}
}

func (e *Estimator) processOnce(ctx context.Context) bool {
	e.mBuf.Lock()
	if e.featureBuf.empty() {
		e.mBuf.Unlock()
		return false
	}
	featTime, _ := e.featureBuf.top()
	e.mBuf.Unlock()

	e.curTime = featTime + e.td

	if e.useIMU {
		if !e.waitForSensor(ctx, "imu", func() bool { return e.latestIMUTime >= e.curTime }) {
			return false
		}
	}
	if e.useIMU && e.cfg.EncoderEnable {
		if !e.waitForSensor(ctx, "encoder", func() bool { return e.latestEncoderTime >= e.curTime }) {
			return false
		}
	}

	e.mBuf.Lock()
	var imuInterval []timed[imuSample]
	if e.useIMU {
		imuInterval, _ = extractIMUInterval(&e.imuBuf, e.prevTime, e.curTime)
	}
	var encInterval []timed[encSample]
	if e.useIMU && e.cfg.EncoderEnable {
		encInterval, _ = extractEncoderInterval(&e.encBuf, e.curTime)
	}
	var gnssIntervals [][]*gnss.Obs
	if e.cfg.GNSSEnable {
		gnssIntervals = extractGNSSInterval(&e.gnssBuf, e.prevTime, e.curTime)
	}
	_, frame := e.featureBuf.pop()
	e.mBuf.Unlock()

	if e.useIMU {
		if !e.initFirstPoseFlag {
			e.initFirstIMUPose(imuInterval)
		}
		e.feedIMUInterval(imuInterval, encInterval)
	}

	if e.cfg.GNSSEnable {
		for _, batch := range gnssIntervals {
			e.processGNSS(batch)
		}
	}

	e.mProcess.Lock()
	e.processImage(frame, featTime)
	e.prevTime = e.curTime
	e.publish(featTime)
	e.mProcess.Unlock()
	return true
}

// feedIMUInterval integrates the harvested IMU (and interpolated encoder)
// samples into the current frame slot.
func (e *Estimator) feedIMUInterval(imu []timed[imuSample], enc []timed[encSample]) {
	for i := range imu {
		var dt float64
		switch {
		case i == 0:
			dt = imu[i].t - e.prevTime
		case i == len(imu)-1:
			dt = e.curTime - imu[i-1].t
		default:
			dt = imu[i].t - imu[i-1].t
		}
		if dt < 0 {
			e.logger.Fatalf("negative IMU dt %f, upstream timestamps are corrupted", dt)
		}

		if !e.cfg.EncoderEnable {
			e.processIMU(dt, imu[i].v.acc, imu[i].v.gyr)
			continue
		}

		velL, velR := interpolateEncoder(enc, imu[i].t, e.vs[e.frameCount])
		if i > 0 && i == len(imu)-1 && imu[i].t > e.curTime {
			// boundary sample past curTime: blend back to the frame time
			dt1 := dt
			dt2 := imu[i].t - e.curTime
			w1 := dt2 / (dt1 + dt2)
			w2 := dt1 / (dt1 + dt2)
			prev := imu[i-1].v
			acc := prev.acc.Mul(w1).Add(imu[i].v.acc.Mul(w2))
			gyr := prev.gyr.Mul(w1).Add(imu[i].v.gyr.Mul(w2))
			e.processIMUEncoder(dt, acc, gyr, velL, velR)
			continue
		}
		e.processIMUEncoder(dt, imu[i].v.acc, imu[i].v.gyr, velL, velR)
	}
}

// interpolateEncoder linearly interpolates the wheel velocities to time t,
// falling back to the current body velocity estimate when the encoder stream
// is empty.
func interpolateEncoder(enc []timed[encSample], t float64, fallback r3.Vector) (r3.Vector, r3.Vector) {
	if len(enc) == 0 {
		return fallback, fallback
	}
	var before, after *timed[encSample]
	for i := range enc {
		if enc[i].t <= t {
			before = &enc[i]
		} else {
			after = &enc[i]
			break
		}
	}
	switch {
	case before == nil:
		return enc[0].v.velL, enc[0].v.velR
	case after == nil:
		return before.v.velL, before.v.velR
	}
	dt0 := t - before.t
	dt1 := after.t - t
	w1 := dt1 / (dt0 + dt1)
	w2 := dt0 / (dt0 + dt1)
	velL := before.v.velL.Mul(w1).Add(after.v.velL.Mul(w2))
	velR := before.v.velR.Mul(w1).Add(after.v.velR.Mul(w2))
	return velL, velR
}

// initFirstIMUPose aligns the initial body attitude with gravity from the
// first interval's average specific force, keeping yaw zero.
func (e *Estimator) initFirstIMUPose(imu []timed[imuSample]) {
	e.initFirstPoseFlag = true
	if len(imu) == 0 {
		return
	}
	avg := r3.Vector{}
	for _, s := range imu {
		avg = avg.Add(s.v.acc)
	}
	avg = avg.Mul(1 / float64(len(imu)))
	e.rs[0] = sm.GravityToRot(avg)
	e.logger.Infow("initialized first body attitude from gravity",
		"mean_acc", avg.Norm())
}

// InitFirstPose sets the initial pose explicitly (e.g. from an external
// source) instead of the gravity average.
func (e *Estimator) InitFirstPose(p r3.Vector, r sm.RotationMatrix) {
	e.ps[0] = p
	e.rs[0] = r
	e.initP = p
	e.initR = r
}

func (e *Estimator) processIMU(dt float64, acc, gyr r3.Vector) {
	if !e.firstIMU {
		e.firstIMU = true
		e.acc0 = acc
		e.gyr0 = gyr
	}
	if e.preintegrations[e.frameCount] == nil {
		e.preintegrations[e.frameCount] = factor.NewPreintegration(
			e.acc0, e.gyr0, e.bas[e.frameCount], e.bgs[e.frameCount], e.noiseConfig(), e.logger)
	}
	if e.frameCount != 0 {
		e.preintegrations[e.frameCount].PushBack(dt, acc, gyr)
		e.tmpPre.PushBack(dt, acc, gyr)

		e.dtBufW[e.frameCount] = append(e.dtBufW[e.frameCount], dt)
		e.accBufW[e.frameCount] = append(e.accBufW[e.frameCount], acc)
		e.gyrBufW[e.frameCount] = append(e.gyrBufW[e.frameCount], gyr)

		e.propagateState(dt, acc, gyr)
	}
	e.acc0 = acc
	e.gyr0 = gyr
}

func (e *Estimator) processIMUEncoder(dt float64, acc, gyr, velL, velR r3.Vector) {
	if !e.firstIMU {
		e.firstIMU = true
		e.acc0 = acc
		e.gyr0 = gyr
		e.encL0 = velL
		e.encR0 = velR
	}
	if e.preintegrations[e.frameCount] == nil {
		e.preintegrations[e.frameCount] = factor.NewPreintegrationWithEncoder(
			e.acc0, e.gyr0, e.encL0, e.encR0,
			e.bas[e.frameCount], e.bgs[e.frameCount], e.noiseConfig(), e.logger)
	}
	if e.frameCount != 0 {
		e.preintegrations[e.frameCount].PushBackEncoder(dt, acc, gyr, velL, velR)
		e.tmpPre.PushBackEncoder(dt, acc, gyr, velL, velR)

		e.dtBufW[e.frameCount] = append(e.dtBufW[e.frameCount], dt)
		e.accBufW[e.frameCount] = append(e.accBufW[e.frameCount], acc)
		e.gyrBufW[e.frameCount] = append(e.gyrBufW[e.frameCount], gyr)
		e.encLBufW[e.frameCount] = append(e.encLBufW[e.frameCount], velL)
		e.encRBufW[e.frameCount] = append(e.encRBufW[e.frameCount], velR)

		e.propagateState(dt, acc, gyr)
	}
	e.acc0 = acc
	e.gyr0 = gyr
	e.encL0 = velL
	e.encR0 = velR
}

// propagateState advances the newest window frame by one midpoint step.
func (e *Estimator) propagateState(dt float64, acc, gyr r3.Vector) {
	j := e.frameCount
	unAcc0 := e.rs[j].MulVec(e.acc0.Sub(e.bas[j])).Sub(e.g)
	unGyr := e.gyr0.Add(gyr).Mul(0.5).Sub(e.bgs[j])
	e.rs[j] = e.rs[j].Mul(sm.NewRotationMatrixFromQuaternion(sm.DeltaQ(unGyr.Mul(dt))))
	unAcc1 := e.rs[j].MulVec(acc.Sub(e.bas[j])).Sub(e.g)
	unAcc := unAcc0.Add(unAcc1).Mul(0.5)
	e.ps[j] = e.ps[j].Add(e.vs[j].Mul(dt)).Add(unAcc.Mul(0.5 * dt * dt))
	e.vs[j] = e.vs[j].Add(unAcc.Mul(dt))
}

// processGNSS gates an observation batch (system filter, ephemeris
// availability, stddev thresholds, tracking continuity, elevation) into the
// newest frame's measurement slot.
func (e *Estimator) processGNSS(batch []*gnss.Obs) {
	var valid []gnss.SatMeas
	for _, obs := range batch {
		sys := obs.Sat.System()
		if sys == gnss.SysNone {
			continue
		}
		ephems := e.sat2Ephem[obs.Sat]
		if len(ephems) == 0 {
			continue
		}
		freqIdx := obs.L1Index()
		if freqIdx < 0 {
			continue
		}

		// best-matching ephemeris by time of ephemeris
		best := -1
		bestDiff := e.cfg.EphValidSeconds
		for i, eph := range ephems {
			diff := math.Abs(obs.Time.Sub(eph.ReferenceTime()))
			if diff < bestDiff {
				bestDiff = diff
				best = i
			}
		}
		if best < 0 {
			e.logger.Debugw("no valid ephemeris for satellite", "sat", obs.Sat)
			continue
		}

		if obs.PsrStd[freqIdx] > e.cfg.GNSSPsrStdThres || obs.DoppStd[freqIdx] > e.cfg.GNSSDoppStdThres {
			e.satTrack[obs.Sat] = 0
			continue
		}
		e.satTrack[obs.Sat]++
		if e.satTrack[obs.Sat] < e.cfg.GNSSTrackNumThres {
			continue
		}

		if e.gnssReady {
			satPos, _, _, _ := ephems[best].SatState(obs.Time)
			_, el := gnss.SatAzEl(e.ecefPos, satPos)
			if el < e.cfg.GNSSElevationThres*math.Pi/180 {
				continue
			}
		}
		valid = append(valid, gnss.SatMeas{Obs: obs, Eph: ephems[best]})
	}
	e.gnssMeasBuf[e.frameCount] = valid
}

// processImage appends the feature frame, decides the marginalization flag,
// and runs either an initializer pass or a full solve.
func (e *Estimator) processImage(frame FeatureFrame, header float64) {
	if e.fm.AddFeatureCheckParallax(e.frameCount, frame, e.td) {
		e.margFlag = MarginOld
	} else {
		e.margFlag = MarginSecondNew
	}
	e.headers[e.frameCount] = header

	imgFrame := &imageFrame{t: header, points: frame, r: sm.RotIdentity(), pre: e.tmpPre}
	e.allImageFrames = append(e.allImageFrames, imgFrame)
	if e.cfg.EncoderEnable {
		e.tmpPre = factor.NewPreintegrationWithEncoder(
			e.acc0, e.gyr0, e.encL0, e.encR0,
			e.bas[e.frameCount], e.bgs[e.frameCount], e.noiseConfig(), e.logger)
	} else {
		e.tmpPre = factor.NewPreintegration(
			e.acc0, e.gyr0, e.bas[e.frameCount], e.bgs[e.frameCount], e.noiseConfig(), e.logger)
	}

	if e.estimateExtrinsic == 2 && e.frameCount != 0 {
		corres := e.fm.GetCorresponding(e.frameCount-1, e.frameCount)
		if pre := e.preintegrations[e.frameCount]; pre != nil {
			if calib, done := e.exCalib.calibrate(corres, pre.DeltaQ); done {
				e.ric[0] = calib
				e.fm.SetExtrinsics(e.ric, e.tic)
				e.estimateExtrinsic = 1
			}
		}
	}

	if e.solverFlag == SolverInitial {
		e.initialStage()
		return
	}
	e.nonLinearStage()
}

func (e *Estimator) initialStage() {
	w := e.cfg.WindowSize

	switch {
	case !e.stereo && e.useIMU:
		if e.frameCount == w {
			ok := false
			if e.estimateExtrinsic != 2 && e.headers[e.frameCount]-e.initialTimestamp > 0.1 {
				ok = e.initialStructure()
				e.initialTimestamp = e.headers[e.frameCount]
			}
			if ok {
				e.optimization()
				e.updateLatestStates()
				e.solverFlag = SolverNonLinear
				e.slideWindow()
				e.logger.Info("initialization finished")
			} else {
				e.slideWindow()
			}
		}
	case e.stereo && e.useIMU:
		e.fm.InitFramePoseByPnP(e.frameCount, e.ps, e.rs)
		e.fm.Triangulate(e.frameCount, e.ps, e.rs)
		if e.frameCount == w {
			for i, f := range e.allImageFrames {
				if i <= w {
					f.r = e.rs[i]
					f.p = e.ps[i]
					f.isKeyFrame = true
				}
			}
			dbg := solveGyroscopeBias(e.allImageFrames, e.logger)
			for i := 0; i <= w; i++ {
				e.bgs[i] = e.bgs[i].Add(dbg)
				if e.preintegrations[i] != nil {
					e.preintegrations[i].Repropagate(r3.Vector{}, e.bgs[i])
				}
			}
			e.optimization()
			e.updateLatestStates()
			e.solverFlag = SolverNonLinear
			e.slideWindow()
			e.logger.Info("initialization finished")
		}
	case e.stereo && !e.useIMU:
		e.fm.InitFramePoseByPnP(e.frameCount, e.ps, e.rs)
		e.fm.Triangulate(e.frameCount, e.ps, e.rs)
		e.optimization()
		if e.frameCount == w {
			e.optimization()
			e.updateLatestStates()
			e.solverFlag = SolverNonLinear
			e.slideWindow()
			e.logger.Info("initialization finished")
		}
	}

	if e.frameCount < w {
		e.frameCount++
		prev := e.frameCount - 1
		e.headers[e.frameCount] = e.headers[prev]
		e.ps[e.frameCount] = e.ps[prev]
		e.vs[e.frameCount] = e.vs[prev]
		e.rs[e.frameCount] = e.rs[prev]
		e.bas[e.frameCount] = e.bas[prev]
		e.bgs[e.frameCount] = e.bgs[prev]
	}
}

func (e *Estimator) nonLinearStage() {
	if !e.useIMU {
		e.fm.InitFramePoseByPnP(e.frameCount, e.ps, e.rs)
	}
	e.fm.Triangulate(e.frameCount, e.ps, e.rs)
	e.optimization()

	if e.cfg.GNSSEnable {
		if !e.gnssReady {
			e.gnssReady = e.gnssVIAlign()
		}
		if e.gnssReady {
			e.updateGNSSStatistics()
		}
	}

	removeIDs := e.outliersRejection()
	e.fm.RemoveOutliers(removeIDs)
	if !e.cfg.MultipleThread && e.tracker != nil {
		e.tracker.RemoveOutliers(removeIDs)
		e.predictPtsInNextFrame()
	}

	if e.failureDetection() {
		e.logger.Warn("failure detected, system reboot")
		e.failureOccur = true
		e.clearStateLocked()
		e.setParameterLocked()
		return
	}

	e.slideWindow()
	e.fm.RemoveFailures()

	e.keyPoses = e.keyPoses[:0]
	for i := 0; i <= e.cfg.WindowSize; i++ {
		e.keyPoses = append(e.keyPoses, e.ps[i])
	}
	e.lastR = e.rs[e.cfg.WindowSize]
	e.lastP = e.ps[e.cfg.WindowSize]
	e.lastR0 = e.rs[0]
	e.lastP0 = e.ps[0]
	e.updateLatestStates()
}

// clearStateLocked/setParameterLocked are the recovery variants used while
// mProcess is already held by processImage.
func (e *Estimator) clearStateLocked() {
	e.mProcess.Unlock()
	e.clearState()
	e.mProcess.Lock()
}

func (e *Estimator) setParameterLocked() {
	e.mProcess.Unlock()
	e.setParameter()
	e.mProcess.Lock()
}

// initialStructure runs the monocular visual-inertial initialization:
// excitation check, relative-pose search, global SfM, per-frame PnP, and
// visual-inertial alignment.
func (e *Estimator) initialStructure() bool {
	// excitation check over the pre-initialization frames
	if n := len(e.allImageFrames); n > 1 {
		var sum r3.Vector
		for _, f := range e.allImageFrames[1:] {
			if f.pre != nil && f.pre.SumDt > 0 {
				sum = sum.Add(f.pre.DeltaV.Mul(1 / f.pre.SumDt))
			}
		}
		avg := sum.Mul(1 / float64(n-1))
		variance := 0.0
		for _, f := range e.allImageFrames[1:] {
			if f.pre != nil && f.pre.SumDt > 0 {
				d := f.pre.DeltaV.Mul(1 / f.pre.SumDt).Sub(avg)
				variance += d.Dot(d)
			}
		}
		variance = math.Sqrt(variance / float64(n-1))
		if variance < 0.25 {
			e.logger.Warnf("IMU excitation low (%.3f), initialization may be inaccurate", variance)
		}
	}

	// feature tracks for SfM
	var sfmFeatures []*sfmFeature
	for _, l := range e.fm.features {
		f := &sfmFeature{id: l.id}
		for k, ob := range l.obs {
			f.obs = append(f.obs, sfmObservation{
				frame: l.startFrame + k,
				point: r3.Vector{X: ob.point.X, Y: ob.point.Y, Z: 1},
			})
		}
		sfmFeatures = append(sfmFeatures, f)
	}

	relR, relT, l, ok := e.relativePose()
	if !ok {
		e.logger.Info("not enough features or parallax; move the device around")
		return false
	}

	sfm := &globalSFM{logger: e.logger}
	qs, ts, tracked, ok := sfm.construct(e.frameCount+1, l, relR, relT, sfmFeatures)
	if !ok {
		e.logger.Debug("global structure-from-motion failed")
		e.margFlag = MarginOld
		return false
	}

	// pose every intermediate image frame by PnP against the SfM cloud
	ki := 0
	for _, f := range e.allImageFrames {
		if ki <= e.frameCount && f.t == e.headers[ki] {
			f.isKeyFrame = true
			f.r = sm.NewRotationMatrixFromQuaternion(qs[ki]).Mul(e.ric[0].Transpose())
			f.p = ts[ki]
			ki++
			continue
		}
		if ki <= e.frameCount && f.t > e.headers[ki] {
			ki++
		}
		seed := ki
		if seed > e.frameCount {
			seed = e.frameCount
		}
		var pts2, pts3 []r3.Vector
		for id, views := range f.points {
			if pw, okp := tracked[id]; okp && len(views) > 0 {
				pts3 = append(pts3, pw)
				pts2 = append(pts2, views[0].Point)
			}
		}
		if len(pts3) < 6 {
			e.logger.Debugf("not enough correspondences for intermediate PnP: %d", len(pts3))
			return false
		}
		camR := sm.NewRotationMatrixFromQuaternion(qs[seed])
		camT := ts[seed]
		r, t, okp := solvePoseByPnP(camR, camT, pts2, pts3)
		if !okp {
			e.logger.Debug("intermediate frame PnP failed")
			return false
		}
		f.isKeyFrame = false
		f.r = r.Mul(e.ric[0].Transpose())
		f.p = t
	}

	if e.visualInitialAlign() {
		return true
	}
	e.logger.Info("visual structure does not align with IMU")
	return false
}

// visualInitialAlign solves gyroscope bias, per-frame velocity, gravity and
// scale, then rescales and gravity-aligns the window.
func (e *Estimator) visualInitialAlign() bool {
	dbg := solveGyroscopeBias(e.allImageFrames, e.logger)
	for i := 0; i <= e.cfg.WindowSize; i++ {
		e.bgs[i] = e.bgs[i].Add(dbg)
	}

	g, vsBody, scale, ok := linearAlignment(e.allImageFrames, e.tic[0], e.cfg.GNorm, e.logger)
	if !ok {
		e.logger.Debug("solving gravity and scale failed")
		return false
	}

	// adopt the SfM poses into the window
	for i := 0; i <= e.frameCount; i++ {
		f := e.frameByHeader(e.headers[i])
		if f == nil {
			return false
		}
		e.ps[i] = f.p
		e.rs[i] = f.r
		f.isKeyFrame = true
	}

	for i := 0; i <= e.cfg.WindowSize; i++ {
		if e.preintegrations[i] != nil {
			e.preintegrations[i].Repropagate(r3.Vector{}, e.bgs[i])
		}
	}

	// apply metric scale, referencing frame 0
	for i := e.frameCount; i >= 0; i-- {
		e.ps[i] = e.ps[i].Mul(scale).Sub(e.rs[i].MulVec(e.tic[0])).
			Sub(e.ps[0].Mul(scale).Sub(e.rs[0].MulVec(e.tic[0])))
	}

	// per-keyframe velocities from the alignment, rotated into world
	kv := -1
	for _, f := range e.allImageFrames {
		if !f.isKeyFrame {
			continue
		}
		kv++
		if kv <= e.cfg.WindowSize && kv < len(vsBody) {
			e.vs[kv] = f.r.MulVec(vsBody[kv])
		}
	}

	// rotate the whole window so gravity points along +z with zero yaw
	r0 := sm.GravityToRot(g)
	yaw := sm.RotToYPR(r0.Mul(e.rs[0])).X
	r0 = sm.YPRToRot(r3.Vector{X: -yaw}).Mul(r0)
	e.g = r0.MulVec(g)
	rotDiff := r0
	for i := 0; i <= e.frameCount; i++ {
		e.ps[i] = rotDiff.MulVec(e.ps[i])
		e.rs[i] = rotDiff.Mul(e.rs[i])
		e.vs[i] = rotDiff.MulVec(e.vs[i])
	}
	e.logger.Debugw("visual-inertial alignment done", "scale", scale, "g", e.g.Z)

	e.fm.ClearDepths()
	e.fm.Triangulate(e.frameCount, e.ps, e.rs)
	return true
}

func (e *Estimator) frameByHeader(t float64) *imageFrame {
	for _, f := range e.allImageFrames {
		if f.t == t {
			return f
		}
	}
	return nil
}

// relativePose scans the window for the first frame with enough
// correspondences and parallax against the newest frame, and solves their
// relative pose.
func (e *Estimator) relativePose() (sm.RotationMatrix, r3.Vector, int, bool) {
	w := e.cfg.WindowSize
	for i := 0; i < w; i++ {
		corres := e.fm.GetCorresponding(i, w)
		if len(corres) <= 20 {
			continue
		}
		sum := 0.0
		for _, c := range corres {
			du := c[0].X - c[1].X
			dv := c[0].Y - c[1].Y
			sum += math.Sqrt(du*du + dv*dv)
		}
		avg := sum / float64(len(corres))
		if avg*460 <= 30 {
			continue
		}
		if r, t, ok := solveRelativeRT(corres); ok {
			return r, t, i, true
		}
	}
	return sm.RotIdentity(), r3.Vector{}, 0, false
}

// failureDetection applies the recoverable-failure heuristics; only the bias
// norms are active unless configured otherwise.
func (e *Estimator) failureDetection() bool {
	w := e.cfg.WindowSize
	if e.bas[w].Norm() > 2.5 {
		e.logger.Warnf("large accelerometer bias estimate %f", e.bas[w].Norm())
		return true
	}
	if e.bgs[w].Norm() > 1.0 {
		e.logger.Warnf("large gyroscope bias estimate %f", e.bgs[w].Norm())
		return true
	}
	if !e.cfg.EnableFailureDetection {
		return false
	}
	if e.fm.lastTrackNum < 2 {
		e.logger.Warnf("little feature track %d", e.fm.lastTrackNum)
		return true
	}
	if e.ps[w].Sub(e.lastP).Norm() > 5 {
		e.logger.Warn("large translation between iterations")
		return true
	}
	if math.Abs(e.ps[w].Z-e.lastP.Z) > 1 {
		e.logger.Warn("large z translation between iterations")
		return true
	}
	deltaQ := e.rs[w].Transpose().Mul(e.lastR).Quaternion()
	if angle := math.Acos(math.Min(1, math.Abs(deltaQ.Real))) * 2 * 180 / math.Pi; angle > 50 {
		e.logger.Warn("large rotation between iterations")
		return true
	}
	return false
}

// reprojectionError is the normalized-plane distance of one observation pair.
func (e *Estimator) reprojectionError(
	ri sm.RotationMatrix, pi r3.Vector, rici sm.RotationMatrix, tici r3.Vector,
	rj sm.RotationMatrix, pj r3.Vector, ricj sm.RotationMatrix, ticj r3.Vector,
	depth float64, uvi, uvj r3.Vector,
) float64 {
	pw := ri.MulVec(rici.MulVec(uvi.Mul(depth)).Add(tici)).Add(pi)
	local := rj.Transpose().MulVec(pw.Sub(pj))
	pcj := ricj.Transpose().MulVec(local.Sub(ticj))
	dx := pcj.X/pcj.Z - uvj.X
	dy := pcj.Y/pcj.Z - uvj.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// outliersRejection screens landmarks by mean reprojection error.
func (e *Estimator) outliersRejection() map[int]bool {
	remove := make(map[int]bool)
	for _, l := range e.fm.features {
		l.usedNum = len(l.obs)
		if l.usedNum < 4 {
			continue
		}
		errSum := 0.0
		errCnt := 0
		i := l.startFrame
		uvi := l.obs[0].point
		depth := l.estimatedDepth
		for k, ob := range l.obs {
			j := l.startFrame + k
			if i != j {
				errSum += e.reprojectionError(
					e.rs[i], e.ps[i], e.ric[0], e.tic[0],
					e.rs[j], e.ps[j], e.ric[0], e.tic[0],
					depth, uvi, ob.point)
				errCnt++
			}
			if e.stereo && ob.isStereo {
				errSum += e.reprojectionError(
					e.rs[i], e.ps[i], e.ric[0], e.tic[0],
					e.rs[j], e.ps[j], e.ric[1], e.tic[1],
					depth, uvi, ob.pointRight)
				errCnt++
			}
		}
		if errCnt == 0 {
			continue
		}
		if errSum/float64(errCnt)*e.cfg.FocalLength > 3 {
			remove[l.id] = true
		}
	}
	return remove
}

// predictPtsInNextFrame extrapolates a constant-velocity pose and projects
// tracked landmarks into it for the feature tracker.
func (e *Estimator) predictPtsInNextFrame() {
	if e.frameCount < 2 || e.tracker == nil {
		return
	}
	curR, curP := e.rs[e.frameCount], e.ps[e.frameCount]
	prevR, prevP := e.rs[e.frameCount-1], e.ps[e.frameCount-1]

	// nextT = curT * (prevT^-1 * curT)
	relR := prevR.Transpose().Mul(curR)
	relP := prevR.Transpose().MulVec(curP.Sub(prevP))
	nextR := curR.Mul(relR)
	nextP := curR.MulVec(relP).Add(curP)

	predict := make(map[int]r3.Vector)
	for _, l := range e.fm.features {
		if l.estimatedDepth <= 0 || len(l.obs) < 2 {
			continue
		}
		if l.endFrame() != e.frameCount {
			continue
		}
		first := l.startFrame
		ptsBody := e.ric[0].MulVec(l.obs[0].point.Mul(l.estimatedDepth)).Add(e.tic[0])
		ptsW := e.rs[first].MulVec(ptsBody).Add(e.ps[first])
		ptsLocal := nextR.Transpose().MulVec(ptsW.Sub(nextP))
		ptsCam := e.ric[0].Transpose().MulVec(ptsLocal.Sub(e.tic[0]))
		predict[l.id] = ptsCam
	}
	e.tracker.SetPrediction(predict)
}

// fastPredictIMU extends the fast-predictor state by one midpoint step.
func (e *Estimator) fastPredictIMU(t float64, acc, gyr r3.Vector) {
	dt := t - e.latestTime
	e.latestTime = t
	unAcc0 := sm.RotateVec(e.latestQ, e.latestAcc0.Sub(e.latestBa)).Sub(e.g)
	unGyr := e.latestGyr0.Add(gyr).Mul(0.5).Sub(e.latestBg)
	e.latestQ = sm.Normalize(quat.Mul(e.latestQ, sm.DeltaQ(unGyr.Mul(dt))))
	unAcc1 := sm.RotateVec(e.latestQ, acc.Sub(e.latestBa)).Sub(e.g)
	unAcc := unAcc0.Add(unAcc1).Mul(0.5)
	e.latestP = e.latestP.Add(e.latestV.Mul(dt)).Add(unAcc.Mul(0.5 * dt * dt))
	e.latestV = e.latestV.Add(unAcc.Mul(dt))
	e.latestAcc0 = acc
	e.latestGyr0 = gyr
}

// updateLatestStates re-seeds the fast predictor from the newest frame and
// replays the IMU samples still buffered past it.
func (e *Estimator) updateLatestStates() {
	e.mPropagate.Lock()
	defer e.mPropagate.Unlock()

	e.latestTime = e.headers[e.frameCount] + e.td
	e.latestP = e.ps[e.frameCount]
	e.latestQ = e.rs[e.frameCount].Quaternion()
	e.latestV = e.vs[e.frameCount]
	e.latestBa = e.bas[e.frameCount]
	e.latestBg = e.bgs[e.frameCount]
	e.latestAcc0 = e.acc0
	e.latestGyr0 = e.gyr0

	e.mBuf.Lock()
	replay := e.imuBuf.clone()
	e.mBuf.Unlock()
	for !replay.empty() {
		t, s := replay.pop()
		if t <= e.latestTime {
			continue
		}
		e.fastPredictIMU(t, s.acc, s.gyr)
	}
}

// publish pushes the iteration's outputs while still holding mProcess.
func (e *Estimator) publish(t float64) {
	if e.solverFlag != SolverNonLinear {
		return
	}
	w := e.cfg.WindowSize
	e.publisher.PublishOdometry(Odometry{
		Time:     t,
		Position: e.ps[w],
		Velocity: e.vs[w],
		Rotation: e.rs[w].Quaternion(),
	})
	e.publisher.PublishKeyPoses(t, append([]r3.Vector(nil), e.keyPoses...))

	camP := e.ps[w].Add(e.rs[w].MulVec(e.tic[0]))
	camR := e.rs[w].Mul(e.ric[0])
	e.publisher.PublishCameraPose(t, camP, camR.Quaternion())

	var cloud, marginCloud []r3.Vector
	for _, l := range e.fm.features {
		if l.estimatedDepth <= 0 {
			continue
		}
		i := l.startFrame
		ptsBody := e.ric[0].MulVec(l.obs[0].point.Mul(l.estimatedDepth)).Add(e.tic[0])
		ptsW := e.rs[i].MulVec(ptsBody).Add(e.ps[i])
		if l.usedNum >= 4 {
			cloud = append(cloud, ptsW)
		}
		if i == 0 && len(l.obs) <= 2 && e.margFlag == MarginOld {
			marginCloud = append(marginCloud, ptsW)
		}
	}
	e.publisher.PublishPointCloud(t, cloud, marginCloud)

	if e.margFlag == MarginOld && e.frameCount == w {
		kfP := e.ps[w-1]
		kfR := e.rs[w-1]
		var kfPoints []r3.Vector
		for _, l := range e.fm.features {
			if l.startFrame <= w-1 && l.endFrame() >= w-1 && l.estimatedDepth > 0 {
				i := l.startFrame
				ptsBody := e.ric[0].MulVec(l.obs[0].point.Mul(l.estimatedDepth)).Add(e.tic[0])
				kfPoints = append(kfPoints, e.rs[i].MulVec(ptsBody).Add(e.ps[i]))
			}
		}
		e.publisher.PublishKeyframe(e.headers[w-1], kfP, kfR.Quaternion(), kfPoints)
	}

	if e.gnssReady {
		e.publisher.PublishGlobalFix(GlobalFix{
			Time:     t,
			EcefPos:  e.ecefPos,
			EnuPos:   e.enuPos,
			EnuVel:   e.enuVel,
			EnuYpr:   e.enuYpr,
			Geodetic: gnss.GeoPoint(e.ecefPos),
		})
	}
}

// gnssVIAlign runs the GNSS-VI alignment once the window carries enough
// observations and motion.
func (e *Estimator) gnssVIAlign() bool {
	if e.solverFlag == SolverInitial {
		return false
	}
	w := e.cfg.WindowSize
	for i := 0; i <= w; i++ {
		if len(e.gnssMeasBuf[i]) < 10 {
			return false
		}
	}

	var avgHor r3.Vector
	for i := 0; i <= w; i++ {
		avgHor = avgHor.Add(r3.Vector{X: math.Abs(e.vs[i].X), Y: math.Abs(e.vs[i].Y)})
	}
	avgHor = avgHor.Mul(1 / float64(w+1))
	if avgHor.Norm() < 0.3 {
		e.logger.Debug("velocity excitation not enough for GNSS-VI alignment")
		return false
	}

	init := newGNSSVIInitializer(e.gnssMeasBuf[:w+1], e.ionoParams, e.logger)

	rough, err := init.coarseLocalization()
	if err != nil {
		e.logger.Debugw("coarse localization failed", "error", err)
		return false
	}
	roughAnchor := r3.Vector{X: rough[0], Y: rough[1], Z: rough[2]}

	localVs := append([]r3.Vector(nil), e.vs[:w+1]...)
	yaw, ddt, err := init.yawAlignment(localVs, roughAnchor)
	if err != nil {
		e.logger.Debugw("yaw alignment failed", "error", err)
		return false
	}

	localPs := append([]r3.Vector(nil), e.ps[:w+1]...)
	refined, err := init.anchorRefinement(localPs, yaw, ddt, rough)
	if err != nil {
		e.logger.Debugw("anchor refinement failed", "error", err)
		return false
	}

	// seed the per-frame clock parameters; systems never observed inherit
	// the first observed system's bias
	firstObserved := -1
	for k := 0; k < gnss.NumSystems; k++ {
		if rough[3+k] != 0 {
			firstObserved = k
			break
		}
	}
	if firstObserved < 0 {
		return false
	}
	for i := 0; i <= w; i++ {
		e.paraRcvDdt[i][0] = ddt
		for k := 0; k < gnss.NumSystems; k++ {
			if rough[3+k] == 0 {
				e.paraRcvDt[i*gnss.NumSystems+k][0] = refined[3+firstObserved] + ddt*float64(i)
			} else {
				e.paraRcvDt[i*gnss.NumSystems+k][0] = refined[3+k] + ddt*float64(i)
			}
		}
	}

	e.ancEcef = r3.Vector{X: refined[0], Y: refined[1], Z: refined[2]}
	e.rEcefEnu = gnss.EnuRotation(e.ancEcef)
	e.yawEnuLocal = yaw
	e.logger.Infow("GNSS-VI alignment done", "yaw_deg", yaw*180/math.Pi)
	return true
}

// updateGNSSStatistics refreshes the ENU/ECEF outputs of the newest frame.
func (e *Estimator) updateGNSSStatistics() {
	w := e.cfg.WindowSize
	rEnuLocal := sm.RotZ(e.yawEnuLocal)
	e.enuPos = rEnuLocal.MulVec(e.ps[w])
	e.enuVel = rEnuLocal.MulVec(e.vs[w])
	e.enuYpr = sm.RotToYPR(rEnuLocal.Mul(e.rs[w]))
	e.ecefPos = e.ancEcef.Add(e.rEcefEnu.MulVec(e.enuPos))
}

// slideWindow shifts the window after optimization and marginalization.
func (e *Estimator) slideWindow() {
	w := e.cfg.WindowSize
	if e.margFlag == MarginOld {
		t0 := e.headers[0]
		e.backR0 = e.rs[0]
		e.backP0 = e.ps[0]
		if e.frameCount != w {
			return
		}
		for i := 0; i < w; i++ {
			e.headers[i] = e.headers[i+1]
			e.rs[i] = e.rs[i+1]
			e.ps[i] = e.ps[i+1]
			if e.useIMU {
				e.preintegrations[i], e.preintegrations[i+1] = e.preintegrations[i+1], e.preintegrations[i]
				e.dtBufW[i], e.dtBufW[i+1] = e.dtBufW[i+1], e.dtBufW[i]
				e.accBufW[i], e.accBufW[i+1] = e.accBufW[i+1], e.accBufW[i]
				e.gyrBufW[i], e.gyrBufW[i+1] = e.gyrBufW[i+1], e.gyrBufW[i]
				e.encLBufW[i], e.encLBufW[i+1] = e.encLBufW[i+1], e.encLBufW[i]
				e.encRBufW[i], e.encRBufW[i+1] = e.encRBufW[i+1], e.encRBufW[i]
				e.vs[i] = e.vs[i+1]
				e.bas[i] = e.bas[i+1]
				e.bgs[i] = e.bgs[i+1]
			}
			e.gnssMeasBuf[i] = e.gnssMeasBuf[i+1]
			for k := 0; k < gnss.NumSystems; k++ {
				e.paraRcvDt[i*gnss.NumSystems+k][0] = e.paraRcvDt[(i+1)*gnss.NumSystems+k][0]
			}
			e.paraRcvDdt[i][0] = e.paraRcvDdt[i+1][0]
		}
		// slot W is re-seeded from slot W-1; the duplicated header is
		// overwritten on the next frame push (transient non-monotonicity)
		e.headers[w] = e.headers[w-1]
		e.ps[w] = e.ps[w-1]
		e.rs[w] = e.rs[w-1]
		e.gnssMeasBuf[w] = nil

		if e.useIMU {
			e.vs[w] = e.vs[w-1]
			e.bas[w] = e.bas[w-1]
			e.bgs[w] = e.bgs[w-1]
			e.preintegrations[w] = e.newSlotPreintegration()
			e.dtBufW[w] = nil
			e.accBufW[w] = nil
			e.gyrBufW[w] = nil
			e.encLBufW[w] = nil
			e.encRBufW[w] = nil
		}

		// drop all pre-initialization frames up to the evicted timestamp
		idx := 0
		for idx < len(e.allImageFrames) && e.allImageFrames[idx].t < t0 {
			idx++
		}
		if idx < len(e.allImageFrames) && e.allImageFrames[idx].t == t0 {
			idx++
		}
		e.allImageFrames = e.allImageFrames[idx:]

		e.slideWindowOld()
		return
	}

	if e.frameCount != w {
		return
	}
	e.headers[w-1] = e.headers[w]
	e.ps[w-1] = e.ps[w]
	e.rs[w-1] = e.rs[w]

	if e.useIMU {
		for i, dt := range e.dtBufW[w] {
			if e.cfg.EncoderEnable {
				e.preintegrations[w-1].PushBackEncoder(dt, e.accBufW[w][i], e.gyrBufW[w][i], e.encLBufW[w][i], e.encRBufW[w][i])
				e.encLBufW[w-1] = append(e.encLBufW[w-1], e.encLBufW[w][i])
				e.encRBufW[w-1] = append(e.encRBufW[w-1], e.encRBufW[w][i])
			} else {
				e.preintegrations[w-1].PushBack(dt, e.accBufW[w][i], e.gyrBufW[w][i])
			}
			e.dtBufW[w-1] = append(e.dtBufW[w-1], dt)
			e.accBufW[w-1] = append(e.accBufW[w-1], e.accBufW[w][i])
			e.gyrBufW[w-1] = append(e.gyrBufW[w-1], e.gyrBufW[w][i])
		}
		e.vs[w-1] = e.vs[w]
		e.bas[w-1] = e.bas[w]
		e.bgs[w-1] = e.bgs[w]

		e.gnssMeasBuf[w-1] = e.gnssMeasBuf[w]
		for k := 0; k < gnss.NumSystems; k++ {
			e.paraRcvDt[(w-1)*gnss.NumSystems+k][0] = e.paraRcvDt[w*gnss.NumSystems+k][0]
		}
		e.paraRcvDdt[w-1][0] = e.paraRcvDdt[w][0]
		e.gnssMeasBuf[w] = nil

		e.preintegrations[w] = e.newSlotPreintegration()
		e.dtBufW[w] = nil
		e.accBufW[w] = nil
		e.gyrBufW[w] = nil
		e.encLBufW[w] = nil
		e.encRBufW[w] = nil
	}
	e.slideWindowNew()
}

func (e *Estimator) newSlotPreintegration() *factor.Preintegration {
	w := e.cfg.WindowSize
	if e.cfg.EncoderEnable {
		return factor.NewPreintegrationWithEncoder(
			e.acc0, e.gyr0, e.encL0, e.encR0, e.bas[w], e.bgs[w], e.noiseConfig(), e.logger)
	}
	return factor.NewPreintegration(e.acc0, e.gyr0, e.bas[w], e.bgs[w], e.noiseConfig(), e.logger)
}

func (e *Estimator) slideWindowNew() {
	e.sumOfFront++
	e.fm.RemoveFront(e.frameCount)
}

func (e *Estimator) slideWindowOld() {
	e.sumOfBack++
	if e.solverFlag == SolverNonLinear {
		r0 := e.backR0.Mul(e.ric[0])
		r1 := e.rs[0].Mul(e.ric[0])
		p0 := e.backP0.Add(e.backR0.MulVec(e.tic[0]))
		p1 := e.ps[0].Add(e.rs[0].MulVec(e.tic[0]))
		e.fm.RemoveBackShiftDepth(r0, p0, r1, p1)
		return
	}
	e.fm.RemoveBack()
}
