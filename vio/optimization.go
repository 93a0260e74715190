package vio

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/Leap-Photonoics/VINS-Fusion/factor"
	"github.com/Leap-Photonoics/VINS-Fusion/gnss"
	"github.com/Leap-Photonoics/VINS-Fusion/nlls"
	sm "github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// vector2double packs the mutable window state into the raw parameter
// arrays consumed by the solver.
func (e *Estimator) vector2double() {
	for i := 0; i <= e.cfg.WindowSize; i++ {
		factor.SetPos(e.paraPose[i], e.ps[i])
		factor.SetQuat(e.paraPose[i], e.rs[i].Quaternion())
		if e.useIMU {
			factor.SetVec3(e.paraSpeedBias[i], 0, e.vs[i])
			factor.SetVec3(e.paraSpeedBias[i], 3, e.bas[i])
			factor.SetVec3(e.paraSpeedBias[i], 6, e.bgs[i])
		}
	}
	for c := 0; c < e.cfg.NumCameras; c++ {
		factor.SetPos(e.paraExPose[c], e.tic[c])
		factor.SetQuat(e.paraExPose[c], e.ric[c].Quaternion())
	}

	deps := e.fm.DepthVector()
	e.paraFeature = e.paraFeature[:0]
	for _, d := range deps {
		e.paraFeature = append(e.paraFeature, []float64{d})
	}

	e.paraTd[0] = e.td
	e.paraYaw[0] = e.yawEnuLocal
	factor.SetVec3(e.paraAncEcef, 0, e.ancEcef)
}

// double2vector unpacks the solved parameters. With an IMU the yaw (and the
// first position) are unobservable, so the solved window is rotated back so
// frame 0 keeps its pre-solve yaw and position.
func (e *Estimator) double2vector() {
	originR0 := sm.RotToYPR(e.rs[0])
	originP0 := e.ps[0]
	if e.failureOccur {
		originR0 = sm.RotToYPR(e.lastR0)
		originP0 = e.lastP0
		e.failureOccur = false
	}

	if e.useIMU {
		solvedR0 := sm.NewRotationMatrixFromQuaternion(factor.QuatOf(e.paraPose[0]))
		originR00 := sm.RotToYPR(solvedR0)
		yDiff := originR0.X - originR00.X
		rotDiff := sm.YPRToRot(r3.Vector{X: yDiff})
		if math.Abs(math.Abs(originR0.Y)-90) < 1 || math.Abs(math.Abs(originR00.Y)-90) < 1 {
			e.logger.Debug("euler singular point, using full rotation delta")
			rotDiff = e.rs[0].Mul(solvedR0.Transpose())
		}

		p0 := factor.PosOf(e.paraPose[0])
		for i := 0; i <= e.cfg.WindowSize; i++ {
			e.rs[i] = rotDiff.Mul(sm.NewRotationMatrixFromQuaternion(factor.QuatOf(e.paraPose[i])))
			e.ps[i] = rotDiff.MulVec(factor.PosOf(e.paraPose[i]).Sub(p0)).Add(originP0)
			e.vs[i] = rotDiff.MulVec(factor.Vec3Of(e.paraSpeedBias[i], 0))
			e.bas[i] = factor.Vec3Of(e.paraSpeedBias[i], 3)
			e.bgs[i] = factor.Vec3Of(e.paraSpeedBias[i], 6)
		}
	} else {
		for i := 0; i <= e.cfg.WindowSize; i++ {
			e.rs[i] = sm.NewRotationMatrixFromQuaternion(factor.QuatOf(e.paraPose[i]))
			e.ps[i] = factor.PosOf(e.paraPose[i])
		}
	}

	if e.useIMU {
		for c := 0; c < e.cfg.NumCameras; c++ {
			e.tic[c] = factor.PosOf(e.paraExPose[c])
			e.ric[c] = sm.NewRotationMatrixFromQuaternion(factor.QuatOf(e.paraExPose[c]))
		}
		e.fm.SetExtrinsics(e.ric, e.tic)
		e.td = e.paraTd[0]
	}

	deps := make([]float64, len(e.paraFeature))
	for i, b := range e.paraFeature {
		deps[i] = b[0]
	}
	e.fm.SetDepths(deps)

	if e.gnssReady {
		e.yawEnuLocal = e.paraYaw[0]
		e.ancEcef = factor.Vec3Of(e.paraAncEcef, 0)
		e.rEcefEnu = gnss.EnuRotation(e.ancEcef)
	}
}

// optimization assembles the full problem for the current window, solves it
// and, when the window is full, marginalizes for the upcoming slide.
func (e *Estimator) optimization() {
	w := e.cfg.WindowSize
	e.vector2double()

	problem := nlls.NewProblem()
	loss := nlls.HuberLoss{Delta: 1}
	projCfg := factor.NewProjectionFactorConfig(e.cfg.FocalLength)

	for i := 0; i <= e.frameCount; i++ {
		problem.AddParameterBlock(e.paraPose[i], factor.PoseParameterization{})
		if e.useIMU {
			problem.AddParameterBlock(e.paraSpeedBias[i], nil)
		}
	}
	if !e.useIMU {
		problem.SetParameterBlockConstant(e.paraPose[0])
	}

	for c := 0; c < e.cfg.NumCameras; c++ {
		problem.AddParameterBlock(e.paraExPose[c], factor.PoseParameterization{})
		if (e.estimateExtrinsic != 0 && e.frameCount == w && e.vs[0].Norm() > 0.2) || e.openExEstimation {
			e.openExEstimation = true
		} else {
			problem.SetParameterBlockConstant(e.paraExPose[c])
		}
	}

	problem.AddParameterBlock(e.paraTd, nil)
	if !e.cfg.EstimateTD || e.vs[0].Norm() < 0.2 {
		problem.SetParameterBlockConstant(e.paraTd)
	}

	if e.gnssReady {
		problem.AddParameterBlock(e.paraYaw, nil)
		var avgHor r3.Vector
		for i := 0; i <= w; i++ {
			avgHor = avgHor.Add(r3.Vector{X: math.Abs(e.vs[i].X), Y: math.Abs(e.vs[i].Y)})
		}
		avgHor = avgHor.Mul(1 / float64(w+1))
		fixYaw := avgHor.Norm() < 0.3
		for i := 0; i <= w; i++ {
			if len(e.gnssMeasBuf[i]) < 10 {
				fixYaw = true
			}
		}
		if fixYaw {
			problem.SetParameterBlockConstant(e.paraYaw)
		}
		problem.AddParameterBlock(e.paraAncEcef, nil)
		for i := 0; i <= w; i++ {
			for k := 0; k < gnss.NumSystems; k++ {
				problem.AddParameterBlock(e.paraRcvDt[i*gnss.NumSystems+k], nil)
			}
			problem.AddParameterBlock(e.paraRcvDdt[i], nil)
		}
	}

	if e.lastMargInfo != nil && e.lastMargInfo.Valid {
		margFactor := &factor.MarginalizationFactor{Info: e.lastMargInfo}
		if err := problem.AddResidualBlock(margFactor, nil, e.lastMargBlocks...); err != nil {
			e.logger.Errorw("adding marginalization prior failed", "error", err)
		}
	}

	if e.useIMU {
		for i := 0; i < e.frameCount; i++ {
			j := i + 1
			pre := e.preintegrations[j]
			if pre == nil || pre.SumDt > 10 {
				continue
			}
			var err error
			if e.cfg.EncoderEnable {
				err = problem.AddResidualBlock(
					&factor.IMUEncoderFactor{Pre: pre, TioL: wheelVec(e.cfg.WheelLeft), TioR: wheelVec(e.cfg.WheelRight)},
					nil, e.paraPose[i], e.paraSpeedBias[i], e.paraPose[j], e.paraSpeedBias[j])
			} else {
				err = problem.AddResidualBlock(
					&factor.IMUFactor{Pre: pre},
					nil, e.paraPose[i], e.paraSpeedBias[i], e.paraPose[j], e.paraSpeedBias[j])
			}
			if err != nil {
				e.logger.Errorw("adding IMU factor failed", "error", err)
			}
		}
	}

	if e.gnssReady {
		e.addGNSSFactors(problem)
	}

	featureIndex := -1
	for _, l := range e.fm.features {
		l.usedNum = len(l.obs)
		if l.usedNum < 4 {
			continue
		}
		featureIndex++
		imuI := l.startFrame
		ptsI := l.obs[0].point

		for k, ob := range l.obs {
			imuJ := imuI + k
			if imuI != imuJ {
				f := &factor.ProjectionTwoFrameOneCamFactor{
					Cfg:  projCfg,
					PtsI: ptsI, PtsJ: ob.point,
					VelI: l.obs[0].velocity, VelJ: ob.velocity,
					TdI: l.obs[0].curTd, TdJ: ob.curTd,
				}
				if err := problem.AddResidualBlock(f, loss,
					e.paraPose[imuI], e.paraPose[imuJ], e.paraExPose[0],
					e.paraFeature[featureIndex], e.paraTd); err != nil {
					e.logger.Errorw("adding projection factor failed", "error", err)
				}
			}
			if e.stereo && ob.isStereo {
				if imuI != imuJ {
					f := &factor.ProjectionTwoFrameTwoCamFactor{
						Cfg:  projCfg,
						PtsI: ptsI, PtsJ: ob.pointRight,
						VelI: l.obs[0].velocity, VelJ: ob.velocityRight,
						TdI: l.obs[0].curTd, TdJ: ob.curTd,
					}
					if err := problem.AddResidualBlock(f, loss,
						e.paraPose[imuI], e.paraPose[imuJ], e.paraExPose[0], e.paraExPose[1],
						e.paraFeature[featureIndex], e.paraTd); err != nil {
						e.logger.Errorw("adding stereo projection factor failed", "error", err)
					}
				} else {
					f := &factor.ProjectionOneFrameTwoCamFactor{
						Cfg:  projCfg,
						PtsI: ptsI, PtsJ: ob.pointRight,
						VelI: l.obs[0].velocity, VelJ: ob.velocityRight,
						TdI: l.obs[0].curTd, TdJ: ob.curTd,
					}
					if err := problem.AddResidualBlock(f, loss,
						e.paraExPose[0], e.paraExPose[1],
						e.paraFeature[featureIndex], e.paraTd); err != nil {
						e.logger.Errorw("adding one-frame stereo factor failed", "error", err)
					}
				}
			}
		}
		problem.MarkSchurBlock(e.paraFeature[featureIndex])
	}

	solverTime := e.cfg.SolverTime
	if e.margFlag == MarginOld {
		solverTime = solverTime * 4.0 / 5.0
	}
	opts := nlls.Options{
		MaxIterations:     e.cfg.NumIterations,
		MaxTime:           time.Duration(solverTime * float64(time.Second)),
		InitialRadius:     1e4,
		GradientTolerance: 1e-10,
		StepTolerance:     1e-9,
	}
	if _, err := nlls.Solve(problem, opts); err != nil {
		e.logger.Warnw("window optimization failed", "error", err)
	}

	e.paraYaw[0] = sm.WrapToPi(e.paraYaw[0])
	e.double2vector()

	if e.frameCount < w {
		return
	}
	e.marginalize(projCfg, loss)
}

func wheelVec(v [3]float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// gnssFrameFactor builds the pseudorange/Doppler factor of one observation
// of frame i, with its interpolation bracket.
func (e *Estimator) gnssFrameFactor(i int, m gnss.SatMeas) (*factor.GnssPsrDoppFactor, [8][]float64, bool) {
	w := e.cfg.WindowSize
	sysIdx := m.Obs.Sat.System().Index()
	if sysIdx < 0 {
		return nil, [8][]float64{}, false
	}

	obsLocalTs := float64(m.Obs.Time) - e.diffTGnssLocal
	var lower int
	if e.headers[i] > obsLocalTs {
		if i == 0 {
			lower = 0
		} else {
			lower = i - 1
		}
	} else {
		if i == w {
			lower = w - 1
		} else {
			lower = i
		}
	}
	lowerTs := e.headers[lower]
	upperTs := e.headers[lower+1]
	ratio := (upperTs - obsLocalTs) / (upperTs - lowerTs)

	f := factor.NewGnssPsrDoppFactor(m.Obs, m.Eph, e.ionoParams, ratio)
	if f == nil {
		return nil, [8][]float64{}, false
	}
	blocks := [8][]float64{
		e.paraPose[lower], e.paraSpeedBias[lower],
		e.paraPose[lower+1], e.paraSpeedBias[lower+1],
		e.paraRcvDt[i*gnss.NumSystems+sysIdx], e.paraRcvDdt[i],
		e.paraYaw, e.paraAncEcef,
	}
	return f, blocks, true
}

func (e *Estimator) addGNSSFactors(problem *nlls.Problem) {
	w := e.cfg.WindowSize
	for i := 0; i <= w; i++ {
		for _, m := range e.gnssMeasBuf[i] {
			f, blocks, ok := e.gnssFrameFactor(i, m)
			if !ok {
				continue
			}
			if err := problem.AddResidualBlock(f, nil, blocks[:]...); err != nil {
				e.logger.Errorw("adding GNSS factor failed", "error", err)
			}
		}
	}

	for k := 0; k < gnss.NumSystems; k++ {
		for i := 0; i < w; i++ {
			dt := e.headers[i+1] - e.headers[i]
			if err := problem.AddResidualBlock(&factor.DtDdtFactor{DeltaT: dt}, nil,
				e.paraRcvDt[i*gnss.NumSystems+k], e.paraRcvDt[(i+1)*gnss.NumSystems+k],
				e.paraRcvDdt[i], e.paraRcvDdt[i+1]); err != nil {
				e.logger.Errorw("adding clock coupling factor failed", "error", err)
			}
		}
	}
	for i := 0; i < w; i++ {
		if err := problem.AddResidualBlock(&factor.DdtSmoothFactor{Weight: e.cfg.GNSSDdtWeight}, nil,
			e.paraRcvDdt[i], e.paraRcvDdt[i+1]); err != nil {
			e.logger.Errorw("adding clock smoothing factor failed", "error", err)
		}
	}
}

// marginalize Schur-eliminates the state being evicted into the prior for
// the next iteration.
func (e *Estimator) marginalize(projCfg factor.ProjectionFactorConfig, loss nlls.LossFunction) {
	w := e.cfg.WindowSize

	if e.margFlag == MarginOld {
		margInfo := factor.NewMarginalizationInfo(e.logger)
		e.vector2double()

		if e.lastMargInfo != nil && e.lastMargInfo.Valid {
			var dropSet []int
			for i, b := range e.lastMargBlocks {
				if nlls.Key(b) == nlls.Key(e.paraPose[0]) || nlls.Key(b) == nlls.Key(e.paraSpeedBias[0]) {
					dropSet = append(dropSet, i)
				}
			}
			margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
				Cost:    &factor.MarginalizationFactor{Info: e.lastMargInfo},
				Blocks:  e.lastMargBlocks,
				DropSet: dropSet,
			})
		}

		if e.useIMU && e.preintegrations[1] != nil && e.preintegrations[1].SumDt < 10 {
			var cost nlls.CostFunction
			if e.cfg.EncoderEnable {
				cost = &factor.IMUEncoderFactor{Pre: e.preintegrations[1], TioL: wheelVec(e.cfg.WheelLeft), TioR: wheelVec(e.cfg.WheelRight)}
			} else {
				cost = &factor.IMUFactor{Pre: e.preintegrations[1]}
			}
			margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
				Cost:    cost,
				Blocks:  [][]float64{e.paraPose[0], e.paraSpeedBias[0], e.paraPose[1], e.paraSpeedBias[1]},
				DropSet: []int{0, 1},
			})
		}

		if e.gnssReady {
			for _, m := range e.gnssMeasBuf[0] {
				f, blocks, ok := e.gnssFrameFactor(0, m)
				if !ok {
					continue
				}
				margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
					Cost:    f,
					Blocks:  blocks[:],
					DropSet: []int{0, 1, 4, 5},
				})
			}
			gnssDt := e.headers[1] - e.headers[0]
			for k := 0; k < gnss.NumSystems; k++ {
				margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
					Cost: &factor.DtDdtFactor{DeltaT: gnssDt},
					Blocks: [][]float64{
						e.paraRcvDt[k], e.paraRcvDt[gnss.NumSystems+k],
						e.paraRcvDdt[0], e.paraRcvDdt[1],
					},
					DropSet: []int{0, 2},
				})
			}
			margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
				Cost:    &factor.DdtSmoothFactor{Weight: e.cfg.GNSSDdtWeight},
				Blocks:  [][]float64{e.paraRcvDdt[0], e.paraRcvDdt[1]},
				DropSet: []int{0},
			})
		}

		featureIndex := -1
		for _, l := range e.fm.features {
			l.usedNum = len(l.obs)
			if l.usedNum < 4 {
				continue
			}
			featureIndex++
			if l.startFrame != 0 {
				continue
			}
			imuI := l.startFrame
			ptsI := l.obs[0].point
			for k, ob := range l.obs {
				imuJ := imuI + k
				if imuI != imuJ {
					f := &factor.ProjectionTwoFrameOneCamFactor{
						Cfg:  projCfg,
						PtsI: ptsI, PtsJ: ob.point,
						VelI: l.obs[0].velocity, VelJ: ob.velocity,
						TdI: l.obs[0].curTd, TdJ: ob.curTd,
					}
					margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
						Cost: f, Loss: loss,
						Blocks: [][]float64{
							e.paraPose[imuI], e.paraPose[imuJ], e.paraExPose[0],
							e.paraFeature[featureIndex], e.paraTd,
						},
						DropSet: []int{0, 3},
					})
				}
				if e.stereo && ob.isStereo {
					if imuI != imuJ {
						f := &factor.ProjectionTwoFrameTwoCamFactor{
							Cfg:  projCfg,
							PtsI: ptsI, PtsJ: ob.pointRight,
							VelI: l.obs[0].velocity, VelJ: ob.velocityRight,
							TdI: l.obs[0].curTd, TdJ: ob.curTd,
						}
						margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
							Cost: f, Loss: loss,
							Blocks: [][]float64{
								e.paraPose[imuI], e.paraPose[imuJ], e.paraExPose[0], e.paraExPose[1],
								e.paraFeature[featureIndex], e.paraTd,
							},
							DropSet: []int{0, 4},
						})
					} else {
						f := &factor.ProjectionOneFrameTwoCamFactor{
							Cfg:  projCfg,
							PtsI: ptsI, PtsJ: ob.pointRight,
							VelI: l.obs[0].velocity, VelJ: ob.velocityRight,
							TdI: l.obs[0].curTd, TdJ: ob.curTd,
						}
						margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
							Cost: f, Loss: loss,
							Blocks: [][]float64{
								e.paraExPose[0], e.paraExPose[1],
								e.paraFeature[featureIndex], e.paraTd,
							},
							DropSet: []int{2},
						})
					}
				}
			}
		}

		if err := margInfo.PreMarginalize(); err != nil {
			e.logger.Warnw("pre-marginalization failed", "error", err)
			return
		}
		if err := margInfo.Marginalize(); err != nil {
			e.logger.Warnw("marginalization failed", "error", err)
			return
		}

		shift := make(map[nlls.BlockKey][]float64)
		for i := 1; i <= w; i++ {
			shift[nlls.Key(e.paraPose[i])] = e.paraPose[i-1]
			if e.useIMU {
				shift[nlls.Key(e.paraSpeedBias[i])] = e.paraSpeedBias[i-1]
			}
			for k := 0; k < gnss.NumSystems; k++ {
				shift[nlls.Key(e.paraRcvDt[i*gnss.NumSystems+k])] = e.paraRcvDt[(i-1)*gnss.NumSystems+k]
			}
			shift[nlls.Key(e.paraRcvDdt[i])] = e.paraRcvDdt[i-1]
		}
		for c := 0; c < e.cfg.NumCameras; c++ {
			shift[nlls.Key(e.paraExPose[c])] = e.paraExPose[c]
		}
		shift[nlls.Key(e.paraTd)] = e.paraTd
		shift[nlls.Key(e.paraYaw)] = e.paraYaw
		shift[nlls.Key(e.paraAncEcef)] = e.paraAncEcef

		e.lastMargBlocks = margInfo.GetParameterBlocks(shift)
		e.lastMargInfo = margInfo
		return
	}

	// MARGIN_SECOND_NEW: only meaningful when the prior references the
	// second-newest pose
	if e.lastMargInfo == nil {
		return
	}
	references := false
	for _, b := range e.lastMargBlocks {
		if nlls.Key(b) == nlls.Key(e.paraPose[w-1]) {
			references = true
			break
		}
	}
	if !references {
		return
	}

	margInfo := factor.NewMarginalizationInfo(e.logger)
	e.vector2double()
	var dropSet []int
	for i, b := range e.lastMargBlocks {
		if nlls.Key(b) == nlls.Key(e.paraSpeedBias[w-1]) {
			e.logger.Fatal("marginalization prior must never keep the second-newest speed/bias block")
		}
		if nlls.Key(b) == nlls.Key(e.paraPose[w-1]) {
			dropSet = append(dropSet, i)
		}
	}
	margInfo.AddResidualBlockInfo(&factor.ResidualBlockInfo{
		Cost:    &factor.MarginalizationFactor{Info: e.lastMargInfo},
		Blocks:  e.lastMargBlocks,
		DropSet: dropSet,
	})
	if err := margInfo.PreMarginalize(); err != nil {
		e.logger.Warnw("pre-marginalization failed", "error", err)
		return
	}
	if err := margInfo.Marginalize(); err != nil {
		e.logger.Warnw("marginalization failed", "error", err)
		return
	}

	shift := make(map[nlls.BlockKey][]float64)
	for i := 0; i <= w; i++ {
		switch {
		case i == w-1:
			// dropped
		case i == w:
			shift[nlls.Key(e.paraPose[i])] = e.paraPose[i-1]
			if e.useIMU {
				shift[nlls.Key(e.paraSpeedBias[i])] = e.paraSpeedBias[i-1]
			}
			for k := 0; k < gnss.NumSystems; k++ {
				shift[nlls.Key(e.paraRcvDt[i*gnss.NumSystems+k])] = e.paraRcvDt[(i-1)*gnss.NumSystems+k]
			}
			shift[nlls.Key(e.paraRcvDdt[i])] = e.paraRcvDdt[i-1]
		default:
			shift[nlls.Key(e.paraPose[i])] = e.paraPose[i]
			if e.useIMU {
				shift[nlls.Key(e.paraSpeedBias[i])] = e.paraSpeedBias[i]
			}
			for k := 0; k < gnss.NumSystems; k++ {
				shift[nlls.Key(e.paraRcvDt[i*gnss.NumSystems+k])] = e.paraRcvDt[i*gnss.NumSystems+k]
			}
			shift[nlls.Key(e.paraRcvDdt[i])] = e.paraRcvDdt[i]
		}
	}
	for c := 0; c < e.cfg.NumCameras; c++ {
		shift[nlls.Key(e.paraExPose[c])] = e.paraExPose[c]
	}
	shift[nlls.Key(e.paraTd)] = e.paraTd
	shift[nlls.Key(e.paraYaw)] = e.paraYaw
	shift[nlls.Key(e.paraAncEcef)] = e.paraAncEcef

	e.lastMargBlocks = margInfo.GetParameterBlocks(shift)
	e.lastMargInfo = margInfo
}
