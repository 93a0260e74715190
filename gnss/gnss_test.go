package gnss

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestSatSystem(t *testing.T) {
	test.That(t, SatID(5).System(), test.ShouldEqual, SysGPS)
	test.That(t, SatID(40).System(), test.ShouldEqual, SysGLO)
	test.That(t, SatID(70).System(), test.ShouldEqual, SysGAL)
	test.That(t, SatID(100).System(), test.ShouldEqual, SysBDS)
	test.That(t, SatID(2000).System(), test.ShouldEqual, SysNone)
	test.That(t, SysGPS.Index(), test.ShouldEqual, 0)
	test.That(t, SysBDS.Index(), test.ShouldEqual, 3)
}

func TestGeodeticRoundTrip(t *testing.T) {
	for _, g := range []Geodetic{
		{Lat: 0.8, Lon: 2.1, Height: 150},
		{Lat: -0.3, Lon: -1.2, Height: 4000},
		{Lat: 0.01, Lon: 0.01, Height: 0},
	} {
		p := GeodeticToEcef(g)
		back := EcefToGeodetic(p)
		test.That(t, back.Lat, test.ShouldAlmostEqual, g.Lat, 1e-9)
		test.That(t, back.Lon, test.ShouldAlmostEqual, g.Lon, 1e-9)
		test.That(t, back.Height, test.ShouldAlmostEqual, g.Height, 1e-3)
	}
}

func TestEnuRotationOrthonormal(t *testing.T) {
	anchor := GeodeticToEcef(Geodetic{Lat: 0.7, Lon: 1.9, Height: 300})
	r := EnuRotation(anchor)
	test.That(t, r.Det(), test.ShouldAlmostEqual, 1, 1e-12)

	// the U axis is the ellipsoid normal at the anchor's geodetic latitude
	// and longitude
	up := r.Col(2)
	normal := r3.Vector{X: math.Cos(0.7) * math.Cos(1.9), Y: math.Cos(0.7) * math.Sin(1.9), Z: math.Sin(0.7)}
	test.That(t, up.Dot(normal), test.ShouldAlmostEqual, 1, 1e-6)
}

func TestSatAzElZenith(t *testing.T) {
	anchor := GeodeticToEcef(Geodetic{Lat: 0.5, Lon: 0.5, Height: 0})
	// straight up along the ellipsoid normal
	up := r3.Vector{X: math.Cos(0.5) * math.Cos(0.5), Y: math.Cos(0.5) * math.Sin(0.5), Z: math.Sin(0.5)}
	overhead := anchor.Add(up.Mul(2e7))
	_, el := SatAzEl(anchor, overhead)
	test.That(t, el, test.ShouldAlmostEqual, math.Pi/2, 1e-6)
}

func TestKeplerCircularOrbitRadius(t *testing.T) {
	// zero eccentricity, no harmonics: the orbit radius equals the semi-major
	// axis at any epoch
	eph := &KeplerEphem{
		Sat:   SatID(7),
		Toe:   100000,
		Toc:   100000,
		SqrtA: math.Sqrt(26560e3),
	}
	for _, dt := range []float64{0, 100, 1000} {
		pos, _, _, _ := eph.SatState(eph.Toe + Time(dt))
		test.That(t, pos.Norm(), test.ShouldAlmostEqual, 26560e3, 1)
	}
}

func TestKeplerVelocityConsistent(t *testing.T) {
	eph := &KeplerEphem{
		Sat:   SatID(3),
		Toe:   200000,
		Toc:   200000,
		SqrtA: math.Sqrt(26560e3),
		Ecc:   0.01,
		I0:    0.96,
		M0:    0.5,
	}
	t0 := eph.Toe + 10
	pos0, vel, _, _ := eph.SatState(t0)
	pos1, _, _, _ := eph.SatState(t0 + 1)
	numVel := pos1.Sub(pos0)
	test.That(t, vel.X, test.ShouldAlmostEqual, numVel.X, 10)
	test.That(t, vel.Y, test.ShouldAlmostEqual, numVel.Y, 10)
	test.That(t, vel.Z, test.ShouldAlmostEqual, numVel.Z, 10)
	// orbital speed of a GPS-like orbit is a few km/s
	test.That(t, vel.Norm(), test.ShouldBeBetween, 1000.0, 5000.0)
}

// staticEphem pins a satellite to a fixed ECEF location with a zero clock;
// good enough to exercise the WLS geometry.
type staticEphem struct {
	sat SatID
	pos r3.Vector
}

func (s *staticEphem) SatID() SatID        { return s.sat }
func (s *staticEphem) ReferenceTime() Time { return 0 }
func (s *staticEphem) FreqChannel() int    { return 0 }
func (s *staticEphem) SatState(Time) (r3.Vector, r3.Vector, float64, float64) {
	return s.pos, r3.Vector{}, 0, 0
}

func syntheticEpoch(tb testing.TB, rcv r3.Vector, clockBias float64) []SatMeas {
	tb.Helper()
	var meas []SatMeas
	dirs := []r3.Vector{
		{X: 0.5, Y: 0.5, Z: 0.7},
		{X: -0.5, Y: 0.4, Z: 0.76},
		{X: 0.2, Y: -0.6, Z: 0.77},
		{X: -0.3, Y: -0.3, Z: 0.9},
		{X: 0.9, Y: 0.1, Z: 0.42},
		{X: 0.1, Y: 0.9, Z: 0.42},
	}
	up := rcv.Normalize()
	for i, d := range dirs {
		// scatter satellites 22000 km away, roughly above the horizon
		dir := d.Add(up.Mul(1.2)).Normalize()
		satPos := rcv.Add(dir.Mul(2.2e7))
		rng := satPos.Sub(rcv).Norm()
		sagnac := EarthOmg / CLight * (satPos.X*rcv.Y - satPos.Y*rcv.X)
		az, el := SatAzEl(rcv, satPos)
		atmos := KlobucharIono(500000, [8]float64{}, rcv, az, el) + SaastamoinenTropo(rcv, el)
		obs := &Obs{
			Time:    500000,
			Sat:     SatID(i + 1),
			Freqs:   []float64{FreqGPSL1},
			Psr:     []float64{rng + sagnac + atmos + clockBias},
			PsrStd:  []float64{1},
			Dopp:    []float64{0},
			DoppStd: []float64{1},
			CN0:     []float64{45},
		}
		meas = append(meas, SatMeas{Obs: obs, Eph: &staticEphem{sat: obs.Sat, pos: satPos}})
	}
	return meas
}

func TestCoarsePositionRecoversReceiver(t *testing.T) {
	rcv := GeodeticToEcef(Geodetic{Lat: 0.65, Lon: 1.95, Height: 120})
	const bias = 120.5
	epoch := syntheticEpoch(t, rcv, bias)

	x, err := CoarsePosition([][]SatMeas{epoch}, [8]float64{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldAlmostEqual, rcv.X, 2)
	test.That(t, x[1], test.ShouldAlmostEqual, rcv.Y, 2)
	test.That(t, x[2], test.ShouldAlmostEqual, rcv.Z, 2)
	test.That(t, x[3], test.ShouldAlmostEqual, bias, 2)
}

func TestCoarsePositionNeedsEnoughSats(t *testing.T) {
	rcv := GeodeticToEcef(Geodetic{Lat: 0.65, Lon: 1.95, Height: 120})
	epoch := syntheticEpoch(t, rcv, 0)[:3]
	_, err := CoarsePosition([][]SatMeas{epoch}, [8]float64{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestL1Index(t *testing.T) {
	obs := &Obs{
		Sat:   SatID(1),
		Freqs: []float64{1.22760e9, FreqGPSL1},
	}
	test.That(t, obs.L1Index(), test.ShouldEqual, 1)
	none := &Obs{Sat: SatID(1), Freqs: []float64{1.22760e9}}
	test.That(t, none.L1Index(), test.ShouldEqual, -1)
}
