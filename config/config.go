// Package config defines the estimator configuration and its JSON reader.
package config

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Leap-Photonoics/VINS-Fusion/spatialmath"
)

// Extrinsic is a camera-to-body transform.
type Extrinsic struct {
	// Translation is the camera origin in the body frame, meters.
	Translation [3]float64 `json:"translation"`
	// Rotation is the camera-to-body rotation, row-major.
	Rotation [9]float64 `json:"rotation"`
}

// T returns the translation as a vector.
func (e Extrinsic) T() r3.Vector {
	return r3.Vector{X: e.Translation[0], Y: e.Translation[1], Z: e.Translation[2]}
}

// R returns the rotation as a matrix.
func (e Extrinsic) R() spatialmath.RotationMatrix {
	return spatialmath.RotationMatrix(e.Rotation)
}

// Config carries every recognized estimator option. Values are read once at
// startup and treated as immutable afterwards.
type Config struct {
	WindowSize int `json:"window_size"`
	NumCameras int `json:"num_cameras"`

	UseIMU        bool `json:"use_imu"`
	Stereo        bool `json:"stereo"`
	EncoderEnable bool `json:"encoder_enable"`
	GNSSEnable    bool `json:"gnss_enable"`

	// EstimateExtrinsic: 0 fixed, 1 online refine, 2 online calibrate.
	EstimateExtrinsic int  `json:"estimate_extrinsic"`
	EstimateTD        bool `json:"estimate_td"`

	NumIterations  int     `json:"max_num_iterations"`
	SolverTime     float64 `json:"max_solver_time"` // seconds
	MultipleThread bool    `json:"multiple_thread"`

	FocalLength float64     `json:"focal_length"`
	MinParallax float64     `json:"keyframe_parallax"` // pixels
	InitDepth   float64     `json:"init_depth"`
	GNorm       float64     `json:"g_norm"`
	TD          float64     `json:"td"`
	Extrinsics  []Extrinsic `json:"body_T_cam"`
	WheelLeft   [3]float64  `json:"body_t_wheel_left"`
	WheelRight  [3]float64  `json:"body_t_wheel_right"`

	// IMU and encoder noise densities.
	AccN float64 `json:"acc_n"`
	AccW float64 `json:"acc_w"`
	GyrN float64 `json:"gyr_n"`
	GyrW float64 `json:"gyr_w"`
	EncN float64 `json:"enc_n"`

	// GNSS gating.
	GNSSPsrStdThres    float64    `json:"gnss_psr_std_threshold"`
	GNSSDoppStdThres   float64    `json:"gnss_dopp_std_threshold"`
	GNSSTrackNumThres  int        `json:"gnss_track_num_threshold"`
	GNSSElevationThres float64    `json:"gnss_elevation_threshold"` // degrees
	GNSSDdtWeight      float64    `json:"gnss_ddt_weight"`
	EphValidSeconds    float64    `json:"gnss_ephem_valid_seconds"`
	GNSSIonoDefault    [8]float64 `json:"gnss_iono_default_parameters"`
	GNSSLocalTimeDiff  float64    `json:"gnss_local_time_diff"`

	EnableFailureDetection bool `json:"enable_failure_detection"`
}

// Default returns the configuration used when an option is absent.
func Default() Config {
	return Config{
		WindowSize:         10,
		NumCameras:         1,
		UseIMU:             true,
		NumIterations:      8,
		SolverTime:         0.04,
		MultipleThread:     true,
		FocalLength:        460,
		MinParallax:        10,
		InitDepth:          5,
		GNorm:              9.81,
		Extrinsics:         []Extrinsic{{Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}},
		AccN:               0.1,
		AccW:               0.001,
		GyrN:               0.01,
		GyrW:               0.0001,
		EncN:               0.1,
		GNSSPsrStdThres:    10,
		GNSSDoppStdThres:   10,
		GNSSTrackNumThres:  20,
		GNSSElevationThres: 30,
		GNSSDdtWeight:      10,
		EphValidSeconds:    7200,
		GNSSIonoDefault: [8]float64{
			0.1118e-07, 0.2235e-07, -0.4172e-06, 0.6557e-06,
			0.1249e+06, -0.4424e+06, 0.1507e+07, -0.2621e+06,
		},
	}
}

// Read loads a configuration file, applying defaults for absent fields.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "cannot read config %q", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

// Gravity returns the configured gravity vector in the world frame.
func (cfg Config) Gravity() r3.Vector {
	return r3.Vector{Z: cfg.GNorm}
}

// Validate checks the configuration for structural errors.
func (cfg Config) Validate() error {
	var err error
	if cfg.WindowSize < 2 {
		err = multierr.Append(err, errors.Errorf("window_size must be at least 2, got %d", cfg.WindowSize))
	}
	if cfg.NumCameras != 1 && cfg.NumCameras != 2 {
		err = multierr.Append(err, errors.Errorf("num_cameras must be 1 or 2, got %d", cfg.NumCameras))
	}
	if !cfg.UseIMU && !cfg.Stereo {
		err = multierr.Append(err, errors.New("at least one of use_imu and stereo must be enabled"))
	}
	if cfg.Stereo && cfg.NumCameras != 2 {
		err = multierr.Append(err, errors.New("stereo requires num_cameras == 2"))
	}
	if len(cfg.Extrinsics) < cfg.NumCameras {
		err = multierr.Append(err, errors.Errorf("need %d camera extrinsics, got %d", cfg.NumCameras, len(cfg.Extrinsics)))
	}
	if cfg.EstimateExtrinsic < 0 || cfg.EstimateExtrinsic > 2 {
		err = multierr.Append(err, errors.Errorf("estimate_extrinsic must be 0, 1 or 2, got %d", cfg.EstimateExtrinsic))
	}
	if cfg.NumIterations <= 0 {
		err = multierr.Append(err, errors.Errorf("max_num_iterations must be positive, got %d", cfg.NumIterations))
	}
	if cfg.SolverTime <= 0 {
		err = multierr.Append(err, errors.Errorf("max_solver_time must be positive, got %f", cfg.SolverTime))
	}
	if cfg.GNorm <= 0 {
		err = multierr.Append(err, errors.Errorf("g_norm must be positive, got %f", cfg.GNorm))
	}
	if cfg.EncoderEnable && !cfg.UseIMU {
		err = multierr.Append(err, errors.New("encoder_enable requires use_imu"))
	}
	for i, ex := range cfg.Extrinsics {
		r := ex.R()
		if d := r.Det(); d < 0.99 || d > 1.01 {
			err = multierr.Append(err, errors.Errorf("camera %d rotation is not orthonormal (det %f)", i, d))
		}
	}
	return err
}
