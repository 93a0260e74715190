package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestDefaultIsValid(t *testing.T) {
	test.That(t, Default().Validate(), test.ShouldBeNil)
}

func TestValidateRejectsNoSensors(t *testing.T) {
	cfg := Default()
	cfg.UseIMU = false
	cfg.Stereo = false
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestValidateRejectsBadWindow(t *testing.T) {
	cfg := Default()
	cfg.WindowSize = 1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestValidateRejectsStereoWithOneCamera(t *testing.T) {
	cfg := Default()
	cfg.Stereo = true
	cfg.NumCameras = 1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestReadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "estimator.json")
	test.That(t, os.WriteFile(path, []byte(`{"window_size": 8, "gnss_enable": true}`), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.WindowSize, test.ShouldEqual, 8)
	test.That(t, cfg.GNSSEnable, test.ShouldBeTrue)
	// untouched fields keep defaults
	test.That(t, cfg.FocalLength, test.ShouldEqual, 460)
	test.That(t, cfg.NumIterations, test.ShouldEqual, 8)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGravity(t *testing.T) {
	g := Default().Gravity()
	test.That(t, g.Z, test.ShouldAlmostEqual, 9.81)
	test.That(t, g.X, test.ShouldEqual, 0)
}
