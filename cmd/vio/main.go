// Command vio runs the sliding-window visual-inertial-GNSS estimator with
// the given configuration. Sensor wiring (drivers, transports) is left to
// the embedding application; this entry point validates the configuration,
// brings the estimator up and waits for shutdown.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Leap-Photonoics/VINS-Fusion/config"
	"github.com/Leap-Photonoics/VINS-Fusion/logging"
	"github.com/Leap-Photonoics/VINS-Fusion/vio"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var (
		configPath = flag.String("config", "", "path to the estimator configuration file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := logging.NewLogger("vio")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	if *configPath == "" {
		logger.Error("no configuration file given, use -config")
		return 1
	}
	cfg, err := config.Read(*configPath)
	if err != nil {
		logger.Errorw("cannot load configuration", "error", err)
		return 1
	}

	estimator, err := vio.NewEstimator(cfg, vio.NopPublisher{}, nil, logger)
	if err != nil {
		logger.Errorw("cannot build estimator", "error", err)
		return 1
	}
	defer estimator.Close()

	logger.Infow("estimator running", "window", cfg.WindowSize,
		"imu", cfg.UseIMU, "stereo", cfg.Stereo,
		"encoder", cfg.EncoderEnable, "gnss", cfg.GNSSEnable)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return 0
}
