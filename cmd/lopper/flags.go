package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/model"
)

var (
	modelPath     string
	deviceMapPath string
	defaultDevice string
	statusAddr    string
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a Hugging Face safetensors checkpoint directory",
			Required:    true,
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "device-map",
			Usage:       "path to a device_map.json placing blocks on devices",
			Destination: &deviceMapPath,
		},
		&cli.StringFlag{
			Name:        "default-device",
			Usage:       "device for blocks the device map does not name",
			Value:       string(model.CPU),
			Destination: &defaultDevice,
		},
	}
}

func statusFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve /healthz, /v1/progress and /metrics on this address while running",
			Destination: &statusAddr,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging builds the logger from the logging flags and stores it in
// the returned context.
func setupLogging(ctx context.Context) (context.Context, logger.Logger, error) {
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Setup(os.Stderr, logger.Options{Level: level, Format: logger.Format(logFormat)})
	if err != nil {
		return ctx, nil, cli.Exit(err.Error(), 2)
	}
	return logger.WithContext(ctx, log), log, nil
}

// openModel loads the checkpoint named by the model flags.
func openModel(seqLen int) (*model.Model, error) {
	opts := model.OpenOptions{DefaultDevice: model.Device(defaultDevice), SeqLen: seqLen}
	if deviceMapPath != "" {
		dm, err := model.LoadDeviceMap(deviceMapPath)
		if err != nil {
			return nil, err
		}
		opts.DeviceMap = dm
	}
	return model.Open(modelPath, opts)
}
