package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tdx-cvm-manager/cmd/flags"
	"github.com/ruteri/tdx-cvm-manager/common"
	"github.com/ruteri/tdx-cvm-manager/config"
	"github.com/ruteri/tdx-cvm-manager/hostapi"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/keyprovider"
	"github.com/ruteri/tdx-cvm-manager/launcher"
	"github.com/ruteri/tdx-cvm-manager/metrics"
	"github.com/ruteri/tdx-cvm-manager/storage"
	"github.com/ruteri/tdx-cvm-manager/topology"
	"github.com/urfave/cli/v2"
)

var kpPortFlag = &cli.IntFlag{
	Name:  "kp-port",
	Value: 3443,
	Usage: "port of the key provider on 127.0.0.1",
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "boot an instance with its sealing-key broker",
	ArgsUsage: "<dir>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "imgdir", Value: "./images", Usage: "directory holding images referenced by name"},
		kpPortFlag,
		&cli.BoolFlag{Name: "dry-run", Usage: "print the hypervisor command instead of running it"},
		flags.MetricsAddrFlag,
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		workDir, err := instanceDirArg(cCtx)
		if err != nil {
			return err
		}
		cfg, err := config.LoadDefault(logger)
		if err != nil {
			return err
		}

		m := metrics.NewMetrics(common.PackageName)
		stopMetrics := flags.StartMetrics(cCtx, logger, m)
		defer shutdownWithin(5*time.Second, stopMetrics)

		broker := newBroker(logger, m, workDir, cCtx.Int(kpPortFlag.Name))
		l := launcher.New(launcher.Config{
			QEMUPath:    cfg.QEMU.Path,
			QEMUImgPath: cfg.QEMU.ImgPath,
		}, topology.NewResolver(topology.NewSysfsHardware(), logger), launcher.NewForegroundRunner(), logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		imgDir := cCtx.String("imgdir")
		dryRun := cCtx.Bool("dry-run")
		return launcher.RunWithBroker(ctx, broker, func(ctx context.Context, port int) error {
			return l.Launch(ctx, workDir, port, imgDir, dryRun)
		})
	},
}

var serveCommand = &cli.Command{
	Name:      "serve",
	Usage:     "run only the sealing-key broker for an instance",
	ArgsUsage: "<dir>",
	Flags:     []cli.Flag{kpPortFlag, flags.MetricsAddrFlag},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		workDir, err := instanceDirArg(cCtx)
		if err != nil {
			return err
		}

		m := metrics.NewMetrics(common.PackageName)
		stopMetrics := flags.StartMetrics(cCtx, logger, m)
		defer shutdownWithin(5*time.Second, stopMetrics)

		broker := newBroker(logger, m, workDir, cCtx.Int(kpPortFlag.Name))
		port, err := broker.Start()
		if err != nil {
			return err
		}

		if err := storage.NewInstanceDir(workDir, logger).SyncGuestConfig(port, nil); err != nil {
			broker.Shutdown(context.Background())
			return err
		}

		go broker.Serve()

		exit := make(chan os.Signal, 1)
		signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
		<-exit
		logger.Info("Shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), broker.ShutdownTimeout())
		defer cancel()
		return broker.Shutdown(ctx)
	},
}

func instanceDirArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() != 1 {
		return "", errors.New("expected exactly one instance directory")
	}
	dir := cCtx.Args().First()
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: instance directory %s", interfaces.ErrNotFound, dir)
	}
	return dir, nil
}

func newBroker(logger *slog.Logger, m *metrics.Metrics, workDir string, kpPort int) *hostapi.Server {
	kpAddr := fmt.Sprintf("127.0.0.1:%d", kpPort)
	cfg := hostapi.ServerConfig{
		InstanceDir:     workDir,
		KeyProviderAddr: kpAddr,
		ListenAddr:      hostapi.DefaultListenAddr,
		MaxBodySize:     hostapi.DefaultMaxBodySize,
		ProviderTimeout: 30 * time.Second,
		Log:             logger,
		Metrics:         m,
	}
	return hostapi.New(cfg, keyprovider.NewClient(kpAddr, cfg.ProviderTimeout))
}

func shutdownWithin(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	fn(ctx)
}
