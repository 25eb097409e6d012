package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/tdx-cvm-manager/cmd/flags"
	"github.com/ruteri/tdx-cvm-manager/config"
	"github.com/ruteri/tdx-cvm-manager/provisioner"
	"github.com/urfave/cli/v2"
)

var newCommand = &cli.Command{
	Name:      "new",
	Usage:     "create an instance directory from a docker compose file",
	ArgsUsage: "<compose-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dir", Aliases: []string{"o"}, Usage: "instance directory (default: $RUN_PATH/<uuid>)"},
		&cli.StringFlag{Name: "image", Usage: "image name or image directory path"},
		&cli.IntFlag{Name: "vcpus", Value: 1, Usage: "number of vCPUs"},
		&cli.StringFlag{Name: "memory", Value: "2G", Usage: "guest memory (M, G or T suffix)"},
		&cli.StringFlag{Name: "disk", Value: "20G", Usage: "data disk size (M, G or T suffix)"},
		&cli.StringSliceFlag{Name: "gpu", Usage: "GPU PCI slot to attach, or 'all'"},
		&cli.StringSliceFlag{Name: "port", Usage: "port forward: <tcp|udp>:[<address>:]<host-port>:<guest-port>"},
		&cli.BoolFlag{Name: "local-key-provider", Aliases: []string{"lkp"}, Usage: "let the guest use the host-local key provider"},
		&cli.BoolFlag{Name: "pin-numa", Usage: "pin the hypervisor to the CPUs of the GPUs' NUMA node"},
		&cli.BoolFlag{Name: "hugepages", Usage: "back guest memory with hugepages"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		if cCtx.NArg() != 1 {
			return errors.New("expected exactly one compose file")
		}

		cfg, err := config.LoadDefault(logger)
		if err != nil {
			return err
		}
		runPath, err := config.RunPath()
		if err != nil {
			return err
		}

		p := provisioner.New(runPath, cfg, logger)
		m, err := p.Setup(provisioner.Request{
			WorkDir:          cCtx.String("dir"),
			ComposeFile:      cCtx.Args().First(),
			Image:            cCtx.String("image"),
			VCPUs:            cCtx.Int("vcpus"),
			Memory:           cCtx.String("memory"),
			Disk:             cCtx.String("disk"),
			GPUs:             cCtx.StringSlice("gpu"),
			Ports:            cCtx.StringSlice("port"),
			LocalKeyProvider: cCtx.Bool("local-key-provider"),
			PinNUMA:          cCtx.Bool("pin-numa"),
			Hugepages:        cCtx.Bool("hugepages"),
		})
		if err != nil {
			return err
		}

		logger.Info("Created instance", "id", m.ID, "vcpus", m.VCPU,
			"memory", humanize.IBytes(uint64(m.MemoryMiB)<<20), "disk", humanize.IBytes(uint64(m.DiskSizeGiB)<<30))
		fmt.Fprintln(cCtx.App.Writer, m.ID)
		return nil
	},
}
