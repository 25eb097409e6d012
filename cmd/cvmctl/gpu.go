package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/ruteri/tdx-cvm-manager/cmd/flags"
	"github.com/ruteri/tdx-cvm-manager/topology"
	"github.com/urfave/cli/v2"
)

var lsgpuCommand = &cli.Command{
	Name:  "lsgpu",
	Usage: "list NVIDIA GPUs with their NUMA node and driver state",
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		resolver := topology.NewResolver(topology.NewSysfsHardware(), logger)

		gpus, err := resolver.ListGPUs()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tNUMA\tIN USE\tDESCRIPTION")
		for _, g := range gpus {
			inUse := "no"
			if g.InUse {
				inUse = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.Slot, g.Node, inUse, g.Description)
		}
		return w.Flush()
	},
}

var tagVFIOCommand = &cli.Command{
	Name:  "tag-vfio",
	Usage: "bind NVIDIA GPUs and NVSwitches to vfio-pci",
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		return topology.NewResolver(topology.NewSysfsHardware(), logger).TagVFIO()
	},
}
