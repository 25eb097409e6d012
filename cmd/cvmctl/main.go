package main

import (
	"log"
	"os"

	"github.com/ruteri/tdx-cvm-manager/cmd/flags"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "cvmctl",
		Usage: "Provision and run TDX confidential VMs",
		Flags: append([]cli.Flag{flags.LogServiceFlagFn("cvmctl")}, flags.CommonFlags...),
		Commands: []*cli.Command{
			newCommand,
			runCommand,
			serveCommand,
			lsgpuCommand,
			tagVFIOCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
