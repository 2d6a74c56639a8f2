package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cfdlabs/cfdnode/build"
	"github.com/urfave/cli"
)

const (
	defaultAPIServer = "http://127.0.0.1:8000"
	defaultTimeout   = 30 * time.Second
)

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[cfdcli] %v\n", err)
	os.Exit(1)
}

// getClient returns a client of the API selected by the global flags.
func getClient(ctx *cli.Context) *apiClient {
	return newAPIClient(
		ctx.GlobalString("apiserver"), ctx.GlobalDuration("timeout"),
	)
}

func main() {
	app := cli.NewApp()
	app.Name = "cfdcli"
	app.Version = build.Version()
	app.Usage = "control plane for your cfd node (cfdnode)"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "apiserver",
			Value:  defaultAPIServer,
			Usage:  "The base URL of the HTTP API of the node.",
			EnvVar: "CFDCLI_APISERVER",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: defaultTimeout,
			Usage: "The timeout of a single request.",
		},
	}
	app.Commands = []cli.Command{
		getInfoCommand,
		listChannelsCommand,
		openChannelCommand,
		closeChannelCommand,
		walletCommand,
		sendCoinsCommand,
		faucetCommand,
		addInvoiceCommand,
		payInvoiceCommand,
		listPaymentsCommand,
		offerCommand,
		getSpreadCommand,
		setSpreadCommand,
		listCfdsCommand,
		openCfdCommand,
		settleCfdCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
