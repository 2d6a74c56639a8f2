package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/urfave/cli"
)

// call runs a request against the node and prints the response.
func call(ctx *cli.Context, method, path string, body any) error {
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, err := getClient(ctx).do(reqCtx, method, path, body)
	if err != nil {
		return err
	}

	return printJSON(os.Stdout, resp)
}

// argOrFlag returns the named flag, falling back to the next positional
// argument.
func argOrFlag(ctx *cli.Context, name string, args *cli.Args) (string,
	error) {

	if ctx.IsSet(name) {
		return ctx.String(name), nil
	}
	if args.Present() {
		v := args.First()
		*args = args.Tail()

		return v, nil
	}

	return "", fmt.Errorf("%s argument missing", name)
}

// int64ArgOrFlag is argOrFlag for integers.
func int64ArgOrFlag(ctx *cli.Context, name string, args *cli.Args) (int64,
	error) {

	if ctx.IsSet(name) {
		return ctx.Int64(name), nil
	}

	v, err := argOrFlag(ctx, name, args)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to decode %s: %w", name, err)
	}

	return n, nil
}

var getInfoCommand = cli.Command{
	Name:     "getinfo",
	Category: "Node",
	Usage:    "Returns basic information related to the active node.",
	Action:   getInfo,
}

func getInfo(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/node", nil)
}

var listChannelsCommand = cli.Command{
	Name:     "listchannels",
	Category: "Channels",
	Usage:    "List all channels of the node.",
	Action:   listChannels,
}

func listChannels(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/channels", nil)
}

var openChannelCommand = cli.Command{
	Name:     "openchannel",
	Category: "Channels",
	Usage:    "Open a channel to a peer.",
	Description: `
	Connect to the peer given as pubkey@host:port and open a channel of
	amount_sats. The optional push_msat is handed to the peer in the
	first commitment. A maker first waits for its wallet to hold enough
	funds.

	The id of the pending channel is returned, the channel becomes usable
	once the funding transaction confirmed.`,
	ArgsUsage: "peer amount_sats [push_msat]",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "peer",
			Usage: "the peer as pubkey@host:port",
		},
		cli.Int64Flag{
			Name:  "amount_sats",
			Usage: "the capacity of the channel in satoshis",
		},
		cli.Int64Flag{
			Name:  "push_msat",
			Usage: "the amount given to the peer in millisatoshis",
		},
	},
	Action: openChannel,
}

func openChannel(ctx *cli.Context) error {
	args := ctx.Args()

	peer, err := argOrFlag(ctx, "peer", &args)
	if err != nil {
		return err
	}
	amt, err := int64ArgOrFlag(ctx, "amount_sats", &args)
	if err != nil {
		return err
	}

	var push int64
	if ctx.IsSet("push_msat") || args.Present() {
		push, err = int64ArgOrFlag(ctx, "push_msat", &args)
		if err != nil {
			return err
		}
	}

	return call(ctx, http.MethodPost, "/channels", map[string]any{
		"peer":        peer,
		"amount_sats": amt,
		"push_msat":   push,
	})
}

var closeChannelCommand = cli.Command{
	Name:     "closechannel",
	Category: "Channels",
	Usage:    "Close an existing channel.",
	Description: `
	Close the channel with the given id. Without --force the close is
	negotiated with the peer, which must be online and the channel idle.
	With --force our latest commitment is broadcast.`,
	ArgsUsage: "chan_id",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "chan_id",
			Usage: "the hex encoded id of the channel",
		},
		cli.BoolFlag{
			Name:  "force",
			Usage: "broadcast our commitment instead of negotiating",
		},
	},
	Action: closeChannel,
}

func closeChannel(ctx *cli.Context) error {
	args := ctx.Args()

	chanID, err := argOrFlag(ctx, "chan_id", &args)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/channels/%s?force=%t", url.PathEscape(chanID),
		ctx.Bool("force"))

	return call(ctx, http.MethodDelete, path, nil)
}

var walletCommand = cli.Command{
	Name:     "wallet",
	Category: "On-chain",
	Usage:    "Show the balance, an unused address and the history of the wallet.",
	Action:   wallet,
}

func wallet(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/wallet", nil)
}

var sendCoinsCommand = cli.Command{
	Name:      "sendcoins",
	Category:  "On-chain",
	Usage:     "Send bitcoin on-chain to an address.",
	ArgsUsage: "address amount_sats",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "address",
			Usage: "the address to send to",
		},
		cli.Int64Flag{
			Name:  "amount_sats",
			Usage: "the amount to send in satoshis",
		},
	},
	Action: sendCoins,
}

func sendCoins(ctx *cli.Context) error {
	args := ctx.Args()

	addr, err := argOrFlag(ctx, "address", &args)
	if err != nil {
		return err
	}
	amt, err := int64ArgOrFlag(ctx, "amount_sats", &args)
	if err != nil {
		return err
	}

	return call(ctx, http.MethodPost, "/send", map[string]any{
		"address":     addr,
		"amount_sats": amt,
	})
}

var faucetCommand = cli.Command{
	Name:      "faucet",
	Category:  "On-chain",
	Usage:     "Ask a maker to pay a small amount to an address.",
	ArgsUsage: "address",
	Action:    faucet,
}

func faucet(ctx *cli.Context) error {
	args := ctx.Args()
	if !args.Present() {
		return cli.ShowCommandHelp(ctx, "faucet")
	}

	return call(ctx, http.MethodGet, "/faucet/"+url.PathEscape(args.First()),
		nil)
}

var addInvoiceCommand = cli.Command{
	Name:     "addinvoice",
	Category: "Payments",
	Usage:    "Add a new invoice.",
	Description: `
	Create an invoice payable over the channel with the node. An invoice
	without an amount accepts any amount.`,
	ArgsUsage: "[amount_msat]",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "amount_msat",
			Usage: "the amount of the invoice in millisatoshis",
		},
		cli.StringFlag{
			Name:  "description",
			Usage: "the description of the invoice",
		},
		cli.Int64Flag{
			Name:  "expiry_secs",
			Usage: "the number of seconds the invoice is valid for",
		},
	},
	Action: addInvoice,
}

func addInvoice(ctx *cli.Context) error {
	args := ctx.Args()

	req := map[string]any{
		"description": ctx.String("description"),
	}
	if ctx.IsSet("amount_msat") || args.Present() {
		amt, err := int64ArgOrFlag(ctx, "amount_msat", &args)
		if err != nil {
			return err
		}
		req["amount_msat"] = amt
	}
	if ctx.IsSet("expiry_secs") {
		req["expiry_secs"] = ctx.Int64("expiry_secs")
	}

	return call(ctx, http.MethodPost, "/invoice", req)
}

var payInvoiceCommand = cli.Command{
	Name:      "payinvoice",
	Category:  "Payments",
	Usage:     "Pay an invoice over the channel.",
	ArgsUsage: "invoice",
	Action:    payInvoice,
}

func payInvoice(ctx *cli.Context) error {
	args := ctx.Args()
	if !args.Present() {
		return cli.ShowCommandHelp(ctx, "payinvoice")
	}

	return call(ctx, http.MethodPost, "/invoice/pay", map[string]string{
		"invoice": args.First(),
	})
}

var listPaymentsCommand = cli.Command{
	Name:     "listpayments",
	Category: "Payments",
	Usage:    "List all inbound and outbound payments.",
	Action:   listPayments,
}

func listPayments(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/payments", nil)
}

var offerCommand = cli.Command{
	Name:     "offer",
	Category: "Trading",
	Usage:    "Show the current offer of the maker.",
	Action:   offer,
}

func offer(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/offer", nil)
}

var getSpreadCommand = cli.Command{
	Name:     "getspread",
	Category: "Trading",
	Usage:    "Show the spread of a maker.",
	Action:   getSpread,
}

func getSpread(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/spread", nil)
}

var setSpreadCommand = cli.Command{
	Name:      "setspread",
	Category:  "Trading",
	Usage:     "Set the spread of a maker in per mille.",
	ArgsUsage: "per_mille",
	Action:    setSpread,
}

func setSpread(ctx *cli.Context) error {
	args := ctx.Args()
	if !args.Present() {
		return cli.ShowCommandHelp(ctx, "setspread")
	}

	perMille, err := strconv.ParseInt(args.First(), 10, 32)
	if err != nil {
		return fmt.Errorf("unable to decode per_mille: %w", err)
	}

	return call(ctx, http.MethodPut, fmt.Sprintf("/spread/%d", perMille),
		nil)
}

var listCfdsCommand = cli.Command{
	Name:     "listcfds",
	Category: "Trading",
	Usage:    "List all cfds of a taker.",
	Action:   listCfds,
}

func listCfds(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/cfds", nil)
}

var openCfdCommand = cli.Command{
	Name:     "opencfd",
	Category: "Trading",
	Usage:    "Open a cfd with the maker.",
	Description: `
	Open a long or short position of quantity contracts at the given
	leverage. Without --open_price the position opens at the maker's
	current offer, longs at the ask and shorts at the bid.`,
	ArgsUsage: "position quantity [leverage]",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "position",
			Usage: "long or short",
		},
		cli.Int64Flag{
			Name:  "quantity",
			Usage: "the number of contracts",
		},
		cli.Int64Flag{
			Name:  "leverage",
			Value: 1,
			Usage: "the leverage of the taker, 1 or 2",
		},
		cli.StringFlag{
			Name:  "open_price",
			Usage: "(optional) the price to open at",
		},
	},
	Action: openCfd,
}

func openCfd(ctx *cli.Context) error {
	args := ctx.Args()

	position, err := argOrFlag(ctx, "position", &args)
	if err != nil {
		return err
	}
	quantity, err := int64ArgOrFlag(ctx, "quantity", &args)
	if err != nil {
		return err
	}

	leverage := ctx.Int64("leverage")
	if !ctx.IsSet("leverage") && args.Present() {
		leverage, err = int64ArgOrFlag(ctx, "leverage", &args)
		if err != nil {
			return err
		}
	}

	req := map[string]any{
		"position": position,
		"quantity": quantity,
		"leverage": leverage,
	}
	if ctx.IsSet("open_price") {
		req["open_price"] = json.Number(ctx.String("open_price"))
	}

	return call(ctx, http.MethodPost, "/cfds", req)
}

var settleCfdCommand = cli.Command{
	Name:      "settlecfd",
	Category:  "Trading",
	Usage:     "Settle an open cfd at the maker's current offer.",
	ArgsUsage: "id",
	Action:    settleCfd,
}

func settleCfd(ctx *cli.Context) error {
	args := ctx.Args()
	if !args.Present() {
		return cli.ShowCommandHelp(ctx, "settlecfd")
	}

	id, err := strconv.ParseInt(args.First(), 10, 64)
	if err != nil {
		return fmt.Errorf("unable to decode id: %w", err)
	}

	return call(ctx, http.MethodPost, fmt.Sprintf("/cfds/%d/settle", id),
		nil)
}
