package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	toybox "github.com/make-toys/toybox-go"
)

const ToyBoxCtlVersion = "0.1.0"

// polling cadence for watch: fast while a print runs, slow when idle
const activeInterval = 30 * time.Second
const idleInterval = 5 * time.Minute

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `ToyBox control.

Debug and inspection tool for the make.toys ddp backend.

Usage:
    toyboxctl status [--url=<url>] [--email=<email>] [--password=<password>]
        [--printer=<printer_id>] [-v...]
    toyboxctl watch [--url=<url>] [--email=<email>] [--password=<password>]
        [--printer=<printer_id>] [-v...]
    toyboxctl dump [--url=<url>] [--email=<email>] [--password=<password>] [-v...]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --url=<url>             DDP endpoint [default: wss://www.make.toys/websocket]
    --email=<email>         Account email or username (or TOYBOX_EMAIL).
    --password=<password>   Account password (or TOYBOX_PASSWORD; prompted when absent).
    --printer=<printer_id>  Printer to inspect (discovered from the account when absent).
    -v                      Verbose logging; repeat for frame-level trace.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ToyBoxCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if dump_, _ := opts.Bool("dump"); dump_ {
		dump(opts)
	}
}

func initGlog(opts docopt.Opts) {
	verbosity := 0
	if v, err := opts.Int("-v"); err == nil {
		verbosity = v
	}
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", verbosity))
	flag.Parse()
}

// connect, authenticate and subscribe; returns the client, the printer id to
// inspect, and a cleanup function
func setup(opts docopt.Opts) (*toybox.Client, string, func()) {
	url, _ := opts.String("--url")
	email := stringOpt(opts, "--email", "TOYBOX_EMAIL")
	password := stringOpt(opts, "--password", "TOYBOX_PASSWORD")

	if email == "" {
		Err.Fatalf("Missing email (--email or TOYBOX_EMAIL).")
	}
	if password == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", email)
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			Err.Fatalf("Cannot read password (%s).", err)
		}
		password = string(passwordBytes)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())

	settings := toybox.DefaultClientSettings()
	settings.Url = url
	client := toybox.NewClient(cancelCtx, settings)
	closeAll := func() {
		client.Close()
		cancel()
	}

	if err := client.Connect(cancelCtx); err != nil {
		closeAll()
		Err.Fatalf("Cannot connect (%s).", err)
	}
	if err := client.Authenticate(cancelCtx, email, password); err != nil {
		closeAll()
		Err.Fatalf("Cannot authenticate (%s).", err)
	}

	printerId, _ := opts.String("--printer")
	if printerId == "" {
		printerIds := client.DiscoverPrinterIds()
		if len(printerIds) == 0 {
			closeAll()
			Err.Fatalf("No printers on this account; pass --printer.")
		}
		printerId = printerIds[0]
	}

	if err := client.SubscribeToPrinterData(cancelCtx, []string{printerId}); err != nil {
		closeAll()
		Err.Fatalf("Cannot subscribe (%s).", err)
	}

	return client, printerId, closeAll
}

func status(opts docopt.Opts) {
	client, printerId, closeAll := setup(opts)
	defer closeAll()

	printStatus(client, printerId)
}

func watch(opts docopt.Opts) {
	client, printerId, closeAll := setup(opts)
	defer closeAll()

	for {
		printing := printStatus(client, printerId)
		interval := idleInterval
		if printing {
			interval = activeInterval
		}
		Out.Printf("(next poll in %s)\n", interval)
		time.Sleep(interval)
	}
}

func printStatus(client *toybox.Client, printerId string) bool {
	data, err := client.GetAllData(printerId)
	if err != nil {
		Out.Printf("Printer %s: unknown/offline (%s)", printerId, err)
		return false
	}

	now := time.Now().UTC()

	Out.Printf("%s", data.Printer.DisplayName())
	Out.Printf("  Online:   %t", data.Printer.IsOnline)
	Out.Printf("  Model:    %s", data.Printer.Model)
	Out.Printf("  Firmware: %s", data.Printer.FirmwareVersion)
	Out.Printf("  State:    %s", data.PrintState())

	if request := data.CurrentRequest; request != nil {
		Out.Printf("Current print: %s (%s)", request.PrintName(), request.State)
		if remaining, ok := request.RemainingSeconds(now); ok {
			Out.Printf("  Remaining: %ds", remaining)
		}
		if percent, ok := request.ProgressPercent(now); ok {
			Out.Printf("  Progress:  %.1f%%", percent)
		}
	}
	if request := data.LastCompletedRequest; request != nil {
		Out.Printf("Last print: %s (%s, end_reason=%s)",
			request.PrintName(), request.State, request.EndReason)
	}
	return data.IsPrinting()
}

func dump(opts docopt.Opts) {
	client, _, closeAll := setup(opts)
	defer closeAll()

	store := client.Store()
	for _, collectionName := range store.Collections() {
		Out.Printf("==== %s (%d docs)", collectionName, store.Size(collectionName))
		for _, document := range store.All(collectionName) {
			documentJson, err := json.MarshalIndent(document, "", "  ")
			if err != nil {
				Err.Printf("Cannot encode document (%s).", err)
				continue
			}
			Out.Printf("%s", string(documentJson))
		}
	}
}

func stringOpt(opts docopt.Opts, name string, envName string) string {
	if value, err := opts.String(name); err == nil && value != "" {
		return value
	}
	return os.Getenv(envName)
}
