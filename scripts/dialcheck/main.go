// Command dialcheck probes a terminal gateway from the command line: it
// initializes a session, optionally logs an account in, and prints what it
// finds. Useful when wiring up a new gateway host before pointing the
// service at it.
//
// Usage:
//
//	go run ./scripts/dialcheck -url http://127.0.0.1:18812 [-token T] [-login N -password P -server S]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/driver"
)

func main() {
	var (
		url      = flag.String("url", "http://127.0.0.1:18812", "gateway base URL")
		token    = flag.String("token", os.Getenv("GATEWAY_TOKEN"), "gateway auth token")
		login    = flag.Int64("login", 0, "terminal account login (0 skips the login check)")
		password = flag.String("password", os.Getenv("MT5_PASSWORD"), "terminal account password")
		server   = flag.String("server", "", "terminal server name")
		timeout  = flag.Duration("timeout", 15*time.Second, "per-call timeout")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	drv := driver.NewGatewayClientWithTimeout(*url, *token, logger, *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), 2**timeout)
	defer cancel()

	fmt.Printf("Probing gateway at %s\n", *url)
	if err := drv.Initialize(ctx); err != nil {
		fmt.Printf("FAIL: initialize: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("  OK: terminal initialized")
	defer func() {
		if err := drv.Shutdown(ctx); err != nil {
			fmt.Printf("  WARN: shutdown: %v\n", err)
		}
	}()

	if *login == 0 {
		fmt.Println("No -login given, skipping the account check")
		return
	}

	if err := drv.Login(ctx, *login, *password, *server); err != nil {
		fmt.Printf("FAIL: login %d@%s: %v\n", *login, *server, err)
		os.Exit(1)
	}
	fmt.Printf("  OK: logged in as %d@%s\n", *login, *server)

	info, err := drv.AccountInfo(ctx)
	if err != nil {
		fmt.Printf("FAIL: account info: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  OK: balance %.2f %s, equity %.2f, leverage 1:%d (%s)\n",
		info.Balance, info.Currency, info.Equity, info.Leverage, info.Company)

	positions, err := drv.Positions(ctx)
	if err != nil {
		fmt.Printf("FAIL: positions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  OK: %d open position(s)\n", len(positions))
	for _, p := range positions {
		fmt.Printf("    #%d %s %s %.2f @ %.5f (profit %.2f)\n",
			p.Ticket, p.Symbol, p.Type.Side(), p.Volume, p.PriceOpen, p.Profit)
	}
}
