// Command paywatch polls a payment ref until it settles and exits with a
// code describing the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-checkout/internal/poller"
)

const (
	exitPaid      = 0
	exitFailed    = 1
	exitExpired   = 2
	exitError     = 3
	exitUsage     = 64
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, nil)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer, fetcher poller.Fetcher) int {
	fs := flag.NewFlagSet("paywatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("base-url", envOr("TOKO_API_URL", "http://localhost:8080"), "checkout API base URL")
	token := fs.String("token", os.Getenv("TOKO_TOKEN"), "bearer token of the order owner")
	interval := fs.Duration("interval", poller.DefaultInterval, "time between polls")
	timeout := fs.Duration("timeout", poller.DefaultTimeout, "give up after this long")
	redirect := fs.Duration("redirect-delay", poller.DefaultRedirectDelay, "wait before reporting the order page once paid")
	maxBackoff := fs.Duration("max-backoff", poller.DefaultMaxBackoff, "cap on the retry delay after errors")
	format := fs.String("log-format", "console", "log format: console or json")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: paywatch [flags] <payment-ref>")
		return exitUsage
	}
	ref := fs.Arg(0)

	var out io.Writer = stderr
	if *format != "json" {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339, NoColor: true}
	}
	logger := zerolog.New(out).With().Timestamp().Str("payment_ref", ref).Logger()

	if fetcher == nil {
		fetcher = poller.HTTPFetcher{
			BaseURL: *baseURL,
			Token:   *token,
			Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		}
	}
	p := poller.New(fetcher, poller.Config{
		Interval:      *interval,
		Timeout:       *timeout,
		RedirectDelay: *redirect,
		MaxBackoff:    *maxBackoff,
		Jitter:        0.2,
		Logger:        logger,
		OnUpdate: func(u poller.Update) {
			ev := logger.Info()
			if u.Err != nil {
				ev = logger.Warn().Err(u.Err)
			}
			ev.Str("state", string(u.State)).Int("attempt", u.Attempt).Dur("elapsed", u.Elapsed).Msg("payment_status")
		},
		OnRedirect: func(orderID string) {
			logger.Info().Str("order_id", orderID).Msg("payment confirmed, continue to order")
		},
	})
	outcome := p.Start(ctx, ref).Wait()
	return exitCode(outcome.State)
}

func exitCode(state poller.State) int {
	switch state {
	case poller.StatePaid:
		return exitPaid
	case poller.StateFailed:
		return exitFailed
	case poller.StateExpired:
		return exitExpired
	case poller.StateCancelled:
		return exitCancelled
	default:
		return exitError
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
