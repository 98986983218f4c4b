package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/client"
	"github.com/danmuck/readerlink/internal/config"
	"github.com/danmuck/readerlink/internal/logging"
)

func main() {
	path := flag.String("config", "cmd/readerctl/config.toml", "readerctl config path")
	mode := flag.String("mode", "", "override transport mode: sync|async")
	reader := flag.String("reader", "", "override remote reader name")
	group := flag.String("group", "", "allocate any free reader of this group instead of a named reader")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadClientConfig(*path)
	if err != nil {
		fail(err)
	}
	if m := strings.ToLower(strings.TrimSpace(*mode)); m != "" {
		cfg.Mode = m
	}
	if r := strings.TrimSpace(*reader); r != "" {
		cfg.Reader, cfg.ReaderGroup = r, ""
	}
	if g := strings.TrimSpace(*group); g != "" {
		cfg.Reader, cfg.ReaderGroup = "", g
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		fail(err)
	}
	req, err := cfg.Request()
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.New(cfg)
	if err != nil {
		fail(err)
	}
	var report client.Report
	var xerr error
	if cfg.ReaderGroup != "" {
		report, xerr = c.ExchangeGroup(ctx, cfg.ReaderGroup, req)
	} else {
		report, xerr = c.Exchange(ctx, cfg.Reader, req)
	}
	if err := c.Close(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "readerctl: close: %v\n", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fail(err)
	}
	// a partial result is still a delivered answer
	if xerr != nil && report.Kind != batch.KindPartial.String() {
		os.Exit(2)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "readerctl: %v\n", err)
	os.Exit(1)
}
