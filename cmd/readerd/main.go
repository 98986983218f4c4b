package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/readerlink/internal/config"
	"github.com/danmuck/readerlink/internal/logging"
	"github.com/danmuck/readerlink/internal/server"
)

func main() {
	path := flag.String("config", "cmd/readerd/config.toml", "readerd config path")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadServerConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "readerd: %v\n", err)
		os.Exit(1)
	}
	svc, err := server.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "readerd: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "readerd: %v\n", err)
		os.Exit(1)
	}
}
