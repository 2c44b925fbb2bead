package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/hfrelay/internal/cli/serve"
	"github.com/sheerbytes/hfrelay/internal/config"
	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}
	cfg, err := config.ParseServerConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("hfrelayserv", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = serve.Run(ctx, cfg, logger, termio.Stdout(), serverVersion)
	termio.Flush()
	if err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
