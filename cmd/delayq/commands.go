package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"delayq/internal/app"
	"delayq/internal/config"
)

const stopTimeout = 15 * time.Second

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return c.String("config")
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(configPath(c))
	if err != nil {
		return err
	}

	stop := func(reason app.StopReason) error {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		return a.Stop(sctx, reason)
	}

	// The app context is not tied to the signal: Stop drives shutdown so
	// queued work drains in order.
	if err := a.Start(context.Background()); err != nil {
		_ = stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
		return stop(app.StopSignal)
	case <-a.Done():
		err := a.Err()
		if serr := stop(app.StopFatalError); err == nil {
			err = serr
		}
		return err
	}
}

func check(c *cli.Context) error {
	path := configPath(c)
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%s: %v", path, err), 2)
	}
	if err := app.Check(cfg); err != nil {
		return cli.NewExitError(fmt.Sprintf("%s: invalid config:\n%v", path, err), 2)
	}
	if !c.Bool("quiet") {
		fmt.Fprintf(c.App.Writer, "%s: ok (%d jobs)\n", path, len(cfg.Jobs))
	}
	return nil
}
