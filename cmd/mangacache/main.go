// Command mangacache serves manga pages from a tiered in-memory cache in
// front of a directory or S3 bucket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mangacache/mangacache/internal/adapter"
	"github.com/mangacache/mangacache/internal/config"
)

const (
	defaultConfigOutput = "mangacache.yaml"
	shutdownTimeout     = 15 * time.Second
)

// loadConfig layers the optional YAML file and the environment over the
// defaults
func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, c.String("storage"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}

func runWriteConfig(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	out := c.String("output")
	if err := cfg.SaveToFile(out); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "wrote %s\n", out)
	return err
}

func buildCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "mangacache"
	app.Usage = "tiered page cache for manga readers"
	app.Version = "0.1.0"

	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file; MANGACACHE_* variables override it",
	}

	app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "serve pages over HTTP until interrupted",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{
					Name:    "storage",
					Aliases: []string{"s"},
					Usage:   "origin URI (s3://bucket/prefix or file:///path), replaces the configured origin",
				},
			},
			Action: runServe,
		},
		{
			Name:  "write-config",
			Usage: "write the effective configuration as YAML",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Value:   defaultConfigOutput,
					Usage:   "destination file",
				},
			},
			Action: runWriteConfig,
		},
	}

	return app
}

func main() {
	if err := buildCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mangacache: %v\n", err)
		os.Exit(1)
	}
}
