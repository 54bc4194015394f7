// httpcore runs the engine as a standalone server, mostly for smoke testing
// and benchmarking; real deployments embed the server package instead.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/s00inx/httpcore/internal/obs"
	"github.com/s00inx/httpcore/server"
)

func main() {
	app := &cli.App{
		Name:  "httpcore",
		Usage: "event-loop HTTP/HTTPS server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace|debug|info|warn|error"},
			&cli.BoolFlag{Name: "log-json", Usage: "structured json logs instead of console output"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start serving",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "yaml config file"},
					&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Usage: "listen address (ignored with --config)"},
					&cli.IntFlag{Name: "workers", Usage: "worker count override"},
				},
				Action: runServer,
			},
			{
				Name:      "check",
				Usage:     "validate a config file and exit",
				ArgsUsage: "<config.yaml>",
				Action:    checkConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	log := obs.NewLogger(c.String("log-level"), c.Bool("log-json"), os.Stderr)

	cfg := server.Config{Addr: c.String("addr")}
	if path := c.String("config"); path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if w := c.Int("workers"); w > 0 {
		cfg.Workers = w
	}

	s := server.New(cfg, log, prometheus.DefaultRegisterer)

	// built-in routes so a bare binary answers something useful
	if err := s.GET("/healthz", func(req *server.Request) *server.Response {
		return &server.Response{Code: 200, Body: []byte("ok\n")}
	}); err != nil {
		return err
	}
	if err := s.GET("/echo/:word", func(req *server.Request) *server.Response {
		return &server.Response{Code: 200, Body: []byte(req.Param("word") + "\n")}
	}); err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info().Str("signal", got.String()).Msg("shutting down")
	s.Stop()
	return nil
}

func checkConfig(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: httpcore check <config.yaml>")
	}
	path := c.Args().First()
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (addr %s, tls %v)\n", path, cfg.Addr, cfg.TLS != nil)
	return nil
}
