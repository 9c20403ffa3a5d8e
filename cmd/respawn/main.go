package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/respawn-sh/respawn/internal/diag"
	"github.com/respawn-sh/respawn/internal/files"
	"github.com/respawn-sh/respawn/observe"
	"github.com/respawn-sh/respawn/proxy"
	"github.com/respawn-sh/respawn/supervisor"
)

func main() {
	app := &cli.App{
		Name:      "respawn",
		Usage:     "transparent restart proxy for stream-connected child servers",
		ArgsUsage: "-- <child-command> [child-args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "handshake-method",
				Usage: "Method name of the client's session-initialization request.",
				Value: "initialize",
			},
			&cli.StringFlag{
				Name:  "restart-marker",
				Usage: "Marker string the child emits on its diagnostics stream to request a restart.",
				Value: "RESTART_REQUESTED",
			},
			&cli.IntFlag{
				Name:  "clean-code",
				Usage: "Exit code meaning graceful shutdown: no respawn, the proxy exits.",
				Value: 0,
			},
			&cli.IntFlag{
				Name:  "restart-code",
				Usage: "Reserved sentinel exit code meaning intentional restart.",
				Value: 86,
			},
			&cli.DurationFlag{
				Name:  "restart-throttle",
				Usage: "Minimum spacing between consecutive intentional restarts.",
				Value: supervisor.DefaultPolicy().RestartThrottle,
			},
			&cli.IntFlag{
				Name:  "crash-tier1-limit",
				Usage: "Highest consecutive crash count still in backoff tier 1.",
				Value: supervisor.DefaultPolicy().Tier1Crashes,
			},
			&cli.IntFlag{
				Name:  "crash-tier2-limit",
				Usage: "Highest consecutive crash count still in backoff tier 2.",
				Value: supervisor.DefaultPolicy().Tier2Crashes,
			},
			&cli.DurationFlag{
				Name:  "crash-tier1-delay",
				Usage: "Respawn delay within backoff tier 1.",
				Value: supervisor.DefaultPolicy().Tier1Delay,
			},
			&cli.DurationFlag{
				Name:  "crash-tier2-delay",
				Usage: "Respawn delay within backoff tier 2.",
				Value: supervisor.DefaultPolicy().Tier2Delay,
			},
			&cli.DurationFlag{
				Name:  "crash-tier3-delay",
				Usage: "Respawn delay beyond backoff tier 2.",
				Value: supervisor.DefaultPolicy().Tier3Delay,
			},
			&cli.StringFlag{
				Name:  "status-addr",
				Usage: "Optional local address for the read-only status endpoint, e.g. 127.0.0.1:7070.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Diagnostics log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: run,
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("no child command given, expected: respawn [flags] -- <child-command> [child-args...]")
	}
	cleanCode := c.Int("clean-code")
	restartCode := c.Int("restart-code")
	if cleanCode == restartCode {
		return fmt.Errorf("clean-code and restart-code must differ, both are %d", cleanCode)
	}
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	streams := proxy.Stdio()
	defer streams.Close()

	bcast := observe.NewBroadcaster(streams.Diag)
	logger := diag.NewLogger(bcast, level)
	defer logger.Sync()

	command := args[0]
	if resolved := resolveChildBinary(command); resolved != "" {
		logger.Infof("resolved child command %q to %q", command, resolved)
		command = resolved
	}

	policy := supervisor.Policy{
		RestartThrottle: c.Duration("restart-throttle"),
		Tier1Crashes:    c.Int("crash-tier1-limit"),
		Tier2Crashes:    c.Int("crash-tier2-limit"),
		Tier1Delay:      c.Duration("crash-tier1-delay"),
		Tier2Delay:      c.Duration("crash-tier2-delay"),
		Tier3Delay:      c.Duration("crash-tier3-delay"),
	}

	launcher := &supervisor.ExecLauncher{Command: command, Args: args[1:]}
	recorder := proxy.NewRecorder(c.String("handshake-method"))
	detector := supervisor.NewDetector(c.String("restart-marker"), logger)
	sup := supervisor.New(supervisor.Config{
		CleanCode:   cleanCode,
		RestartCode: restartCode,
		Policy:      policy,
	}, launcher, recorder, clock.New(), logger)

	if addr := c.String("status-addr"); addr != "" {
		statusServer := observe.NewServer(sup, bcast,
			observe.WithListenAddr(addr),
			observe.WithLogger(logger),
		)
		go func() {
			if err := statusServer.Run(); err != nil {
				logger.Errorf("status server: %s", err)
			}
		}()
		defer statusServer.Stop()
	}

	p := proxy.New(streams, sup, recorder, detector, bcast, logger)
	code, err := p.Run(context.Background())
	if err != nil {
		logger.Errorf("fatal: %s", err)
		return cli.Exit("", 1)
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// resolveChildBinary searches upward from the working directory for a bare
// command that is not on PATH, so a child binary built somewhere up the tree
// works without an absolute path. Returns "" when the command needs no
// resolution.
func resolveChildBinary(command string) string {
	if strings.ContainsRune(command, os.PathSeparator) {
		return ""
	}
	if _, err := exec.LookPath(command); err == nil {
		return ""
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return files.FindUp(command, wd)
}
