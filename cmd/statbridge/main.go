package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/client"
	"github.com/statbridge/statbridge/internal/config"
	"github.com/statbridge/statbridge/internal/logtail"
	"github.com/statbridge/statbridge/internal/run"
)

var (
	app        = kingpin.New("statbridge", "Drive a Stata computation engine through its MCP worker")
	configPath = app.Flag("config", "Path to the engine config file").String()

	runCmd     = app.Command("run", "Execute a Stata command and stream its log")
	runCommand = runCmd.Arg("command", "Stata command text").Required().String()
	runWorkDir = runCmd.Flag("workdir", "Working directory for the run").String()
	runQuiet   = runCmd.Flag("quiet", "Suppress log streaming, print only the result").Bool()

	toolsCmd = app.Command("tools", "List the worker's advertised tools")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: env.SlogLevel(),
	}))

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = env.ConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg, env, logger)

	code := 0
	switch command {
	case runCmd.FullCommand():
		code = runOnce(ctx, c)
	case toolsCmd.FullCommand():
		code = listTools(ctx, c)
	}
	_ = c.Close()
	stop()
	os.Exit(code)
}

func runOnce(ctx context.Context, c *client.Client) int {
	dim := color.New(color.Faint)
	var sink func(logtail.Chunk)
	if !*runQuiet {
		sink = func(ch logtail.Chunk) {
			dim.Fprint(os.Stdout, string(ch.Data))
		}
	}

	// Ctrl-C cancels the run cooperatively and interrupts the worker task.
	go func() {
		<-ctx.Done()
		c.CancelAll(context.Background())
	}()

	res, err := c.Run(ctx, run.RunRequest{
		Command: *runCommand,
		WorkDir: *runWorkDir,
		Sink:    sink,
	})
	if err != nil {
		if cerr.IsCancelled(err) {
			color.Yellow("run cancelled")
			return 130
		}
		color.Red("run failed: %v", err)
		return 1
	}

	if res.Success {
		color.Green("ok (rc=%s, %s)", rcString(res.RC), res.Duration.Round(time.Millisecond))
	} else {
		color.Red("failed (rc=%s): %s", rcString(res.RC), res.Error)
	}
	for _, a := range res.Artifacts {
		if a.Err != "" {
			color.Yellow("graph %s: export failed: %s", a.Label, a.Err)
			continue
		}
		fmt.Printf("graph %s: %s\n", a.Label, a.Path)
	}
	if res.Success {
		return 0
	}
	if res.RC != nil && *res.RC > 0 && *res.RC < 256 {
		return *res.RC
	}
	return 1
}

func listTools(ctx context.Context, c *client.Client) int {
	tools, err := c.Tools(ctx)
	if err != nil {
		color.Red("error: %v", err)
		return 1
	}
	for _, t := range tools {
		fmt.Println(t)
	}
	return 0
}

func rcString(rc *int) string {
	if rc == nil {
		return "-"
	}
	return fmt.Sprint(*rc)
}
