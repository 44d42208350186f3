package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"digestbot/internal/app"
)

var version = "dev"

const usage = `usage: digestbot [-config path] <command>

commands:
  serve      run the scheduler and HTTP API until signaled (default)
  run-once   evaluate every user once, send what is due, print the summary
  diagnose   print per-user due/not-due decisions without sending
  version    print the version
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	cmd := "serve"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	var code int
	switch cmd {
	case "serve":
		code = serve(cfgPath)
	case "run-once":
		code = runOnce(cfgPath)
	case "diagnose":
		code = diagnose(cfgPath)
	case "version":
		fmt.Println(version)
	default:
		flag.Usage()
		code = 2
	}
	os.Exit(code)
}

func serve(cfgPath string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

func runOnce(cfgPath string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	sum, err := a.RunOnce(ctx)
	printJSON(sum)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run failed:", err)
		return 1
	}
	if sum.Errored > 0 {
		return 3
	}
	return 0
}

func diagnose(cfgPath string) int {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	diags, err := a.Diagnose(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "diagnose failed:", err)
		return 1
	}
	printJSON(diags)
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
