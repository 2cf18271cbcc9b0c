// Command wsrelay is the tunneling proxy and its local forwarder.
//
// The serve command runs the tunneling proxy: every WebSocket upgrade names
// a TCP target in its query string and becomes a bidirectional byte stream
// to it. The forward command is the caller's side, exposing one target on a
// local port through a proxy.
//
//	wsrelay serve --listen 0.0.0.0:8080
//	wsrelay forward --proxy ws://proxy:8080 --target db.internal:5432 --listen 127.0.0.1:5432
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/wsrelay/internal/client"
	"github.com/1ureka/wsrelay/internal/config"
	"github.com/1ureka/wsrelay/internal/server"
	"github.com/1ureka/wsrelay/internal/util"
)

var version = "dev"

const usage = `Usage:
  wsrelay serve   [flags]   run the tunneling proxy
  wsrelay forward [flags]   expose a target on a local port through a proxy
  wsrelay version

Run "wsrelay <command> --help" for the flags of a command.`

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var role config.Role
	switch os.Args[1] {
	case "serve":
		role = config.RoleServe
	case "forward":
		role = config.RoleForward
	case "version", "--version":
		fmt.Println(version)
		return
	case "help", "-h", "--help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}

	cfg, err := config.FromArgs(role, os.Args[2:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}
	if err := util.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Log.Format != "json" {
		pterm.Info.Println(fmt.Sprintf("wsrelay — v%s", version))
		pterm.Println()
	}

	switch role {
	case config.RoleServe:
		err = runServe(ctx, cfg)
	case config.RoleForward:
		err = runForward(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("stopped")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runServe(ctx context.Context, cfg *config.Config) error {
	return server.Run(ctx, cfg)
}

func runForward(ctx context.Context, cfg *config.Config) error {
	host, port, err := config.SplitTarget(cfg.Forward.Target)
	if err != nil {
		return err
	}

	f := client.NewForwarder(client.ForwardOptions{
		Dial: client.Options{
			ProxyURL:  cfg.Forward.Proxy,
			Transport: cfg.Forward.Transport,
			Conn:      cfg.TransportOptions(),
			WebRTC:    cfg.WebRTCOptions(),
		},
		Host:           host,
		Port:           port,
		NoDelay:        cfg.Forward.NoDelay,
		KeepAlive:      cfg.Forward.KeepAlive,
		HalfCloseGrace: cfg.Forward.HalfCloseGrace,
	})
	return f.ListenAndServe(ctx, cfg.Forward.Listen)
}
