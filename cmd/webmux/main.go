// Command webmux tails Chrome DevTools Protocol events from a running
// browser. It is a thin consumer of the connection/session core and doubles
// as a smoke test for it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/webmux/internal/browser"
	"github.com/grantcarthew/webmux/internal/cdp"
)

// Version is set at build time.
var Version = "dev"

var (
	wsURL      string
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "webmux",
	Short:         "CDP session multiplexer and event tailer",
	Long:          "webmux attaches to every page of a running browser over one CDP WebSocket and streams their protocol events.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream protocol events from every attached page",
	Args:  cobra.NoArgs,
	RunE:  runTail,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws-url", "", "Browser websocket debugger URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML options file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable verbose debug output")
	rootCmd.AddCommand(tailCmd)
}

func loadOptions() (browser.Options, error) {
	var opts browser.Options
	if configPath != "" {
		loaded, err := browser.LoadOptions(configPath)
		if err != nil {
			return browser.Options{}, err
		}
		opts = loaded
	}
	if wsURL != "" {
		opts.WSURL = wsURL
	}

	l := logrus.New()
	l.SetOutput(os.Stderr)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else if opts.LogLevel != "" {
		level, err := logrus.ParseLevel(opts.LogLevel)
		if err != nil {
			return browser.Options{}, fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
		}
		l.SetLevel(level)
	}
	opts.Logger = logrus.NewEntry(l)
	return opts, nil
}

func runTail(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := browser.Connect(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Dispose()

	enc := json.NewEncoder(os.Stdout)
	b.OnPage(func(p *browser.Page) {
		fmt.Fprintf(os.Stderr, "attached: %s %s\n", p.TargetID(), p.URL())
		p.Subscribe(cdp.MethodAny, func(e cdp.Event) {
			_ = enc.Encode(map[string]any{
				"sessionId": e.SessionID,
				"method":    e.Method,
				"params":    e.Params,
			})
		})
		p.Session().OnDetached(func(reason cdp.CloseReason) {
			fmt.Fprintf(os.Stderr, "detached: %s (%s)\n", p.TargetID(), reason)
		})
	})

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down")
	case <-b.Conn().Done():
		fmt.Fprintf(os.Stderr, "connection closed (%s)\n", b.Conn().Reason())
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
