package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╻ ╻┏━┓   ╻ ╻┏━╸┏━┓╺┳╸╻ ╻
  ┣━┫┗━┓╺━╸┃┏┛┣╸ ┣┳┛ ┃ ┏╋┛
  ╹ ╹┗━┛   ┗┛ ┗━╸╹┗╸ ╹ ╹ ╹
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "hsvertx",
		Short: "An embeddable HTTP/1, HTTP/2 and WebSocket server engine",
		Long: `hsvertx runs the hs-vertx server engine as a standalone demo.

Features include:

  • HTTP/1.1 with keep-alive, chunking and compression
  • HTTP/2 over TLS (ALPN) and cleartext (h2c)
  • WebSocket upgrades with frame-level handlers
  • Several servers sharing one listening port`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		benchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
