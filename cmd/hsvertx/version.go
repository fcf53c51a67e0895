package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Modules whose versions decide protocol behavior.
var reportedModules = []string{
	"golang.org/x/net",
	"github.com/gorilla/websocket",
}

type versionInfo struct {
	Version string            `json:"version"`
	Commit  string            `json:"commit"`
	Date    string            `json:"date"`
	Go      string            `json:"go"`
	OSArch  string            `json:"osArch"`
	Modules map[string]string `json:"modules,omitempty"`
}

func currentVersion() versionInfo {
	vi := versionInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
		Go:      runtime.Version(),
		OSArch:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return vi
	}
	vi.Modules = make(map[string]string)
	for _, dep := range bi.Deps {
		for _, path := range reportedModules {
			if dep.Path == path {
				vi.Modules[path] = dep.Version
			}
		}
	}
	return vi
}

func versionCmd() *cobra.Command {
	var (
		short  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print the hsvertx build and the versions of its protocol libraries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vi := currentVersion()
			switch {
			case short:
				fmt.Println(vi.Version)
				return nil
			case asJSON:
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(vi)
			}

			printBanner()
			fmt.Println()
			fmt.Printf("  Version:  %s (%s, %s)\n", vi.Version, vi.Commit, vi.Date)
			fmt.Printf("  Runtime:  %s %s\n", vi.Go, vi.OSArch)
			for _, path := range reportedModules {
				if v, ok := vi.Modules[path]; ok {
					fmt.Printf("  %s %s\n", path, v)
				}
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")

	return cmd
}
