package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	versionFull bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "also print commit, build date and dependencies")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Skip config loading so version works with a broken config file
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sealroom version %s\n", version)
		if !versionFull {
			return
		}

		info, _ := debug.ReadBuildInfo()
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Commit:     %s\n", orVCS(commit, info, "vcs.revision"))
		fmt.Fprintf(out, "  Built:      %s\n", orVCS(buildDate, info, "vcs.time"))
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)

		if info == nil {
			return
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Dependencies:")
		for _, dep := range info.Deps {
			fmt.Fprintf(out, "    %s %s\n", dep.Path, dep.Version)
		}
	},
}

// orVCS returns v unless it was not set by ldflags, in which case the
// matching VCS stamp from the build info is used.
func orVCS(v string, info *debug.BuildInfo, key string) string {
	if v != "unknown" || info == nil {
		return v
	}
	for _, s := range info.Settings {
		if s.Key != key {
			continue
		}
		if key == "vcs.revision" && len(s.Value) > 8 {
			return s.Value[:8]
		}
		return s.Value
	}
	return v
}
