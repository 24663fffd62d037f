package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	rdebug "runtime/debug"

	"honnef.co/go/tracecap/protocol"
	"honnef.co/go/tracecap/trace/tracefile"

	"github.com/spf13/cobra"
)

const Version = "devel"

// version returns a version descriptor and reports whether the
// version is a known release.
func version(human string) (_ string, known bool) {
	if human != "devel" {
		return human, true
	}
	v, ok := buildInfoVersion()
	if ok {
		return v, false
	}
	return "devel", false
}

func printVersion(w io.Writer, human string) {
	human, release := version(human)

	if release {
		fmt.Fprintf(w, "%s %s\n", filepath.Base(os.Args[0]), human)
	} else if human == "devel" {
		fmt.Fprintf(w, "%s (no version)\n", filepath.Base(os.Args[0]))
	} else {
		fmt.Fprintf(w, "%s (devel, %s)\n", filepath.Base(os.Args[0]), human)
	}
	fmt.Fprintf(w, "Protocol version: %d\n", protocol.ProtocolVersion)
	fmt.Fprintf(w, "Trace file versions: %s to %s\n", tracefile.MinVersion, tracefile.CurrentVersion)
}

func printVerboseVersion(w io.Writer, human string) {
	printVersion(w, human)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Compiled with Go version:", runtime.Version())
	printBuildInfo(w)
}

func printBuildInfo(w io.Writer) {
	if info, ok := rdebug.ReadBuildInfo(); ok {
		fmt.Fprintln(w, "Main module:")
		printModule(w, &info.Main)
		fmt.Fprintln(w, "Dependencies:")
		for _, dep := range info.Deps {
			printModule(w, dep)
		}
	} else {
		fmt.Fprintln(w, "Built without Go modules")
	}
}

func buildInfoVersion() (string, bool) {
	info, ok := rdebug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	if info.Main.Version == "(devel)" || info.Main.Version == "" {
		return "", false
	}
	return info.Main.Version, true
}

func printModule(w io.Writer, m *rdebug.Module) {
	fmt.Fprintf(w, "\t%s", m.Path)
	if m.Version != "(devel)" {
		fmt.Fprintf(w, "@%s", m.Version)
	}
	if m.Sum != "" {
		fmt.Fprintf(w, " (sum: %s)", m.Sum)
	}
	if m.Replace != nil {
		fmt.Fprintf(w, " (replace: %s)", m.Replace.Path)
	}
	fmt.Fprintln(w)
}

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if verbose {
				printVerboseVersion(cmd.OutOrStdout(), Version)
			} else {
				printVersion(cmd.OutOrStdout(), Version)
			}
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print build information")
	return cmd
}
