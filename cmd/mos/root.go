// Command mos is the kernel's boot entry point: a cobra.Command that
// stands in for the bootloader→kernel_main handoff, modeled on
// gcsfuse's cmd/root.go (a single root command, flags bound ahead of
// Execute, RunE doing the real work instead of main itself).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	pagesFlag    int
	initPathFlag string
)

var rootCmd = &cobra.Command{
	Use:   "mos [kernel command line tokens...]",
	Short: "Boot the mos kernel core against a simulated frame allocator and VFS",
	Long: `mos boots the kernel-core subsystems (physical memory, the VFS, the
scheduler, and the syscall dispatcher) the way a real bootloader handoff
would, then optionally execs an init binary. Arguments are joined with
spaces and parsed as the kernel command line (bare "key" tokens, "key=value"
pairs, and dotted "debug.module=value" keys).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := Boot(strings.Join(args, " "), pagesFlag, initPathFlag)
		if err != nil {
			return err
		}
		defer result.Shutdown()
		return nil
	},
}

func init() {
	rootCmd.Flags().IntVar(&pagesFlag, "pages", 1<<16, "simulated physical memory size, in pages")
	rootCmd.Flags().StringVar(&initPathFlag, "init", "", "host path to an ELF binary to load as /init; boots with no process if empty")
}

// Execute runs the root command, matching gcsfuse's cmd.Execute: all
// errors are reported on stderr and translate to a nonzero exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
