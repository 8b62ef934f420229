package cli

import (
	"bufio"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/server"
)

type hashKeyOptions struct {
	Cost int
}

// NewHashKeyCommand creates the hash-key command. The key is read from the
// first argument, or from the first line of stdin when no argument is given.
func NewHashKeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &hashKeyOptions{}
	cmd := &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash to use as MCP_API_KEY_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return WrapExitError(ExitCommandError, "read key", err)
				}
				raw = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashKey(raw, opts.Cost)
			if err != nil {
				return WrapExitError(ExitCommandError, "hash key", err)
			}
			return rootOpts.formatter(cmd).Render(map[string]string{"hash": hash}, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Cost, "cost", auth.DefaultBcryptCost, "bcrypt cost")
	return cmd
}

// VersionInfo is printed by the version command.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{Version: server.Version, GoVersion: runtime.Version()}
			return rootOpts.formatter(cmd).Render(info, func(w io.Writer) {
				fmt.Fprintf(w, "agentmemory %s (%s)\n", info.Version, info.GoVersion)
			})
		},
	}
}
