package daemon

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of " + constants.CmdName + " and exit",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return printVersion(cmd.OutOrStdout()) },
	}
	a.cmd.AddCommand(cmd)
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s\t%s\n", constants.CmdName, constants.Version)
	return err
}
