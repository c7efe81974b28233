package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/machine"
	"github.com/spf13/cobra"
)

func exportCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Work with room key export files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decrypt [file]",
		Short: "Decrypt an export and print the room keys as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.passphrase == "" {
				return errors.New("a passphrase is required")
			}
			armored, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			plaintext, err := crypto.DecryptKeyExport(armored, o.passphrase)
			if err != nil {
				return err
			}
			var keys []*machine.ExportedRoomKey
			if err := json.Unmarshal(plaintext, &keys); err != nil {
				return fmt.Errorf("export does not hold room keys: %w", err)
			}
			out := &bytes.Buffer{}
			if err := json.Indent(out, plaintext, "", "  "); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d room keys\n", len(keys))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return err
		},
	})
	return cmd
}

// readInput reads the named file, or stdin when no file is given.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}
