package commands

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/machine"
	"github.com/spf13/cobra"
)

func recoveryCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Generate key backup recovery keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a random recovery key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := machine.NewRecoveryKey()
			if err != nil {
				return err
			}
			return printRecoveryKey(cmd, key)
		},
	})

	var salt string
	var rounds int
	derive := &cobra.Command{
		Use:   "derive",
		Short: "Derive a recovery key from --passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.passphrase == "" {
				return errors.New("a passphrase is required")
			}
			if salt == "" {
				salt = crypto.EncodeBase64(crypto.RandomBytes(24))
				fmt.Fprintf(cmd.ErrOrStderr(), "generated salt %s\n", salt)
			}
			key, err := machine.RecoveryKeyFromPassphrase(o.passphrase, salt, rounds)
			if err != nil {
				return err
			}
			return printRecoveryKey(cmd, key)
		},
	}
	derive.Flags().StringVar(&salt, "salt", "", "salt from the backup auth data (random if empty)")
	derive.Flags().IntVar(&rounds, "rounds", 500000, "PBKDF2 iterations")
	cmd.AddCommand(derive)
	return cmd
}

func printRecoveryKey(cmd *cobra.Command, key *machine.RecoveryKey) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "recovery key: %s\n", key.Base58())
	_, err := fmt.Fprintf(w, "public key:   %s\n", key.PublicKey())
	return err
}
