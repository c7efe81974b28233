package commands

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func deviceCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect the local device store",
	}
	var user, device string
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Print the identity keys of the device, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.passphrase == "" {
				return errors.New("a passphrase is required")
			}
			c, err := o.config()
			if err != nil {
				return err
			}
			e, err := e2ee.New(c)
			if err != nil {
				return err
			}
			if err := e.Unlock(o.passphrase, mxid.UserID(user), mxid.DeviceID(device)); err != nil {
				return err
			}
			defer func() {
				if err := e.Shutdown(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error shutting down: %v\n", err)
				}
			}()
			m, err := e.Machine()
			if err != nil {
				return err
			}
			identity := m.IdentityKeys()
			algorithms := maps.Keys(identity)
			slices.Sort(algorithms)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", m.UserID(), m.DeviceID())
			for _, a := range algorithms {
				fmt.Fprintf(w, "%s: %s\n", a, identity[a])
			}
			return nil
		},
	}
	keys.Flags().StringVar(&user, "user", "", "user id, e.g. @alice:example.org")
	keys.Flags().StringVar(&device, "device", "", "device id")
	_ = keys.MarkFlagRequired("user")
	_ = keys.MarkFlagRequired("device")
	cmd.AddCommand(keys)
	return cmd
}
