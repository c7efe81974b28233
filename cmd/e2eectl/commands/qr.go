package commands

import (
	"fmt"
	"strings"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/verification"
	"github.com/spf13/cobra"
)

var qrModes = map[verification.QrMode]string{
	verification.QrVerifyingAnotherUser:     "verifying another user",
	verification.QrSelfVerifying:            "self verifying",
	verification.QrSelfVerifyingNoMasterKey: "self verifying, master key not trusted",
}

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Work with verification QR codes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode [payload]",
		Short: "Decode an unpadded base64 QR payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 1 {
				raw = []byte(args[0])
			} else {
				var err error
				if raw, err = readInput(cmd, nil); err != nil {
					return err
				}
			}
			code, err := verification.ParseQrCode(strings.TrimSpace(string(raw)))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "mode:    %s\n", qrModes[code.Mode])
			fmt.Fprintf(w, "flow id: %s\n", code.FlowID)
			fmt.Fprintf(w, "key 1:   %s\n", crypto.EncodeBase64(code.Key1))
			fmt.Fprintf(w, "key 2:   %s\n", crypto.EncodeBase64(code.Key2))
			_, err = fmt.Fprintf(w, "secret:  %s\n", crypto.EncodeBase64(code.Secret))
			return err
		},
	})
	return cmd
}
