package commands

import (
	"os"
	"path/filepath"

	"github.com/meow-io/go-e2ee/config"
	"github.com/spf13/cobra"
)

type options struct {
	home       string
	configPath string
	passphrase string
	debug      bool
}

func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree. Output goes to the command's configured writers.
func NewRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "e2eectl",
		Short:        "Inspect and manage end-to-end encryption key material",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.home != "" {
				return nil
			}
			dir, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			o.home = filepath.Join(dir, ".e2ee")
			return nil
		},
	}

	root.PersistentFlags().StringVar(&o.home, "home", "", "store directory (default ~/.e2ee)")
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVarP(&o.passphrase, "passphrase", "p", "", "passphrase for exports, recovery keys and the local store")
	root.PersistentFlags().BoolVar(&o.debug, "debug", false, "debug logging")

	root.AddCommand(exportCmd(o), qrCmd(), recoveryCmd(o), deviceCmd(o))
	return root
}

func (o *options) config() (*config.Config, error) {
	var opts []config.Option
	if o.configPath != "" {
		fileOpts, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
	}
	opts = append(opts, config.WithRootDir(o.home), config.WithLoggingPrefix("e2eectl"))
	if o.debug {
		opts = append(opts, config.WithDebug(true))
	}
	return config.NewConfig(opts...), nil
}
