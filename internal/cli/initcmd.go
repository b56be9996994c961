package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/zoya/internal/vault"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault directory tree",
	Long: `Create the vault root and every queue area. Safe to run again on an
existing vault; nothing is overwritten.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	v := vault.New(cfg.VaultRoot)
	if err := v.Init(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "vault ready at %s\n", v.Root())
	fmt.Fprintln(cmd.OutOrStdout(), "drop files into inbox/, approve by moving records from needs_approval/ to approved/")
	return nil
}
