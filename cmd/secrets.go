package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AshfordSecurity/carousel/internal/credentials"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage harness secrets",
	Long: `Manage the encrypted store for secrets the harness itself needs.

These are operational secrets, not engagement material: candidate secrets
under test never enter this store. Keys the run command reads on its own:

  tor_control_password   Tor ControlPort password for circuit rotation
  verifier_api_token     auth token some endpoints require alongside credentials

Set ` + credentials.PassphraseEnv + ` to derive the encryption key from a
passphrase instead of the on-disk key file.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := credentials.NewVault(log)
		if err != nil {
			return err
		}
		if err := vault.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		key := args[0]
		var value string
		if credentials.IsInteractive() {
			fmt.Printf("Value for %s: ", key)
			value, err = credentials.ReadPassword()
			fmt.Println()
			if err != nil {
				return err
			}
		} else {
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				value = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		}
		if value == "" {
			return fmt.Errorf("refusing to store an empty secret for %s", key)
		}

		vault.Set(key, value)
		if err := vault.Save(); err != nil {
			return err
		}
		color.Green("Stored %s\n", key)
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := credentials.NewVault(log)
		if err != nil {
			return err
		}
		if err := vault.Load(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("No secrets stored")
				return nil
			}
			return err
		}

		keys := vault.Keys()
		if len(keys) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := credentials.NewVault(log)
		if err != nil {
			return err
		}
		if err := vault.Load(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no secret named %q", args[0])
			}
			return err
		}

		if !vault.Delete(args[0]) {
			return fmt.Errorf("no secret named %q", args[0])
		}
		if err := vault.Save(); err != nil {
			return err
		}
		color.Green("Removed %s\n", args[0])
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd)
	rootCmd.AddCommand(secretsCmd)
}
