package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AshfordSecurity/carousel/internal/identity"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Inspect the egress identity pool",
	Long: `Build the identity pool from the configured sources and print it.

With --validate every identity is probed against the validation URL first.
Probes never touch an engagement target, so no manifest is required here.`,
	Example: `  carousel identities --identity-file proxies.yaml --validate
  carousel identities --proxy socks5://127.0.0.1:9050 --json`,
	RunE: runIdentitiesStatus,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)

	flags := identitiesCmd.Flags()
	flags.String("identity-file", "", "egress identity roster (yaml, or one proxy URL per line)")
	flags.StringSlice("proxy", nil, "proxy URL to add to the pool (repeatable)")
	flags.Bool("use-tor", false, "include a Tor circuit identity")
	flags.Bool("validate", false, "probe every identity before printing")
	flags.Bool("json", false, "print machine-readable status instead of a table")
}

func runIdentitiesStatus(cmd *cobra.Command, args []string) error {
	// The run command owns the viper bindings for identity settings, so
	// these flags override the config directly.
	if f, _ := cmd.Flags().GetString("identity-file"); f != "" {
		cfg.Identity.RosterFile = f
	}
	if ps, _ := cmd.Flags().GetStringSlice("proxy"); len(ps) > 0 {
		cfg.Identity.Sources = ps
	}
	if cmd.Flags().Changed("use-tor") {
		cfg.Identity.UseTor, _ = cmd.Flags().GetBool("use-tor")
	}
	validate, _ := cmd.Flags().GetBool("validate")
	asJSON, _ := cmd.Flags().GetBool("json")

	specs, err := identity.LoadSpecs(cfg.Identity)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	pool, err := identity.NewPool(specs, cfg.Identity, cfg.Verify.Session, cfg.Verify.Timeout, log)
	if err != nil {
		return fmt.Errorf("build identity pool: %w", err)
	}
	defer pool.Close()

	if validate {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		color.Cyan("Probing %d identities\n\n", pool.Size())
		if err := pool.Validate(ctx); err != nil {
			return fmt.Errorf("identity validation: %w", err)
		}
	}

	statuses := pool.Statuses()

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	printIdentityTable(statuses)
	fmt.Printf("\n%d identities, %d healthy\n", pool.Size(), pool.HealthyCount())
	if !validate {
		fmt.Println("Health shown without probing; run with --validate to probe.")
	}
	return nil
}
