package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AshfordSecurity/carousel/internal/api"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/credentials"
	"github.com/AshfordSecurity/carousel/internal/database"
	"github.com/AshfordSecurity/carousel/internal/engine"
	"github.com/AshfordSecurity/carousel/internal/identity"
	"github.com/AshfordSecurity/carousel/internal/pacing"
	"github.com/AshfordSecurity/carousel/internal/queue"
	"github.com/AshfordSecurity/carousel/internal/sink"
	"github.com/AshfordSecurity/carousel/internal/telemetry"
	"github.com/AshfordSecurity/carousel/internal/verify"
	"github.com/AshfordSecurity/carousel/pkg/checkpoint"
	"github.com/AshfordSecurity/carousel/pkg/engagement"
	"github.com/AshfordSecurity/carousel/pkg/progress"
	"github.com/AshfordSecurity/carousel/pkg/shutdown"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a credential verification campaign",
	Long: `Run a credential verification campaign against one account.

Every campaign requires an engagement manifest naming the target and
--acknowledge-authorization confirming it. Candidates come from --wordlist
(one secret per line, or - for stdin). Results stream to the terminal and
the result store; --output appends them to a jsonl file as well.

Interrupt with Ctrl+C: the campaign checkpoints as it runs and can be
picked up later with --resume.`,
	Example: `  carousel run --target-user svc-backup --endpoint https://auth.corp.example.com/login \
      --wordlist candidates.txt --engagement engagement.yaml --acknowledge-authorization

  gen-candidates | carousel run --target-user admin --endpoint ldaps://dc01.corp.example.com \
      --verifier ldap --wordlist - --engagement engagement.yaml --acknowledge-authorization

  carousel run --resume 7d1f3c2a --target-user svc-backup \
      --endpoint https://auth.corp.example.com/login --wordlist candidates.txt \
      --engagement engagement.yaml --acknowledge-authorization`,
	RunE: runCampaign,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()

	flags.String("target-user", "", "account under audit")
	flags.String("endpoint", "", "endpoint the verifier submits attempts to")
	flags.String("wordlist", "", "candidate secrets, one per line (- for stdin)")
	flags.String("verifier", "httpapi", "verification protocol (httpapi, form, headless, ssh, ldap)")

	flags.String("engagement", "", "engagement manifest authorizing this campaign")
	flags.Bool("acknowledge-authorization", false, "confirm written authorization covers the target")

	flags.Int("concurrency", 4, "initial worker count")
	flags.Int("retry-limit", 2, "retries per candidate after transient outcomes")
	flags.Bool("stop-on-first", true, "stop the campaign at the first verified candidate")
	flags.Bool("audit-all", false, "verify every candidate even after a hit")
	flags.Duration("min-delay", time.Second, "minimum delay between attempts per identity")
	flags.Duration("max-delay", 3*time.Second, "maximum jittered delay between attempts")
	flags.Float64("backoff-factor", 2.0, "delay multiplier after defensive responses")
	flags.Duration("backoff-ceiling", 60*time.Second, "upper bound for backed-off delay")

	flags.String("identity-file", "", "egress identity roster (yaml, or one proxy URL per line)")
	flags.StringSlice("proxy", nil, "proxy URL to add to the identity pool (repeatable)")
	flags.Bool("use-tor", false, "route attempts through a local Tor circuit")
	flags.Bool("validate-identities", false, "probe every identity before starting")

	flags.String("output", "", "append results to this jsonl file")
	flags.String("resume", "", "checkpoint id (or unique suffix) of a campaign to pick up")
	flags.Bool("api", false, "serve the status API while the campaign runs")
	flags.Bool("verbose", false, "print every attempt instead of the noteworthy ones")
	flags.Bool("no-progress", false, "disable the live progress line")

	runCmd.MarkFlagsMutuallyExclusive("stop-on-first", "audit-all")

	viper.BindPFlag("engine.concurrency", flags.Lookup("concurrency"))
	viper.BindPFlag("engine.retry_limit", flags.Lookup("retry-limit"))
	viper.BindPFlag("engine.stop_on_first_verified", flags.Lookup("stop-on-first"))
	viper.BindPFlag("pacing.min_delay", flags.Lookup("min-delay"))
	viper.BindPFlag("pacing.max_delay", flags.Lookup("max-delay"))
	viper.BindPFlag("pacing.backoff_factor", flags.Lookup("backoff-factor"))
	viper.BindPFlag("pacing.backoff_ceiling", flags.Lookup("backoff-ceiling"))
	viper.BindPFlag("identity.roster_file", flags.Lookup("identity-file"))
	viper.BindPFlag("identity.sources", flags.Lookup("proxy"))
	viper.BindPFlag("identity.use_tor", flags.Lookup("use-tor"))
	viper.BindPFlag("identity.validate", flags.Lookup("validate-identities"))
	viper.BindPFlag("engagement.manifest_path", flags.Lookup("engagement"))
	viper.BindPFlag("engagement.acknowledged", flags.Lookup("acknowledge-authorization"))
	viper.BindPFlag("output.jsonl", flags.Lookup("output"))
	viper.BindPFlag("api.enabled", flags.Lookup("api"))
}

func runCampaign(cmd *cobra.Command, args []string) error {
	targetUser, _ := cmd.Flags().GetString("target-user")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	wordlist, _ := cmd.Flags().GetString("wordlist")
	verifierName, _ := cmd.Flags().GetString("verifier")
	resumeID, _ := cmd.Flags().GetString("resume")
	verbose, _ := cmd.Flags().GetBool("verbose")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	auditAll, _ := cmd.Flags().GetBool("audit-all")

	// Required flags are checked here rather than marked required so the
	// environment can supply them.
	if targetUser == "" || endpoint == "" {
		return fmt.Errorf("a campaign needs --target-user and --endpoint")
	}
	if wordlist == "" {
		return fmt.Errorf("a campaign needs --wordlist (use - for stdin)")
	}
	if auditAll {
		cfg.Engine.StopOnFirstVerified = false
	}

	printBanner()

	// Authorization gate. No component below this line is built, and no
	// traffic leaves this host, until the manifest covers the endpoint.
	if cfg.Engagement.ManifestPath == "" {
		return fmt.Errorf("no engagement manifest: point --engagement at the authorization for this target")
	}
	manifest, err := engagement.Load(cfg.Engagement.ManifestPath)
	if err != nil {
		return err
	}
	gate := engagement.NewGate(manifest, log)
	if err := gate.Require(endpoint, cfg.Engagement.Acknowledged); err != nil {
		color.Red("%v\n", err)
		return err
	}
	host, _ := engagement.HostOf(endpoint)
	printAuthorization(manifest.Engagement, host)

	handler := shutdown.NewHandler(log)
	ctx, cancel := handler.Context(context.Background())
	defer cancel()
	defer handler.Shutdown()

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	handler.Register(store.Close)

	tel := telemetry.NewNoop()
	if cfg.Telemetry.Enabled {
		t, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			log.Warnw("Telemetry unavailable, continuing without it", "error", err)
		} else {
			tel = t
			handler.Register(tel.Close)
		}
	}

	if cfg.Identity.UseTor && cfg.Identity.TorControlPassword == "" {
		if secret, ok := vaultSecret(credentials.KeyTorControlPassword); ok {
			cfg.Identity.TorControlPassword = secret
		}
	}
	if cfg.Verify.API.AuthToken == "" {
		if secret, ok := vaultSecret(credentials.KeyAPIToken); ok {
			cfg.Verify.API.AuthToken = secret
		}
	}

	specs, err := identity.LoadSpecs(cfg.Identity)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	pool, err := identity.NewPool(specs, cfg.Identity, cfg.Verify.Session, cfg.Verify.Timeout, log)
	if err != nil {
		return fmt.Errorf("build identity pool: %w", err)
	}
	handler.Register(func() error { pool.Close(); return nil })

	if cfg.Identity.Validate {
		color.Cyan("Validating %d identities\n", pool.Size())
		if err := pool.Validate(ctx); err != nil {
			return fmt.Errorf("identity validation: %w", err)
		}
		color.Cyan("%d of %d healthy\n\n", pool.HealthyCount(), pool.Size())
	}

	governor := pacing.NewGovernor(cfg.Pacing, log)

	verifier, err := verify.New(verifierName, cfg.Verify, log)
	if err != nil {
		return err
	}

	var source core.CandidateSource
	if wordlist == "-" {
		source = engine.NewReaderSource("stdin", os.Stdin)
	} else {
		source, err = engine.NewFileSource(wordlist)
		if err != nil {
			return fmt.Errorf("open wordlist: %w", err)
		}
	}
	handler.Register(source.Close)

	mgr, err := checkpoint.NewManager(cfg.Checkpoint.Dir)
	if err != nil {
		log.Warnw("Checkpointing disabled", "error", err)
		mgr = nil
	}

	campaignID := uuid.New().String()
	if resumeID != "" {
		if mgr == nil {
			return fmt.Errorf("cannot resume: checkpoint directory unavailable")
		}
		state, err := mgr.Load(ctx, resumeID)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if state.Target.Username != targetUser || state.Target.Endpoint != endpoint {
			return fmt.Errorf("checkpoint %s is a campaign against %s at %s, not this target",
				state.CampaignID, state.Target.Username, state.Target.Endpoint)
		}
		campaignID = state.CampaignID
		finalized := state.FinalizedSet()
		source = engine.SkipFinalized(source, finalized)
		color.Cyan("Resuming campaign %s: %d candidates already settled\n\n", campaignID, len(finalized))
	}

	q, err := queue.New(cfg.Queue, cfg.Redis, campaignID)
	if err != nil {
		return fmt.Errorf("attempt queue: %w", err)
	}
	handler.Register(q.Close)

	sinks := []core.OutcomeSink{
		sink.NewConsole(os.Stdout, verbose),
		sink.NewStore(store),
	}
	if cfg.Output.JSONL != "" {
		jl, err := sink.NewJSONL(cfg.Output.JSONL)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		sinks = append(sinks, jl)
	}
	var hub *sink.Broadcast
	if cfg.API.Enabled {
		hub = sink.NewBroadcast()
		sinks = append(sinks, hub)
	}
	out := sink.NewFanout(sinks...)
	handler.Register(out.Close)

	d, err := engine.New(cfg.Engine, engine.Deps{
		Target: types.Target{
			Username: targetUser,
			Endpoint: endpoint,
			Verifier: verifierName,
		},
		Pool:       pool,
		Governor:   governor,
		Verifier:   verifier,
		Queue:      q,
		Source:     source,
		Sink:       out,
		Telemetry:  tel,
		Logger:     log,
		CampaignID: campaignID,
	})
	if err != nil {
		return err
	}

	persistCampaign(ctx, store, d.Snapshot(), manifest.Engagement, resumeID != "")

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API, api.Deps{
			Store:    store,
			Snapshot: d.Snapshot,
			Hub:      hub,
			Version:  Version,
		}, log)
		if err := srv.Start(); err != nil {
			return err
		}
		handler.Register(func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		color.White("Status API on http://%s\n\n", srv.Addr())
	}

	saveCheckpoint := func(ctx context.Context) {
		if mgr == nil {
			return
		}
		snap := d.Snapshot()
		snap.Engagement = manifest.Engagement
		state := checkpoint.FromSnapshot(snap, d.FinalizedIndexes())
		if err := mgr.Save(ctx, state); err != nil {
			log.Warnw("Failed to save checkpoint", "campaign_id", campaignID, "error", err)
		}
	}

	interval := cfg.Checkpoint.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				saveCheckpoint(ctx)
				snap := d.Snapshot()
				snap.Engagement = manifest.Engagement
				if err := store.UpdateCampaign(ctx, snap); err != nil {
					log.Debugw("Campaign heartbeat update failed", "error", err)
				}
			}
		}
	}()

	reporter := progress.NewReporter(os.Stderr, !noProgress && progress.IsTerminal(os.Stderr), 500*time.Millisecond)
	progressCtx, progressCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Run(progressCtx, d.Snapshot)
	}()

	log.Infow("Campaign configured",
		"campaign_id", campaignID,
		"identities", pool.Size(),
		"checkpoint_interval", interval,
		"resumed", resumeID != "")

	snap, runErr := d.Run(ctx)

	close(tickerDone)
	progressCancel()
	wg.Wait()

	// The campaign context may already be cancelled; final persistence gets
	// its own deadline so an interrupted run still lands on disk.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()

	snap.Engagement = manifest.Engagement
	if err := store.UpdateCampaign(finalCtx, snap); err != nil {
		log.Warnw("Failed to record final campaign state", "error", err)
	}
	saveCheckpoint(finalCtx)

	printCampaignSummary(snap)

	if snap.Counts[types.OutcomeVerified] > 0 {
		verified, err := store.QueryResults(finalCtx, core.ResultFilter{
			CampaignID: campaignID,
			Outcome:    types.OutcomeVerified,
		})
		if err != nil {
			log.Warnw("Failed to load verified results", "error", err)
		} else {
			printVerified(verified)
		}
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) && mgr != nil {
		color.White("\nResume with: carousel run --resume %s (same target flags)\n", shortID(campaignID))
	}

	return runErr
}

// persistCampaign records the campaign row. A fresh campaign inserts; a
// resumed one updates the row from its first run, or inserts if that run
// died before saving.
func persistCampaign(ctx context.Context, store core.ResultStore, snap types.CampaignSnapshot, engagementName string, resumed bool) {
	snap.Engagement = engagementName
	var err error
	if resumed {
		err = store.UpdateCampaign(ctx, snap)
		if errors.Is(err, database.ErrNotFound) {
			err = store.SaveCampaign(ctx, snap)
		}
	} else {
		err = store.SaveCampaign(ctx, snap)
	}
	if err != nil {
		log.Warnw("Failed to persist campaign record", "campaign_id", snap.ID, "error", err)
	}
}

// vaultSecret fetches one secret from the local vault, returning false if
// the vault is absent, locked, or has no such key.
func vaultSecret(key string) (string, bool) {
	vault, err := credentials.NewVault(log)
	if err != nil {
		return "", false
	}
	if err := vault.Load(); err != nil {
		return "", false
	}
	return vault.Get(key)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
