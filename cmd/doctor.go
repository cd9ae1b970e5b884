package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tidewater-labs/concierge/internal/config"
	"github.com/tidewater-labs/concierge/internal/gateway"
	"github.com/tidewater-labs/concierge/internal/secrets"
	"github.com/tidewater-labs/concierge/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("concierge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, env-only)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// The slow probes are independent; run them together and print in
	// order once all have answered.
	var dbStatus, schemaStatus, rootStatus, inboxStatus string
	var g errgroup.Group
	g.Go(func() error {
		dbStatus, schemaStatus = probeDatabase(cfg)
		return nil
	})
	g.Go(func() error {
		rootStatus = probeTenantsRoot(cfg)
		return nil
	})
	g.Go(func() error {
		inboxStatus = probeInbox(cfg)
		return nil
	})
	g.Wait()

	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Status:", dbStatus)
	if schemaStatus != "" {
		fmt.Printf("    %-12s %s\n", "Schema:", schemaStatus)
	}

	fmt.Println()
	fmt.Println("  Security:")
	fmt.Printf("    %-12s %s\n", "Encryption:", checkEncryptionKey(cfg))

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-12s %s\n", "Command:", checkAgentCommand(cfg))
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.Agent.Timeout())

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled,
		cfg.Channels.WhatsApp.AccessToken != "" && cfg.Channels.WhatsApp.PhoneID != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.BotToken != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.BotToken != "")

	fmt.Println()
	fmt.Println("  Scheduler:")
	fmt.Printf("    %-12s batch %d, grace %s\n", "Claims:", cfg.Scheduler.Batch, cfg.Scheduler.Grace())
	fmt.Printf("    %-12s %q, floor %dh between runs\n", "Learning:",
		cfg.Scheduler.LearningCron, cfg.Scheduler.MinHoursBetweenLearning)

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Tenants:", rootStatus)
	fmt.Printf("    %-12s %s\n", "Inbox:", inboxStatus)

	if cfg.Tailscale.Hostname != "" {
		fmt.Println()
		fmt.Println("  Tailscale:")
		fmt.Printf("    %-12s %s\n", "Hostname:", cfg.Tailscale.Hostname)
		if cfg.Tailscale.AuthKey == "" {
			fmt.Printf("    %-12s NOT SET (CONCIERGE_TSNET_AUTH_KEY)\n", "Auth key:")
		} else {
			fmt.Printf("    %-12s set\n", "Auth key:")
		}
	}
}

func probeDatabase(cfg *config.Config) (status, schema string) {
	if cfg.Database.URL == "" {
		return "SKIPPED (CONCIERGE_DATABASE_URL not set)", ""
	}
	db, err := pg.OpenDB(cfg.Database.URL)
	if err != nil {
		return fmt.Sprintf("CONNECT FAILED (%s)", err), ""
	}
	defer db.Close()

	s, err := pg.CheckSchema(db)
	if err != nil {
		return "OK", fmt.Sprintf("CHECK FAILED (%s)", err)
	}
	if gateErr := pg.GateSchema(s); gateErr != nil {
		return "OK", fmt.Sprintf("v%d (%s)", s.CurrentVersion, gateErr)
	}
	return "OK", fmt.Sprintf("v%d (up to date)", s.CurrentVersion)
}

// probeTenantsRoot verifies the tenant filesystem root is writable.
func probeTenantsRoot(cfg *config.Config) string {
	root := cfg.TenantsRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Sprintf("%s (NOT WRITABLE: %s)", root, err)
	}
	probe := filepath.Join(root, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Sprintf("%s (NOT WRITABLE: %s)", root, err)
	}
	os.Remove(probe)
	return fmt.Sprintf("%s (OK)", root)
}

func probeInbox(cfg *config.Config) string {
	path := config.ExpandHome(cfg.Server.InboxPath)
	inbox, err := gateway.OpenInbox(path)
	if err != nil {
		return fmt.Sprintf("%s (OPEN FAILED: %s)", path, err)
	}
	inbox.Close()
	return fmt.Sprintf("%s (OK)", path)
}

func checkEncryptionKey(cfg *config.Config) string {
	if cfg.Security.EncryptionKey == "" {
		return "NOT SET (CONCIERGE_ENCRYPTION_KEY)"
	}
	if _, err := secrets.NewBox(cfg.Security.EncryptionKey); err != nil {
		return fmt.Sprintf("INVALID (%s)", err)
	}
	return "OK"
}

func checkAgentCommand(cfg *config.Config) string {
	if len(cfg.Agent.Command) == 0 {
		return "NOT SET"
	}
	path, err := exec.LookPath(cfg.Agent.Command[0])
	if err != nil {
		return fmt.Sprintf("%s (NOT FOUND in PATH)", cfg.Agent.Command[0])
	}
	return fmt.Sprintf("%v (%s)", cfg.Agent.Command, path)
}

func checkChannel(name string, enabled, configured bool) {
	switch {
	case !enabled:
		fmt.Printf("    %-12s disabled\n", name+":")
	case !configured:
		fmt.Printf("    %-12s enabled (MISSING SECRETS)\n", name+":")
	default:
		fmt.Printf("    %-12s enabled\n", name+":")
	}
}
