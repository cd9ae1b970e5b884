package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/tidewater-labs/concierge/internal/config"
	"github.com/tidewater-labs/concierge/internal/scheduler"
	"github.com/tidewater-labs/concierge/internal/secrets"
	"github.com/tidewater-labs/concierge/internal/store"
	"github.com/tidewater-labs/concierge/internal/store/pg"
	"github.com/tidewater-labs/concierge/internal/tenantfs"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Administer tenants",
	}
	cmd.AddCommand(tenantCreateCmd())
	cmd.AddCommand(tenantListCmd())
	cmd.AddCommand(tenantMessagesCmd())
	cmd.AddCommand(tenantSetStatusCmd("pause", "Pause a tenant (inbound messages are dropped)", store.TenantStatusPaused))
	cmd.AddCommand(tenantSetStatusCmd("resume", "Resume a paused tenant", store.TenantStatusActive))
	cmd.AddCommand(tenantDeleteCmd())
	cmd.AddCommand(tenantCredCmd())
	return cmd
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func openAdmin() (*config.Config, *sql.DB, *store.Stores, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, nil, nil, fmt.Errorf("CONCIERGE_DATABASE_URL environment variable is not set")
	}
	db, err := pg.OpenDB(cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db, pg.NewStores(db), nil
}

func tenantCreateCmd() *cobra.Command {
	var (
		name         string
		channel      string
		recipient    string
		seedLearning bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant (interactive unless all flags are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || channel == "" || recipient == "" {
				if err := tenantWizard(&name, &channel, &recipient, &seedLearning); err != nil {
					return err
				}
			}
			switch channel {
			case store.ChannelWhatsApp, store.ChannelTelegram, store.ChannelDiscord:
			default:
				return fmt.Errorf("unknown channel %q", channel)
			}

			cfg, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			t := &store.Tenant{
				ID:              store.GenNewID(),
				Name:            strings.TrimSpace(name),
				Channel:         channel,
				RecipientID:     strings.TrimSpace(recipient),
				Status:          store.TenantStatusActive,
				OnboardingPhase: "onboarding",
			}
			if err := stores.Tenants.Create(ctx, t); err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}

			// Bootstrap the workspace now so the operator can drop notes
			// and tools in before first contact.
			fsBoot := tenantfs.New(cfg.TenantsRoot(), config.ExpandHome(cfg.Tenants.SharedTools))
			if _, err := fsBoot.Ensure(t.ID); err != nil {
				slog.Warn("tenant workspace bootstrap failed", "tenant_id", t.ID, "error", err)
			}

			if seedLearning {
				if err := seedLearningTask(ctx, stores, cfg, t); err != nil {
					slog.Warn("learning task not seeded", "tenant_id", t.ID, "error", err)
				}
			}

			fmt.Printf("created tenant %s (%s on %s)\n", t.ID, t.Name, t.Channel)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "tenant display name")
	cmd.Flags().StringVar(&channel, "channel", "", "whatsapp, telegram, or discord")
	cmd.Flags().StringVar(&recipient, "recipient", "", "channel-native recipient id (phone / chat id / user id)")
	cmd.Flags().BoolVar(&seedLearning, "seed-learning", false, "create the periodic learning task from scheduler.learning_cron")
	return cmd
}

func tenantWizard(name, channel, recipient *string, seedLearning *bool) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tenant name").
				Value(name).
				Validate(notEmpty),
			huh.NewSelect[string]().
				Title("Channel").
				Options(
					huh.NewOption("WhatsApp", store.ChannelWhatsApp),
					huh.NewOption("Telegram", store.ChannelTelegram),
					huh.NewOption("Discord", store.ChannelDiscord),
				).
				Value(channel),
			huh.NewInput().
				Title("Recipient id").
				Description("Channel-native sender: phone number, chat id, or user id.").
				Value(recipient).
				Validate(notEmpty),
			huh.NewConfirm().
				Title("Seed the periodic learning task?").
				Value(seedLearning),
		),
	)
	return form.Run()
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

// seedLearningTask creates the recurring self-review task on the cadence
// configured by scheduler.learning_cron. min_hours_between_learning is the
// companion knob; it is reported (here and by doctor) but never folded into
// the cron expression.
func seedLearningTask(ctx context.Context, stores *store.Stores, cfg *config.Config, t *store.Tenant) error {
	expr := cfg.Scheduler.LearningCron
	if expr == "" {
		return errors.New("scheduler.learning_cron is not configured")
	}
	task := &store.ScheduledTask{
		ID:       store.GenNewID(),
		TenantID: t.ID,
		UserID:   t.RecipientID,
		TaskType: store.TaskTypeExecute,
		TaskPrompt: "Review the conversations and task results since your last review. " +
			"Update your notes with anything worth keeping: preferences, corrections, " +
			"recurring requests, open commitments. Reply with a one-line summary.",
		CronExpr: &expr,
		Enabled:  true,
	}
	if err := scheduler.PlanFirstRun(task, time.Now()); err != nil {
		return err
	}
	if err := stores.Tasks.Create(ctx, task); err != nil {
		return err
	}
	fmt.Printf("seeded learning task %s (cron %q, floor %dh between runs)\n",
		task.ID, expr, cfg.Scheduler.MinHoursBetweenLearning)
	return nil
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			tenants, err := stores.Tenants.List(ctx)
			if err != nil {
				return err
			}
			if len(tenants) == 0 {
				fmt.Println("no tenants")
				return nil
			}
			printTenantTable(os.Stdout, tenants)
			return nil
		},
	}
}

// printTenantTable renders an aligned table. Widths are measured with
// runewidth so wide glyphs in tenant names keep the columns straight.
func printTenantTable(out io.Writer, tenants []store.Tenant) {
	headers := []string{"ID", "NAME", "CHANNEL", "RECIPIENT", "STATUS", "PHASE"}
	rows := make([][]string, 0, len(tenants))
	for _, t := range tenants {
		rows = append(rows, []string{
			t.ID.String(), t.Name, t.Channel, t.RecipientID, t.Status, t.OnboardingPhase,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(out, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}

func tenantMessagesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <tenant-id> <query>...",
		Short: "Full-text search a tenant's message history",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			query := strings.Join(args[1:], " ")

			_, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			msgs, err := stores.Messages.Search(ctx, id, query, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, m := range msgs {
				fmt.Printf("%s  %-8s  %-16s  %s\n",
					m.CreatedAt.Local().Format("2006-01-02 15:04"),
					m.Direction, m.SenderID, oneLine(m.Content, 80))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results, best match first")
	return cmd
}

// oneLine collapses whitespace and truncates to a display width, so multi-line
// agent replies stay on one table row.
func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "...")
}

func tenantSetStatusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <tenant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			_, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			if err := stores.Tenants.SetStatus(ctx, id, status); err != nil {
				return err
			}
			fmt.Printf("tenant %s is now %s\n", id, status)
			return nil
		},
	}
}

func tenantDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Delete a tenant and everything attached to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			_, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			t, err := stores.Tenants.Get(ctx, id)
			if err != nil {
				return err
			}
			if !yes {
				confirmed := false
				prompt := huh.NewConfirm().
					Title(fmt.Sprintf("Delete tenant %s (%s)?", t.Name, t.ID)).
					Description("Sessions, messages, tasks, triggers, and credentials go with it. The workspace directory stays on disk.").
					Value(&confirmed)
				if err := prompt.Run(); err != nil {
					return err
				}
				if !confirmed {
					fmt.Println("aborted")
					return nil
				}
			}
			if err := stores.Tenants.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("deleted tenant %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func tenantCredCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cred",
		Short: "Manage encrypted tenant credentials",
	}
	cmd.AddCommand(tenantCredSetCmd())
	cmd.AddCommand(tenantCredListCmd())
	cmd.AddCommand(tenantCredRmCmd())
	return cmd
}

func tenantCredSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <tenant-id> <service>",
		Short: "Store a credential, encrypted at rest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			service := args[1]

			var value string
			prompt := huh.NewInput().
				Title(fmt.Sprintf("Value for %s", service)).
				EchoMode(huh.EchoModePassword).
				Value(&value)
			if err := prompt.Run(); err != nil {
				return err
			}
			if strings.TrimSpace(value) == "" {
				return errors.New("empty value")
			}

			cfg, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			box, err := secrets.NewBox(cfg.Security.EncryptionKey)
			if err != nil {
				return fmt.Errorf("encryption key: %w", err)
			}
			sealed, err := box.Encrypt(value)
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()
			if err := stores.Credentials.Upsert(ctx, &store.Credential{
				TenantID:       id,
				ServiceName:    service,
				EncryptedValue: sealed,
			}); err != nil {
				return err
			}
			fmt.Printf("stored credential %s for tenant %s\n", service, id)
			return nil
		},
	}
}

func tenantCredListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's credential service names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			_, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			services, err := stores.Credentials.ListServices(ctx, id)
			if err != nil {
				return err
			}
			if len(services) == 0 {
				fmt.Println("no credentials")
				return nil
			}
			for _, s := range services {
				fmt.Println(s)
			}
			return nil
		},
	}
}

func tenantCredRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <tenant-id> <service>",
		Short: "Delete a tenant credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			_, db, stores, err := openAdmin()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := adminContext()
			defer cancel()

			if err := stores.Credentials.Delete(ctx, id, args[1]); err != nil {
				return err
			}
			fmt.Printf("deleted credential %s for tenant %s\n", args[1], id)
			return nil
		},
	}
}
