package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/chief-of-staff/internal/config"
	"github.com/tonimelisma/chief-of-staff/internal/devices"
	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

// errMemoryBackend is returned by offline commands that would operate on a
// throwaway in-memory store.
var errMemoryBackend = errors.New("the memory storage backend is not shared with a running server; configure dir, sqlite or redis")

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and issue device tokens",
	}

	cmd.AddCommand(newDevicesListCmd())
	cmd.AddCommand(newDevicesIssueCmd())

	return cmd
}

func newDevicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE:  runDevicesList,
		Args:  cobra.NoArgs,
	}
}

func newDevicesIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a device token without the browser sign-in",
		Long: `Issue a device token for an allowed account without going through the
browser sign-in. The raw token is printed once to stdout; only its hash is
stored.

Example:
  cos devices issue --email alice@example.com --name "Kitchen tablet"`,
		RunE: runDevicesIssue,
		Args: cobra.NoArgs,
	}

	cmd.Flags().String("email", "", "account the device belongs to (required)")
	cmd.Flags().String("name", devices.DefaultDeviceName, "device name")

	if err := cmd.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	return cmd
}

// openPersistentStore opens the configured backend for an offline command.
func openPersistentStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kvstore.Store, error) {
	if cfg.Storage.Backend == kvstore.BackendMemory {
		return nil, errMemoryBackend
	}

	return openStore(ctx, cfg, logger)
}

type deviceRow struct {
	Email     string    `json:"email"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	LastUsed  time.Time `json:"last_used"`
	Expired   bool      `json:"expired"`
}

func runDevicesList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openPersistentStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := devices.NewManager(store, cc.Cfg.Auth.DeviceTTLDuration(), cc.Logger).List(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	now := time.Now()
	rows := make([]deviceRow, 0, len(list))

	for i := range list {
		d := &list[i]
		rows = append(rows, deviceRow{
			Email:     d.Email,
			Device:    d.DeviceName,
			CreatedAt: d.CreatedAt,
			ExpiresAt: d.ExpiresAt,
			LastUsed:  d.LastUsed,
			Expired:   d.Expired(now),
		})
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, rows)
	}

	if len(rows) == 0 {
		cc.Statusf("No devices registered. Sign in at %s/login to create one.\n", cc.Cfg.Server.PublicURL)
		return nil
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		expires := formatTime(r.ExpiresAt)
		if r.Expired {
			expires += " (expired)"
		}

		table = append(table, []string{r.Email, r.Device, formatTime(r.LastUsed), expires})
	}

	printTable(os.Stdout, []string{"EMAIL", "DEVICE", "LAST USED", "EXPIRES"}, table)

	return nil
}

func runDevicesIssue(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	if accounts := cc.Cfg.Google.Accounts; len(accounts) > 0 && !slices.Contains(accounts, email) {
		return fmt.Errorf("%s is not in google.accounts", email)
	}

	store, err := openPersistentStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := devices.NewManager(store, cc.Cfg.Auth.DeviceTTLDuration(), cc.Logger).Create(ctx, email, name)
	if err != nil {
		return fmt.Errorf("issuing device token: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, map[string]string{"email": email, "device": name, "token": token})
	}

	cc.Statusf("Issued token for %s (%s), valid for %d days:\n", email, name,
		int(cc.Cfg.Auth.DeviceTTLDuration()/(24*time.Hour)))
	fmt.Println(token)

	return nil
}
