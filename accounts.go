package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/chief-of-staff/internal/credcache"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage delegated Google account credentials",
	}

	cmd.AddCommand(newAccountsStatusCmd())
	cmd.AddCommand(newAccountsImportCmd())

	return cmd
}

func newAccountsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which configured accounts have a stored credential",
		RunE:  runAccountsStatus,
		Args:  cobra.NoArgs,
	}
}

func newAccountsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <email> <credential.json>",
		Short: "Store a credential produced by a local OAuth tool",
		Long: `Store a delegated credential for an account. The file holds the JSON
credential blob (token, refresh_token, client_id, client_secret, expiry);
"-" reads it from stdin. This is the offline form of POST /gmail/token.`,
		RunE: runAccountsImport,
		Args: cobra.ExactArgs(2),
	}
}

type accountRow struct {
	Account string `json:"account"`
	Status  string `json:"status"`
}

func runAccountsStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	accounts := cc.Cfg.Google.Accounts
	if len(accounts) == 0 {
		cc.Statusf("No accounts configured. Set google.accounts or GMAIL_ACCOUNTS.\n")
		return nil
	}

	store, err := openPersistentStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	status, err := credcache.New(store, credcache.Options{}, cc.Logger).Status(ctx, accounts)
	if err != nil {
		return fmt.Errorf("reading credential status: %w", err)
	}

	rows := make([]accountRow, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, accountRow{Account: a, Status: status[a]})
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, rows)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{r.Account, r.Status})
	}

	printTable(os.Stdout, []string{"ACCOUNT", "STATUS"}, table)

	return nil
}

func runAccountsImport(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	account, src := args[0], args[1]

	blob, err := readCredentialFile(cmd.InOrStdin(), src)
	if err != nil {
		return err
	}

	store, err := openPersistentStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := credcache.New(store, credcache.Options{}, cc.Logger).Ingest(ctx, account, blob); err != nil {
		return fmt.Errorf("importing credential for %s: %w", account, err)
	}

	cc.Statusf("Stored credential for %s\n", account)

	return nil
}

func readCredentialFile(stdin io.Reader, src string) ([]byte, error) {
	if src == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading credential from stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	return data, nil
}
