package main

import (
	"context"
	"fmt"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/store"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.Storage.DBPath, logger)
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage tenant accounts",
	}

	var tier, apiKey string
	create := &cobra.Command{
		Use:   "create [accountId]",
		Short: "Create an account (a random id is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			id := uuid.NewString()
			if len(args) == 1 {
				id = args[0]
			}
			ctx := context.Background()
			if err := st.CreateAccount(ctx, domain.Account{ID: id, Tier: tier, CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			if apiKey != "" {
				if err := st.PutCredential(ctx, domain.CredentialRecord{AccountID: id, APIKey: apiKey}); err != nil {
					return fmt.Errorf("store credential: %w", err)
				}
			}
			color.New(color.FgGreen).Print("✓ ")
			fmt.Printf("Account %s created\n", id)
			return nil
		},
	}
	create.Flags().StringVar(&tier, "tier", "standard", "account tier")
	create.Flags().StringVar(&apiKey, "api-key", "", "AI service key for this account")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			accs, err := st.ListAccounts(ctx)
			if err != nil {
				return err
			}
			if len(accs) == 0 {
				fmt.Println("No accounts.")
				return nil
			}
			cyan := color.New(color.FgCyan)
			for _, a := range accs {
				key := "no key"
				if _, err := st.GetCredential(ctx, a.ID); err == nil {
					key = "key set"
				}
				printRow(cyan, a.ID, a.Tier, a.CreatedAt.Format(time.DateTime), key)
			}
			return nil
		},
	})

	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted sessions of every channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			total := 0
			for _, ch := range domain.Channels {
				recs, err := st.ListSessions(context.Background(), ch)
				if err != nil {
					return err
				}
				for _, r := range recs {
					cred := "no credential"
					if r.Credential != "" {
						cred = "credential stored"
					}
					printRow(cyan, r.SessionID, string(ch), r.AccountID, r.CreatedAt.Format(time.DateTime), cred)
					total++
				}
			}
			gray.Printf("%d session(s)\n", total)
			return nil
		},
	})

	return cmd
}
