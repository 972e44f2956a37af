package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/domain"
	"chatbridge/internal/kv"
	"chatbridge/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatbridge installation",
		Long: `Verifies that the configuration loads, the database and KV store are
usable, the API port is free and enabled bridges answer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatbridge init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := checkDatabase(ctx, cfg.Storage.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Storage.DBPath)
			}

			if s, err := kv.Open(ctx, cfg.KV, logger); err != nil {
				r.fail("KV store", err.Error())
			} else {
				if err := s.Ping(ctx); err != nil {
					r.fail("KV store", err.Error())
				} else {
					r.pass("KV store", cfg.KV.Driver)
				}
				s.Close()
			}

			if cfg.AI.APIKey == "" {
				r.warn("AI key", "no default key; every account needs its own credential")
			} else {
				r.pass("AI key", "default key configured")
			}

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkPort(addr); err != nil {
				r.warn("API port", fmt.Sprintf("%s may be in use: %v", addr, err))
			} else {
				r.pass("API port", addr+" available")
			}

			enabled := 0
			for _, ch := range domain.Channels {
				chCfg, _ := cfg.Channels.Channel(string(ch))
				if !chCfg.Enabled {
					continue
				}
				enabled++
				if err := checkBridge(ctx, chCfg.BridgeURL); err != nil {
					r.warn("Bridge: "+ch.String(), err.Error())
				} else {
					r.pass("Bridge: "+ch.String(), chCfg.BridgeURL)
				}
			}
			if enabled == 0 {
				r.warn("Channels", "no channel enabled")
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	color.New(color.FgGreen).Print("  [PASS] ")
	fmt.Printf("%-20s %s\n", check, detail)
	r.passed++
}

func (r *report) warn(check, detail string) {
	color.New(color.FgYellow).Print("  [WARN] ")
	fmt.Printf("%-20s %s\n", check, detail)
	r.warned++
}

func (r *report) fail(check, detail string) {
	color.New(color.FgRed).Print("  [FAIL] ")
	fmt.Printf("%-20s %s\n", check, detail)
	r.failed++
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	_, err = st.ListAccounts(ctx)
	return err
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

// checkBridge only checks that the bridge answers HTTP at all.
func checkBridge(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
