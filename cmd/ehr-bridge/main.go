package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/bridge/internal/config"
	"github.com/ehr/bridge/internal/domain/access"
	"github.com/ehr/bridge/internal/domain/reconcile"
	"github.com/ehr/bridge/internal/domain/transfer"
	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/db"
	"github.com/ehr/bridge/internal/platform/store"
	"github.com/ehr/bridge/internal/platform/tenant"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ehr-bridge",
		Short:        "Cross-tenant bridge for federated patient records",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(tenantsCmd())
	root.AddCommand(transferCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(auditCmd())
	return root
}

// withApp loads configuration, wires the bridge and runs fn against it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, store.NewOpener(store.Options{
		MaxPoolSize:    cfg.StoreMaxPoolSize,
		ConnectTimeout: cfg.TenantConnectTimeout,
	}), logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(sctx)
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, runServer)
		},
	}
}

func runServer(_ context.Context, a *app) error {
	e := a.newServer()
	if a.cfg.OperatorToken == "" {
		a.logger.Warn().Msg("OPERATOR_TOKEN is not set; requests without a tenant id will be rejected")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Int("tenants", len(a.registry.IDs())).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	a.logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func tenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect configured tenants",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Connect to every tenant and report its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report := a.registry.HealthCheck(ctx)
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				for _, h := range report {
					if h.State != tenant.StateConnected {
						return fmt.Errorf("not every tenant is connected")
					}
				}
				return nil
			})
		},
	})
	return cmd
}

func transferCmd() *cobra.Command {
	var req transfer.Request
	var grant bool
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer one patient between tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				// The gate lives in process memory, so a one-shot CLI run
				// has no grants unless it creates one.
				if grant {
					if _, err := a.gate.Grant(ctx, req.FromHospital, req.ToHospital, access.Permissions{Read: true, Transfer: true}, time.Hour); err != nil {
						return err
					}
				}
				res, err := a.transfers.Transfer(ctx, req)
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return describe(err)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.PatientID, "patient", "", "patient id")
	f.StringVar(&req.FromHospital, "from", "", "source tenant id")
	f.StringVar(&req.ToHospital, "to", "", "destination tenant id")
	f.StringVar(&req.Reason, "reason", "", "transfer reason")
	f.StringVar(&req.TransferredBy, "by", "", "who initiated the transfer")
	f.BoolVar(&req.IncludeFullHistory, "full-history", false, "copy encounters and medications too")
	f.BoolVar(&grant, "grant", false, "grant the source a one-hour transfer permission first")
	cmd.MarkFlagRequired("patient")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

// describe adds the error kind so scripts can tell failures apart.
func describe(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", apperr.KindOf(err), err)
}

func syncCmd() *cobra.Command {
	var a, b, collection, actor string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Insert documents missing on either of two tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, ap *app) error {
				if collection == "" {
					results, err := ap.reconcile.SyncAll(ctx, a, b, actor)
					if results != nil {
						if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
							return perr
						}
					}
					return describe(err)
				}
				res, err := ap.reconcile.Sync(ctx, reconcile.SyncRequest{TenantA: a, TenantB: b, Collection: collection, Actor: actor})
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return describe(err)
			})
		},
	}
	cmd.PersistentFlags().StringVar(&a, "a", "", "first tenant id")
	cmd.PersistentFlags().StringVar(&b, "b", "", "second tenant id")
	cmd.PersistentFlags().StringVar(&collection, "collection", "", "collection to reconcile; empty for all")
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded in the audit log")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Compare document counts between two tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, ap *app) error {
				if collection == "" {
					collection = store.CollectionPatients
				}
				res, err := ap.reconcile.CheckSyncStatus(ctx, a, b, collection)
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Manage the audit database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the audit table in AUDIT_DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuditDatabaseURL == "" {
				return fmt.Errorf("AUDIT_DATABASE_URL is not set")
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.AuditDatabaseURL, cfg.AuditDBMaxConns, cfg.AuditDBMinConns, cfg.TenantConnectTimeout)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := audit.NewPGRecorder(pool).EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "audit schema ready")
			return nil
		},
	})
	return cmd
}
