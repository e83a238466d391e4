package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/vasledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/telegram"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
)

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reconciler and the Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer app.Close()
			return serve(ctx, app)
		},
	}
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	return cmd
}

func serve(ctx context.Context, app *application) error {
	router, err := httpapi.NewRouter(httpapi.Config{
		ListenAddr:     app.config.ListenAddr,
		AllowedOrigins: app.config.AllowedOrigins,
		HistoryLimit:   app.config.HistoryLimit,
	}, httpapi.Dependencies{
		Wallet:         app.ledger,
		Purchases:      app.orchestrator,
		Reconciler:     app.worker,
		Meters:         app.gateway,
		Metrics:        app.metrics,
		MetricsHandler: promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		Logger:         app.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	var bot *telegram.Bot
	if token := strings.TrimSpace(app.config.Telegram.Token); token != "" {
		if bot, err = newTelegramBot(app, token); err != nil {
			return err
		}
	}

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupContext, httpapi.Config{ListenAddr: app.config.ListenAddr}, router, app.logger.Named("http"))
	})
	group.Go(func() error {
		return app.worker.Run(groupContext)
	})
	if bot != nil {
		group.Go(func() error {
			return bot.Run(groupContext)
		})
	}
	return group.Wait()
}

func newTelegramBot(app *application, token string) (*telegram.Bot, error) {
	api, err := telegram.Connect(token, app.config.Telegram.Debug)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logger := app.logger.Named("telegram")
	handler, err := telegram.NewHandler(app.ledger, app.orchestrator, app.gateway, app.pricing, telegram.HandlerConfig{
		AllowFund:    app.config.Telegram.AllowFund,
		HistoryLimit: app.config.HistoryLimit,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("telegram bot enabled", zap.String("username", api.Self.UserName))
	return telegram.NewBot(api, handler, app.config.Telegram.PollTimeout, app.config.Telegram.Workers, logger)
}

func newReconcileCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer app.Close()

			report, sweepErr := app.worker.Sweep(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "marked pending: %d\n", report.MarkedPending)
			fmt.Fprintf(out, "abandoned:      %d\n", report.Abandoned)
			fmt.Fprintf(out, "succeeded:      %d\n", report.Succeeded)
			fmt.Fprintf(out, "failed:         %d\n", report.Failed)
			fmt.Fprintf(out, "still pending:  %d\n", report.StillPending)
			fmt.Fprintf(out, "needs review:   %d\n", report.Exhausted)
			fmt.Fprintf(out, "committed:      %d\n", report.Committed)
			fmt.Fprintf(out, "released:       %d\n", report.Released)
			fmt.Fprintf(out, "errors:         %d\n", report.Errors)
			return sweepErr
		},
	}
}

func newAuditCommand(cfg *runtimeConfig) *cobra.Command {
	var frozenOnly bool
	cmd := &cobra.Command{
		Use:   "audit [account...]",
		Short: "Recompute balances from the journal and freeze diverging accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			accounts, err := auditTargets(cmd.Context(), app, args, frozenOnly)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var failures []error
			for _, accountID := range accounts {
				balance, verifyErr := app.ledger.Verify(cmd.Context(), accountID)
				if verifyErr != nil {
					fmt.Fprintf(out, "%s\tFAILED\t%v\n", accountID.String(), verifyErr)
					failures = append(failures, fmt.Errorf("%s: %w", accountID.String(), verifyErr))
					continue
				}
				fmt.Fprintf(out, "%s\tok\ttotal=%d held=%d spendable=%d\n", accountID.String(),
					balance.TotalCents.Int64(), balance.HeldCents.Int64(), balance.SpendableCents.Int64())
			}
			return errors.Join(failures...)
		},
	}
	cmd.Flags().BoolVar(&frozenOnly, "frozen", false, "audit only frozen accounts")
	return cmd
}

func auditTargets(ctx context.Context, app *application, args []string, frozenOnly bool) ([]ledger.AccountID, error) {
	if len(args) == 0 {
		return app.store.ListAccountIDs(ctx, frozenOnly)
	}
	accounts := make([]ledger.AccountID, 0, len(args))
	for _, raw := range args {
		accountID, err := ledger.NewAccountID(raw)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, accountID)
	}
	return accounts, nil
}

func newUnfreezeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "unfreeze <account>",
		Short: "Clear an account freeze after manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := ledger.NewAccountID(args[0])
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.ledger.Unfreeze(cmd.Context(), accountID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unfrozen\n", accountID.String())
			return nil
		},
	}
}

func newResolveCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <purchase-id> success <provider-ref> | rejected [reason]",
		Short: "Record a manually confirmed provider outcome",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := parseOutcome(args[1:])
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()

			request, err := app.orchestrator.Resolve(cmd.Context(), args[0], outcome)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", request.ID, request.State)
			return nil
		},
	}
}

func parseOutcome(args []string) (provider.Outcome, error) {
	switch strings.ToLower(args[0]) {
	case "success":
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return provider.Outcome{}, errors.New("success requires a provider reference")
		}
		return provider.Success(strings.TrimSpace(args[1])), nil
	case "rejected":
		reason := "rejected by operator"
		if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
			reason = strings.TrimSpace(args[1])
		}
		return provider.Rejected(reason), nil
	default:
		return provider.Outcome{}, fmt.Errorf("unknown outcome %q", args[0])
	}
}
