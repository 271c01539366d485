package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hiveledger/internal/archive"
	"hiveledger/internal/config"
	"hiveledger/internal/db"
	"hiveledger/internal/domain"
	"hiveledger/internal/epoch"
	"hiveledger/internal/ingest"
	"hiveledger/internal/ledger"
	"hiveledger/internal/merkle"
	"hiveledger/internal/migrate"
	"hiveledger/internal/payout"
	"hiveledger/internal/repo"
	"hiveledger/internal/seal"
	"hiveledger/internal/server"
	"hiveledger/internal/units"
	"hiveledger/internal/vault"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "HiveLedger CLI",
	Long: `HiveLedger settles micro-payments for a distributed compute marketplace.
Core concepts:
- Accounts: clients fund jobs, workers earn payouts, the treasury collects fees.
- Jobs: each submitted job reserves its fee; completion charges it and accrues
  a pending credit for the worker.
- Epochs: fixed windows of work. Sealing an epoch freezes its job set, builds a
  Merkle commitment, splits net revenue into work and readiness pools, and pays
  every worker their final settlement.
- Vault: withdrawals to the external payment rail, guarded by per-payout and
  rolling 24h limits.
Every balance change lands in an append-only transaction log; 'hl account verify'
replays it against the stored balance.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HIVELEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(epochCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(uptimeCmd())
	rootCmd.AddCommand(depositCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// app bundles the wired components a command needs. Close the returned
// cleanup when done.
type app struct {
	Repo     repo.Repo
	Config   *config.Config
	Ledger   *ledger.Store
	Epochs   *epoch.Manager
	Sealer   *seal.Sealer
	Ingestor *ingest.Ingestor
	Executor *vault.Executor
	Watcher  *vault.Watcher
	Log      zerolog.Logger
}

func openApp(ctx context.Context) (*app, func(), error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { conn.Close() }
	if err := migrate.Migrate(conn); err != nil {
		cleanup()
		return nil, nil, err
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !viper.GetBool("verbose") {
		log = log.Level(zerolog.WarnLevel)
	}

	r := repo.Repo{DB: conn}
	store := ledger.New(conn)
	epochs := epoch.NewManager(conn, cfg.Epoch.Duration.Std())
	if err := epochs.EnsureGenesis(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}

	var rail vault.Rail = vault.ManualRail{}
	if cfg.Rail.Endpoint != "" {
		rail = vault.NewHTTPRail(cfg.Rail.Endpoint, cfg.Rail.Timeout.Std())
	}
	executor := &vault.Executor{
		DB:     conn,
		Repo:   r,
		Ledger: store,
		Rail:   rail,
		Limits: vault.Limits{
			MaxSinglePayout:  cfg.MaxSinglePayout(),
			MinVaultReserve:  cfg.MinReserve(),
			DailyPayoutLimit: cfg.DailyPayoutLimit(),
		},
		Log: log,
	}
	a := &app{
		Repo:   r,
		Config: cfg,
		Ledger: store,
		Epochs: epochs,
		Sealer: &seal.Sealer{
			Epochs:      epochs,
			Ledger:      store,
			Repo:        r,
			Publisher:   archive.NewHTTPPublisher(cfg.Archive.Endpoint, cfg.Archive.Timeout.Std()),
			Signer:      archive.NewHTTPSigner(cfg.Signer.Endpoint, cfg.Signer.Timeout.Std()),
			Params:      payout.Params{ProtocolFeeBps: cfg.Fees.ProtocolBps, OperatorFeeBps: cfg.Fees.OperatorBps, WorkPoolBps: cfg.Pools.WorkBps},
			MaxAttempts: cfg.Seal.MaxAttempts,
			Backoff:     cfg.Seal.Backoff.Std(),
			Log:         log,
		},
		Ingestor: &ingest.Ingestor{DB: conn, Repo: r, Ledger: store, Epochs: epochs, Log: log},
		Executor: executor,
		Watcher: &vault.Watcher{
			Executor:       executor,
			Ledger:         store,
			Repo:           r,
			Rail:           rail,
			ConfirmTimeout: cfg.Vault.ConfirmTimeout.Std(),
			Log:            log,
		},
		Log: log,
	}
	return a, cleanup, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, cleanup, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, a)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hiveledger.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acct := &cobra.Command{
		Use:   "account",
		Short: "Inspect accounts and the transaction log",
	}
	acct.AddCommand(accountListCmd())
	acct.AddCommand(accountShowCmd())
	acct.AddCommand(accountLogCmd())
	acct.AddCommand(accountVerifyCmd())
	return acct
}

func accountListCmd() *cobra.Command {
	var accountType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				accounts, err := a.Repo.ListAccounts(ctx, accountType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Balance", "Reserved", "Pending", "Available", "Frozen"})
				for _, acc := range accounts {
					tw.AppendRow(table.Row{acc.ID, acc.Type, acc.Balance, acc.Reserved, acc.Pending, acc.Available(), acc.Frozen})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountType, "type", "", "filter by account type (client, worker, treasury)")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				acc, err := a.Repo.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(acc)
			})
		},
	}
	return cmd
}

func accountLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Tail the account's transaction log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				txs, err := a.Repo.ListTransactions(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(txs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Kind", "Amount", "Balance After", "Reference", "At"})
				for _, t := range txs {
					tw.AppendRow(table.Row{t.Sequence, t.Kind, t.Amount, t.BalanceAfter, t.ReferenceID, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of transactions")
	return cmd
}

func accountVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Replay the transaction log against the stored balance",
		Long:  "A mismatch freezes the account; nothing is silently corrected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				err := a.Ledger.VerifyAccount(ctx, args[0])
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account_id": args[0], "consistent": err == nil, "error": fmt.Sprint(err)})
				}
				if err != nil {
					return err
				}
				fmt.Printf("account %s consistent\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func epochCmd() *cobra.Command {
	ep := &cobra.Command{
		Use:   "epoch",
		Short: "Inspect and seal epochs",
	}
	ep.AddCommand(epochListCmd())
	ep.AddCommand(epochCurrentCmd())
	ep.AddCommand(epochShowCmd())
	ep.AddCommand(epochSealCmd())
	ep.AddCommand(epochSettlementsCmd())
	ep.AddCommand(epochReceiptCmd())
	ep.AddCommand(epochVerifyCmd())
	return ep
}

func epochListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List epochs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				epochs, err := a.Epochs.List(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(epochs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Jobs", "Revenue", "Work Pool", "Readiness Pool", "Merkle Root"})
				for _, e := range epochs {
					tw.AppendRow(table.Row{e.ID, e.Status, e.JobCount, e.TotalRevenue, e.WorkPool, e.ReadinessPool, short(e.MerkleRoot)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of epochs")
	return cmd
}

func epochCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the active epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.Epochs.Current(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(e)
			})
		},
	}
	return cmd
}

func epochShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEpochID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.Epochs.Get(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(e)
			})
		},
	}
	return cmd
}

func epochSealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seal <id>",
		Short: "Seal an epoch now",
		Long:  "Runs the full pipeline: freeze, Merkle commitment, settlements, signing, bundle publish, finalize. Safe to rerun after a partial failure.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEpochID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.Sealer.Seal(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(e)
			})
		},
	}
	return cmd
}

func epochSettlementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlements <id>",
		Short: "Per-worker payout breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEpochID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				settlements, err := a.Repo.ListSettlements(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(settlements)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Jobs", "Uptime (s)", "Work Share", "Readiness Share", "Total"})
				for _, s := range settlements {
					tw.AppendRow(table.Row{s.WorkerID, s.JobsCompleted, s.UptimeSeconds, s.WorkShare, s.ReadinessShare, s.TotalPayout})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func epochReceiptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt <epoch-id> <job-id>",
		Short: "Merkle inclusion proof for a job in a finalized epoch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEpochID(args[0])
			if err != nil {
				return err
			}
			jobID := args[1]
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.Epochs.Get(ctx, id)
				if err != nil {
					return err
				}
				if e.Status != "finalized" {
					return fmt.Errorf("epoch %d is %s; receipts exist only for finalized epochs", e.ID, e.Status)
				}
				jobs, err := a.Repo.CompletedJobs(ctx, id)
				if err != nil {
					return err
				}
				idx := -1
				for i, j := range jobs {
					if j.ID == jobID {
						idx = i
						break
					}
				}
				if idx < 0 {
					return fmt.Errorf("job %s not in epoch %d's completed set", jobID, id)
				}
				tree := merkle.Build(jobs)
				return printJSONOrIndent(map[string]any{
					"epoch_id":    id,
					"job_id":      jobID,
					"leaf_hash":   merkle.LeafHash(jobs[idx]),
					"merkle_root": e.MerkleRoot,
					"proof":       tree.Proof(idx),
				})
			})
		},
	}
	return cmd
}

func epochVerifyCmd() *cobra.Command {
	var receiptPath string
	cmd := &cobra.Command{
		Use:   "verify <epoch-id>",
		Short: "Verify a receipt against the epoch's stored root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEpochID(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(receiptPath)
			if err != nil {
				return err
			}
			var receipt struct {
				LeafHash string             `json:"leaf_hash"`
				Proof    []merkle.ProofStep `json:"proof"`
			}
			if err := json.Unmarshal(data, &receipt); err != nil {
				return fmt.Errorf("invalid receipt: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				e, err := a.Epochs.Get(ctx, id)
				if err != nil {
					return err
				}
				valid := e.MerkleRoot != "" && merkle.Verify(receipt.LeafHash, receipt.Proof, e.MerkleRoot)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"epoch_id": id, "valid": valid})
				}
				if !valid {
					return fmt.Errorf("receipt does not verify against epoch %d root", id)
				}
				fmt.Printf("receipt verifies against epoch %d root %s\n", id, e.MerkleRoot)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&receiptPath, "receipt", "", "path to receipt JSON (from 'hl epoch receipt')")
	_ = cmd.MarkFlagRequired("receipt")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Job lifecycle events",
		Long:  "Events are idempotent on the job id: redelivering one is a no-op.",
	}
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobFailCmd())
	job.AddCommand(jobShowCmd())
	return job
}

func jobSubmitCmd() *cobra.Command {
	var jobID, clientID, fee string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Admit a job: reserve its fee in the active epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := units.Parse(fee)
			if err != nil {
				return err
			}
			if amount <= 0 {
				return fmt.Errorf("--fee must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				j, err := a.Ingestor.JobSubmitted(ctx, jobID, clientID, amount)
				if err != nil {
					return err
				}
				return printJSONOrIndent(j)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "job id")
	cmd.Flags().StringVar(&clientID, "client", "", "client account id")
	cmd.Flags().StringVar(&fee, "fee", "", "job fee, e.g. 0.10")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("fee")
	return cmd
}

func jobCompleteCmd() *cobra.Command {
	var workerID, poeHash string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Collect the fee and accrue the worker's pending credit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				j, err := a.Ingestor.JobCompleted(ctx, args[0], workerID, poeHash)
				if err != nil {
					return err
				}
				return printJSONOrIndent(j)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker account id")
	cmd.Flags().StringVar(&poeHash, "poe-hash", "", "proof of execution hash")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("poe-hash")
	return cmd
}

func jobFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Release the fee hold for a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				j, err := a.Ingestor.JobFailed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(j)
			})
		},
	}
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				j, err := a.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(j)
			})
		},
	}
	return cmd
}

func uptimeCmd() *cobra.Command {
	var workerID string
	var seconds int64
	cmd := &cobra.Command{
		Use:   "uptime",
		Short: "Accrue worker readiness seconds in the active epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				epochID, err := a.Ingestor.RecordUptime(ctx, workerID, seconds)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"worker_id": workerID, "epoch_id": epochID})
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker account id")
	cmd.Flags().Int64Var(&seconds, "seconds", 0, "seconds of readiness")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("seconds")
	return cmd
}

func depositCmd() *cobra.Command {
	var accountID, accountType, amount, externalRef string
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit a confirmed external deposit",
		Long:  "Idempotent on --ref: rerunning the command returns the original credit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := units.Parse(amount)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				d, err := a.Ledger.Deposit(ctx, accountID, accountType, v, externalRef)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&accountType, "type", "client", "account type (client, worker, treasury)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 10.00")
	cmd.Flags().StringVar(&externalRef, "ref", "", "external rail reference (idempotency key)")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func withdrawCmd() *cobra.Command {
	wd := &cobra.Command{
		Use:   "withdraw",
		Short: "Manage payouts to the external rail",
	}
	wd.AddCommand(withdrawRequestCmd())
	wd.AddCommand(withdrawListCmd())
	wd.AddCommand(withdrawConfirmCmd())
	wd.AddCommand(withdrawFailCmd())
	wd.AddCommand(withdrawSweepCmd())
	return wd
}

func withdrawRequestCmd() *cobra.Command {
	var accountID, destination, amount string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a payout",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := units.Parse(amount)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				w, err := a.Executor.RequestPayout(ctx, accountID, destination, v)
				if err != nil {
					return err
				}
				return printJSONOrIndent(w)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&destination, "destination", "", "external destination")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 1.00")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("destination")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func withdrawListCmd() *cobra.Command {
	var accountID, status string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ws, err := a.Repo.ListWithdrawals(ctx, accountID, status, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ws)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Amount", "Status", "Rail Ref", "Created"})
				for _, w := range ws {
					tw.AppendRow(table.Row{w.ID, w.AccountID, w.Amount, w.Status, w.RailRef, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, completed, failed)")
	cmd.Flags().IntVar(&n, "n", 20, "number of withdrawals")
	return cmd
}

func withdrawConfirmCmd() *cobra.Command {
	var railRef string
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Mark a payout confirmed by the rail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.Executor.ConfirmPayout(ctx, args[0], railRef); err != nil {
					return err
				}
				w, err := a.Repo.GetWithdrawal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(w)
			})
		},
	}
	cmd.Flags().StringVar(&railRef, "rail-ref", "", "rail reference")
	return cmd
}

func withdrawFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a payout failed; the hold is released",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.Executor.FailPayout(ctx, args[0], reason); err != nil {
					return err
				}
				w, err := a.Repo.GetWithdrawal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator marked failed", "failure reason")
	return cmd
}

func withdrawSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass against the rail",
		Long:  "Fails pending payouts past the confirmation window and credits confirmed inbound deposits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.Watcher.Sweep(ctx); err != nil {
					return err
				}
				fmt.Println("sweep complete")
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Ledger-wide counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				out := map[string]any{}
				for _, kind := range []string{"client", "worker", "treasury"} {
					accounts, err := a.Repo.ListAccounts(ctx, kind)
					if err != nil {
						return err
					}
					var total units.Amount
					for _, acc := range accounts {
						total += acc.Balance
					}
					out[kind+"_accounts"] = len(accounts)
					out[kind+"_balance"] = total.String()
				}
				finalized, err := a.Repo.CountEpochsByStatus(ctx, "finalized")
				if err != nil {
					return err
				}
				out["finalized_epochs"] = finalized
				if cur, err := a.Epochs.Current(ctx); err == nil {
					out["current_epoch_id"] = cur.ID
				}
				return printJSONOrIndent(out)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var accountID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				plaintext := "hl_" + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					AccountID: accountID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{
					"id":         key.ID,
					"account_id": key.AccountID,
					"name":       key.Name,
					"key":        plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				keys, err := a.Repo.ListAPIKeys(ctx, accountID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.AccountID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Also runs the epoch sealer and the rail reconciliation sweep in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				jwtSecret := os.Getenv("HIVELEDGER_JWT_SECRET")
				if jwtSecret == "" {
					jwtSecret = a.Config.Auth.JWTSecret
				}
				if jwtSecret == "" && !allowAnonymous {
					return fmt.Errorf("HIVELEDGER_JWT_SECRET is required unless --allow-anonymous is set")
				}
				handler, err := server.New(server.Config{
					DB:       a.Repo.DB,
					Repo:     a.Repo,
					Ledger:   a.Ledger,
					Epochs:   a.Epochs,
					Sealer:   a.Sealer,
					Ingestor: a.Ingestor,
					Executor: a.Executor,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:      jwtSecret,
						AllowAnonymous: allowAnonymous,
						Logger:         a.Log,
					},
				})
				if err != nil {
					return err
				}

				bg, cancel := context.WithCancel(ctx)
				defer cancel()
				go a.Sealer.Watch(bg, time.Minute)
				go a.Watcher.Run(bg, a.Config.Vault.ReconcileEvery.Std())

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving HiveLedger API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "serve without authentication (local development only)")
	return cmd
}

// --- helpers ---

func parseEpochID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid epoch id %q", s)
	}
	return id, nil
}

func short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "..."
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
