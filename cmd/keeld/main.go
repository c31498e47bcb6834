package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"keel/internal/config"
	"keel/internal/event"
	"keel/internal/logging"
	"keel/internal/runtime"
	"keel/internal/schedule"
	"keel/internal/wal"
)

// Version is the keel runtime version.
const Version = "0.3.1"

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "keeld",
	Short: "keel - durable runtime core for coding agents",
	Long: `keeld hosts the keel runtime core: the per-session event log, the
evidence ledger, replay projections, the context budget, the verification
gate, and the intent scheduler.

Agent harnesses talk to the core in-process; keeld runs it standalone so
scheduled intents keep firing and crash recovery happens on boot.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// runCmd starts the daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the core daemon until interrupted",
	Long: `Loads the workspace config, recovers the turn WAL and the intent
scheduler, then blocks until SIGINT or SIGTERM. Scheduled intents fire into
fresh evaluation sessions while the daemon is up.`,
	RunE: runDaemon,
}

// statusCmd shows workspace state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace runtime status",
	RunE:  showStatus,
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keel %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: cwd)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// pidRecord is written to .keel/scheduler.pid while the daemon runs.
type pidRecord struct {
	PID  int    `json:"pid"`
	Host string `json:"host"`
	// Port is reserved for a future control socket; 0 while none is bound.
	Port      int    `json:"port"`
	StartedAt int64  `json:"startedAt"`
	Cwd       string `json:"cwd"`
}

func pidPath(ws string) string {
	return filepath.Join(ws, ".keel", "scheduler.pid")
}

func writePIDFile(ws string) error {
	host, _ := os.Hostname()
	rec := pidRecord{
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: time.Now().UnixMilli(),
		Cwd:       ws,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pidPath(ws)), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidPath(ws), data, 0644)
}

func readPIDFile(ws string) (*pidRecord, error) {
	data, err := os.ReadFile(pidPath(ws))
	if err != nil {
		return nil, err
	}
	var rec pidRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// runDaemon boots the core and blocks until a shutdown signal.
func runDaemon(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()

	if err := logging.Initialize(ws); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	cfg, err := config.Load(ws)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	orch, err := runtime.New(ws, cfg)
	if err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	defer orch.Close()

	walLog, err := wal.NewLog(ws, cfg.Infrastructure.TurnWAL)
	if err != nil {
		return fmt.Errorf("failed to open turn WAL: %w", err)
	}
	for _, action := range walLog.Recover() {
		if action.Retry {
			logger.Info("WAL record awaiting retry",
				zap.String("walId", action.Record.WALID),
				zap.String("source", action.Record.Source))
		}
	}
	walLog.Compact()

	sched := schedule.New(ws, cfg.Schedule, cfg.Infrastructure.TurnWAL,
		orch.Events(), orch.Engine(), walLog, wakeupExecutor(orch))
	if cfg.Schedule.Enabled {
		report, err := sched.Recover()
		if err != nil {
			return fmt.Errorf("scheduler recovery failed: %w", err)
		}
		logger.Info("Scheduler recovered",
			zap.Int("intents", report.Intents),
			zap.Int("dueIntents", report.CatchUp.DueIntents),
			zap.Int("fired", report.CatchUp.Fired),
			zap.Int("deferred", report.CatchUp.Deferred),
			zap.Bool("snapshotMatched", report.SnapshotMatched))
	}

	watcher, err := config.NewWatcher(ws)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		watcher.OnReload(func(c *config.Config) {
			logger.Info("Config reloaded; restart to apply runtime limits")
		})
		if err := watcher.Start(cmd.Context()); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	if err := writePIDFile(ws); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	logger.Info("keeld running",
		zap.String("workspace", ws),
		zap.Int("pid", os.Getpid()),
		zap.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	sched.Stop()
	os.Remove(pidPath(ws))

	if sig == syscall.SIGINT {
		orch.Close()
		logging.CloseAll()
		_ = logger.Sync()
		os.Exit(130)
	}
	return nil
}

// wakeupExecutor fires intents by opening a fresh evaluation session and
// recording the wakeup block there. A full harness would hand the session
// to an agent; standalone keeld leaves it for the next attach.
func wakeupExecutor(orch *runtime.Orchestrator) schedule.Executor {
	return func(intent schedule.Intent, wakeup string) (schedule.ExecuteResult, error) {
		evalSession := "eval-" + uuid.NewString()[:8]
		err := orch.RecordEvent(evalSession, "message_update", 0, map[string]interface{}{
			"role": "system",
			"text": wakeup,
		})
		if err != nil {
			return schedule.ExecuteResult{}, fmt.Errorf("failed to open evaluation session: %w", err)
		}
		return schedule.ExecuteResult{EvaluationSessionID: evalSession}, nil
	}
}

// showStatus displays workspace runtime state
func showStatus(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()

	fmt.Println("keel Runtime Status")
	fmt.Println("===================")
	fmt.Printf("Version:   %s\n", Version)
	fmt.Printf("Workspace: %s\n", ws)

	if rec, err := readPIDFile(ws); err == nil {
		fmt.Printf("Daemon:    running (pid %d on %s since %s)\n",
			rec.PID, rec.Host, time.UnixMilli(rec.StartedAt).Format(time.RFC3339))
	} else {
		fmt.Println("Daemon:    not running")
	}

	cfg, err := config.Load(ws)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Printf("Events:    enabled=%v\n", cfg.Events.Enabled)
	fmt.Printf("Schedule:  enabled=%v\n", cfg.Schedule.Enabled)
	fmt.Println()

	store, err := event.NewStore(ws, cfg.Events.Enabled, 0)
	if err == nil {
		defer store.Close()
		if ids, err := store.ListSessionIDs(); err == nil {
			fmt.Printf("Sessions:  %d\n", len(ids))
		}
	}

	snapPath := filepath.Join(ws, ".keel", "schedule", "projection.json")
	if data, err := os.ReadFile(snapPath); err == nil {
		var snap struct {
			Intents []struct {
				IntentID  string `json:"intentId"`
				Status    string `json:"status"`
				NextRunAt int64  `json:"nextRunAt"`
			} `json:"intents"`
		}
		if json.Unmarshal(data, &snap) == nil {
			active := 0
			for _, i := range snap.Intents {
				if i.Status == "active" {
					active++
				}
			}
			fmt.Printf("Intents:   %d (%d active)\n", len(snap.Intents), active)
			for _, i := range snap.Intents {
				next := "-"
				if i.NextRunAt > 0 {
					next = time.UnixMilli(i.NextRunAt).Format(time.RFC3339)
				}
				fmt.Printf("  %-14s %-10s next=%s\n", i.IntentID, i.Status, next)
			}
		}
	} else {
		fmt.Println("Intents:   none")
	}

	if walLog, err := wal.NewLog(ws, cfg.Infrastructure.TurnWAL); err == nil {
		fmt.Printf("WAL:       %d pending turns\n", len(walLog.ListPending()))
	}

	return nil
}
