// Command retrace records a single process under ptrace, turning every
// signal stop into exactly one replayable event, and serves recorded
// sessions for inspection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pzim/retrace/binary"
	"github.com/pzim/retrace/config"
	"github.com/pzim/retrace/detect"
	"github.com/pzim/retrace/record"
	"github.com/pzim/retrace/trace"
	"github.com/pzim/retrace/web"
)

var (
	flagConfig  string
	flagDataDir string
	flagDebug   []string
)

var rootCmd = &cobra.Command{
	Use:   "retrace",
	Short: "Deterministic signal recorder for replay debugging",
	Long: "Records a process under ptrace, classifying every signal stop into a\n" +
		"replayable event: synthetic rdtsc and shared-memory accesses, schedule\n" +
		"preemptions, and genuine signals with their handler frames.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Directory for the trace database and captured binaries")
	rootCmd.PersistentFlags().StringSliceVar(&flagDebug, "debug", nil, "Subsystems with debug logging (dispatch, record, mem, detect, monitor, or all)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file, if any, with the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if len(flagDebug) > 0 {
		cfg.DebugLayers = flagDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func binsDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "bins")
}

var (
	recordMonitor bool
	recordDetect  bool
	recordWrapper string
	recordBudget  uint64
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().BoolVar(&recordMonitor, "monitor", false, "Cross-check deliveries against the eBPF signal monitor")
	recordCmd.Flags().BoolVar(&recordDetect, "detect", false, "Evaluate Sigma rules against recorded events")
	recordCmd.Flags().StringVar(&recordWrapper, "wrapper-library", "", "Library whose text ranges defer signal delivery")
	recordCmd.Flags().Uint64Var(&recordBudget, "tick-budget", 0, "Retired branches before a schedule event (0 uses config)")
}

var recordCmd = &cobra.Command{
	Use:   "record [flags] -- <command> [args...]",
	Short: "Record a command until it exits",
	Long: "Launches the command under ptrace and records every signal stop as one\n" +
		"event. The recorder exits with the tracee's exit status.",
	Args: cobra.MinimumNArgs(1),
	RunE: runRecord,
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if recordMonitor {
		cfg.Monitor = true
	}
	if recordDetect {
		cfg.Detect = true
	}
	if recordWrapper != "" {
		cfg.WrapperLibrary = recordWrapper
	}
	if recordBudget != 0 {
		cfg.TickBudget = recordBudget
	}

	store, err := trace.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	bins, err := binary.NewCache(cfg.BinaryCacheSize, binsDir(cfg))
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to set up binary cache: %v", err)
	}

	var det *detect.Detector
	if cfg.Detect {
		det, err = detect.NewDetector(cfg.RulesDir, store, cfg.LayerLogger("detect"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: detection disabled: %v\n", err)
			det = nil
		}
	}

	session := record.NewSession(cfg, store, bins, det)
	exitCode, runErr := session.Run(args[0], args[1:])

	if det != nil {
		det.Close()
	}
	store.Close()

	if runErr != nil {
		return runErr
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

var sessionsLimit int

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions, newest first",
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := trace.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions(sessionsLimit)
	if err != nil {
		return err
	}

	fmt.Printf("%-5s %-20s %-7s %-7s %-5s %s\n", "ID", "STARTED", "PID", "EVENTS", "EXIT", "COMMAND")
	for _, s := range sessions {
		exit := "-"
		if s.ExitCode != nil {
			exit = strconv.Itoa(*s.ExitCode)
		}
		command := s.CmdLine
		if command == "" {
			command = s.Comm
		}
		fmt.Printf("%-5d %-20s %-7d %-7d %-5s %s\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Pid, s.EventCount, exit, command)
	}
	return nil
}

var eventsLimit int

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 1000, "Maximum events to list")
}

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Dump the event log of one session in replay order",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	sessionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := trace.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Events(sessionID, eventsLimit)
	if err != nil {
		return err
	}

	fmt.Printf("%-6s %-18s %-18s %-18s %-12s %s\n", "SEQ", "EVENT", "RIP", "RSP", "INSTS", "TICKS")
	for _, e := range events {
		fmt.Printf("%-6d %-18s %#-18x %#-18x %-12d %d\n",
			e.Seq, e.Name, e.Rip, e.Rsp, e.Insts, e.Ticks)
	}
	return nil
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "Listen address (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve recorded sessions over HTTP",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	store, err := trace.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	bins, err := binary.NewCache(cfg.BinaryCacheSize, binsDir(cfg))
	if err != nil {
		return fmt.Errorf("failed to set up binary cache: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := web.NewServer(store, bins, cfg.ListenAddr)
	return srv.Start(ctx)
}
