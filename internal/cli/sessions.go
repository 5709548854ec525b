package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/asterlane/engram/internal/config"
	"github.com/asterlane/engram/pkg/lockfile"
	"github.com/asterlane/engram/pkg/registry"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the shared session registry",
	Long: `Inspect or prune the shared session registry. These commands operate
on the registry document directly, taking the same file lock the daemon and
agent hooks use, so they work whether or not the daemon is running.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agent sessions",
	RunE:  runSessionsList,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove sessions whose data directory is gone or whose owner went silent",
	RunE:  runSessionsPrune,
}

var (
	registerSessionID string
	registerAgent     string
	registerProject   string
)

var sessionsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent session (for session-open hooks)",
	RunE:  runSessionsRegister,
}

var sessionsUnregisterCmd = &cobra.Command{
	Use:   "unregister <session-id>",
	Short: "Remove an agent session (for session-close hooks)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsUnregister,
}

func init() {
	sessionsRegisterCmd.Flags().StringVar(&registerSessionID, "id", "", "session id (generated when omitted)")
	sessionsRegisterCmd.Flags().StringVar(&registerAgent, "agent", "", "agent label")
	sessionsRegisterCmd.Flags().StringVar(&registerProject, "project", "", "project name")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	sessionsCmd.AddCommand(sessionsRegisterCmd)
	sessionsCmd.AddCommand(sessionsUnregisterCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openRegistry builds a registry handle from the effective config.
func openRegistry() (*registry.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openRegistryWith(cfg)
}

func openRegistryWith(cfg *config.Config) (*registry.Registry, error) {
	locks, err := lockfile.New(lockfile.Config{
		Dir:           cfg.Locks.Dir,
		StaleAfter:    cfg.LockStaleAfter(),
		RetryInterval: cfg.LockRetryInterval(),
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lock manager: %w", err)
	}

	return registry.New(registry.Config{
		Path:        cfg.Registry.Path,
		SessionsDir: cfg.Registry.SessionsDir,
		Locks:       locks,
		LockTimeout: cfg.LockTimeout(),
		PruneAfter:  cfg.RegistryPruneAfter(),
		Logger:      zerolog.Nop(),
	})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	entries, err := reg.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No active sessions")
		return nil
	}

	fmt.Printf("%d active session(s):\n", len(entries))
	for _, e := range entries {
		age := time.Since(e.StartedAt).Round(time.Second)
		fmt.Printf("  %s  agent=%s  project=%s  host=%s  pid=%d  age=%s\n",
			e.SessionID, e.AgentLabel, e.Project, e.OwnerHost, e.OwnerPID, age)
	}
	return nil
}

func runSessionsRegister(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	id := registerSessionID
	if id == "" {
		id = uuid.NewString()
	}

	if err := reg.Register(registry.Entry{
		SessionID:  id,
		AgentLabel: registerAgent,
		Project:    registerProject,
		StartedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	fmt.Println(id)
	return nil
}

func runSessionsUnregister(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	if err := reg.Unregister(args[0]); err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}

	fmt.Printf("Unregistered %s\n", args[0])
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	removed, err := reg.PruneStale()
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}

	fmt.Printf("Pruned %d stale session(s)\n", removed)
	return nil
}
