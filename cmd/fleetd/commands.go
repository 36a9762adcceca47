package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-fleet/internal/conductor"
	"github.com/hochfrequenz/agent-fleet/internal/config"
	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/events"
	"github.com/hochfrequenz/agent-fleet/internal/insight"
	"github.com/hochfrequenz/agent-fleet/internal/monitor"
	"github.com/hochfrequenz/agent-fleet/internal/notify"
	"github.com/hochfrequenz/agent-fleet/internal/policy"
	"github.com/hochfrequenz/agent-fleet/internal/prompt"
	"github.com/hochfrequenz/agent-fleet/internal/registry"
	"github.com/hochfrequenz/agent-fleet/internal/route"
	"github.com/hochfrequenz/agent-fleet/internal/runtime"
	"github.com/hochfrequenz/agent-fleet/internal/spawner"
	"github.com/hochfrequenz/agent-fleet/internal/upstream"
)

var (
	spawnOperator string
	spawnTier     string
	spawnAgent    string
	spawnClass    string
	spawnBranch   string
	spawnBody     string
	logsLines     int
	listOperator  string
	listStatus    string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet: monitor, event hub, and status endpoint",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	spawnCmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn an agent for a task",
		RunE:  runSpawn,
	}
	spawnCmd.Flags().StringVar(&spawnOperator, "operator", "", "operator requesting the task")
	spawnCmd.Flags().StringVar(&spawnTier, "tier", "standard", "operator tier")
	spawnCmd.Flags().StringVar(&spawnAgent, "agent", "claude", "agent kind")
	spawnCmd.Flags().StringVar(&spawnClass, "class", "feature", "task classification")
	spawnCmd.Flags().StringVar(&spawnBranch, "branch", "", "branch to work on")
	spawnCmd.Flags().StringVar(&spawnBody, "task", "", "task description")
	spawnCmd.MarkFlagRequired("operator")
	spawnCmd.MarkFlagRequired("branch")
	spawnCmd.MarkFlagRequired("task")
	rootCmd.AddCommand(spawnCmd)

	stopCmd := &cobra.Command{
		Use:   "stop TASK",
		Short: "Cancel a task and kill its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete TASK",
		Short: "Delete a terminal task's record and reclaim its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	rootCmd.AddCommand(deleteCmd)

	logsCmd := &cobra.Command{
		Use:   "logs TASK",
		Short: "Show recent sandbox output for a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logsLines, "lines", 200, "number of lines to tail")
	rootCmd.AddCommand(logsCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listOperator, "operator", "", "filter by operator")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	insightsCmd := &cobra.Command{
		Use:   "insights",
		Short: "List insights harvested from finished tasks",
		RunE:  runInsights,
	}
	rootCmd.AddCommand(insightsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// deps wires the fleet components from config
type deps struct {
	cfg       *config.Config
	reg       *registry.SQLiteRegistry
	spawner   *spawner.Spawner
	conductor *conductor.Conductor
	monitor   *monitor.Monitor
	hub       *events.Hub
}

func build(cfg *config.Config) (*deps, error) {
	reg, err := registry.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	runner := runtime.ExecRunner{}
	git := runtime.NewGit(runner, cfg.General.RepoDir)
	tmux := runtime.NewTmux(runner)
	docker := runtime.NewDocker(runner, "docker", cfg.Container.DockerHost)

	spw := spawner.New(spawner.Config{
		Mode:             domain.ExecMode(cfg.General.Mode),
		BaseDir:          cfg.General.WorktreeDir,
		SnapshotDir:      cfg.General.SnapshotDir,
		SecretDir:        cfg.General.SecretDir,
		InstallCmd:       strings.Fields(cfg.General.InstallCmd),
		CacheDir:         cfg.General.CacheDir,
		ContainerImage:   cfg.Container.Image,
		ContainerMemory:  cfg.Container.Memory,
		ContainerCPUs:    cfg.Container.CPUs,
		ContainerNetwork: cfg.Container.Network,
		SeccompProfile:   cfg.Container.SeccompProfile,
		UsernsMode:       cfg.Container.UsernsMode,
	}, runner, git, tmux, docker, spawner.StaticSecrets(secretsFromEnv()))

	hub := events.NewHub()
	notifier := notify.NewMulti(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))

	admission := policy.NewAdmission(cfg.Limits.Tiers)
	if live, err := reg.ListLive(); err == nil {
		admission.Rebuild(live)
	}

	cond := conductor.New(reg, spw, admission,
		route.NewSelector(cfg.Routing.Table, cfg.Routing.DefaultModel),
		prompt.NewBuilder(cfg.Prompt.System, cfg.Prompt.Constraints),
		hub, notifier)

	durations, err := cfg.MonitorDurations()
	if err != nil {
		return nil, err
	}
	mon := monitor.New(reg, spw, upstream.NewClient(runner, cfg.General.RepoDir), nil,
		insight.NewStore(cfg.General.InsightDir), monitor.Thresholds{
			Interval:         durations.Interval,
			StallAfter:       durations.StallAfter,
			MaxTaskDuration:  durations.MaxTaskDuration,
			CycleDeadline:    durations.CycleDeadline,
			ProbeConcurrency: cfg.Monitor.ProbeConcurrency,
		})
	mon.SetEmitter(hub)

	return &deps{cfg: cfg, reg: reg, spawner: spw, conductor: cond, monitor: mon, hub: hub}, nil
}

// secretsFromEnv forwards the fleet's own agent credentials into
// container sandboxes.
func secretsFromEnv() map[string]string {
	secrets := make(map[string]string)
	for _, key := range []string{"ANTHROPIC_API_KEY", "GITHUB_TOKEN"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	return secrets
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := build(cfg)
	if err != nil {
		return err
	}
	defer d.reg.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.monitor.Start(ctx); err != nil {
		return err
	}
	defer d.monitor.Stop()

	// Threshold changes apply between cycles without a restart.
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	watcher, err := config.NewWatcher(path, func(updated *config.Config) {
		durations, err := updated.MonitorDurations()
		if err != nil {
			log.Error().Err(err).Msg("reloaded config has bad thresholds, keeping previous")
			return
		}
		d.monitor.UpdateThresholds(monitor.Thresholds{
			Interval:         durations.Interval,
			StallAfter:       durations.StallAfter,
			MaxTaskDuration:  durations.MaxTaskDuration,
			CycleDeadline:    durations.CycleDeadline,
			ProbeConcurrency: updated.Monitor.ProbeConcurrency,
		})
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watch unavailable, thresholds fixed until restart")
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", d.hub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := d.monitor.HealthSnapshot()
		fmt.Fprintf(w, "running=%t cycles=%d errors=%d lastCycleMs=%d\n",
			h.Running, h.CycleCount, h.Errors, h.LastCycleMs)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("fleet serving")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runSpawn(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := build(cfg)
	if err != nil {
		return err
	}
	defer d.reg.Close()

	res, err := d.conductor.Spawn(cmd.Context(), conductor.SpawnRequest{
		Operator:       spawnOperator,
		Tier:           spawnTier,
		AgentKind:      spawnAgent,
		Classification: spawnClass,
		Branch:         spawnBranch,
		TaskBody:       spawnBody,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Spawned %s\n", res.TaskID)
	fmt.Printf("  branch:   %s\n", res.Branch)
	fmt.Printf("  worktree: %s\n", res.WorktreePath)
	fmt.Printf("  model:    %s\n", res.Model)
	fmt.Printf("  status:   %s\n", res.Status)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := build(cfg)
	if err != nil {
		return err
	}
	defer d.reg.Close()

	if err := d.conductor.StopTask(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Stopped %s\n", args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := build(cfg)
	if err != nil {
		return err
	}
	defer d.reg.Close()

	if err := d.conductor.DeleteTask(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := build(cfg)
	if err != nil {
		return err
	}
	defer d.reg.Close()

	logs, err := d.conductor.GetTaskLogs(cmd.Context(), args[0], logsLines)
	if err != nil {
		return err
	}
	if logs == "" {
		fmt.Println("(no sandbox output)")
		return nil
	}
	fmt.Print(logs)
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func statusStyle(s domain.TaskStatus) lipgloss.Style {
	switch {
	case s == domain.StatusFailed || s == domain.StatusRejected || s == domain.StatusAbandoned:
		return deadStyle
	case s.IsTerminal():
		return dimStyle
	default:
		return liveStyle
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := registry.Open(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer reg.Close()

	live, err := reg.ListLive()
	if err != nil {
		return err
	}

	counts := make(map[domain.TaskStatus]int)
	for _, rec := range live {
		counts[rec.Status]++
	}

	fmt.Println(headerStyle.Render("Fleet status"))
	if len(live) == 0 {
		fmt.Println(dimStyle.Render("  no live tasks"))
		return nil
	}
	for _, status := range []domain.TaskStatus{
		domain.StatusProposed, domain.StatusSpawning, domain.StatusRunning,
		domain.StatusPRCreated, domain.StatusReviewing, domain.StatusReady,
		domain.StatusRetrying,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %s %d\n", statusStyle(status).Render(string(status)), n)
		}
	}
	return nil
}

func runInsights(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	insights, err := insight.NewStore(cfg.General.InsightDir).List()
	if err != nil {
		return err
	}
	if len(insights) == 0 {
		fmt.Println(dimStyle.Render("no insights harvested"))
		return nil
	}

	for _, ins := range insights {
		fmt.Println(headerStyle.Render(ins.Title))
		if ins.TaskID != "" {
			fmt.Printf("  %s %s\n", dimStyle.Render("task:"), ins.TaskID)
		}
		if len(ins.Tags) > 0 {
			fmt.Printf("  %s %s\n", dimStyle.Render("tags:"), strings.Join(ins.Tags, ", "))
		}
		if ins.Body != "" {
			fmt.Printf("  %s\n", ins.Body)
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := registry.Open(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer reg.Close()

	recs, err := reg.Query(registry.Filter{
		Operator: listOperator,
		Status:   domain.TaskStatus(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPERATOR\tBRANCH\tSTATUS\tPR\tCI")
	for _, rec := range recs {
		pr := "-"
		if rec.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", rec.PRNumber)
		}
		ci := rec.CIStatus
		if ci == "" {
			ci = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Operator, rec.Branch, statusStyle(rec.Status).Render(string(rec.Status)), pr, ci)
	}
	w.Flush()
	return nil
}
