package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/lucasepe/codename"

	"manifold/clients"
	"manifold/core"
	"manifold/core/env"
	"manifold/core/log"
	"manifold/models"
	"manifold/services"
	"manifold/usecases"
	"manifold/utils"
)

// statusPollInterval is how often every session's ahead/behind state is
// refreshed in the background.
const statusPollInterval = 30 * time.Second

type CmdRunner struct {
	appState        *models.AppState
	envManager      *env.EnvManager
	rotatingWriter  *log.RotatingWriter
	ptyPool         *clients.PtyPool
	gitClient       *clients.GitClient
	worktreeManager *usecases.WorktreeManager
	sessionManager  *usecases.SessionManager
	chat            *services.ChatAdapter
	project         models.Project

	// Sequential session mutations vs. parallel best-effort status checks.
	blockingWorkerPool *workerpool.WorkerPool
	instantWorkerPool  *workerpool.WorkerPool

	statusPollStop chan struct{}
}

func NewCmdRunner(projectPath, baseBranch string) (*CmdRunner, error) {
	log.Info("📋 Starting to initialize manifold backend for %s", projectPath)

	configDir, err := env.GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	envManager, err := env.NewEnvManager()
	if err != nil {
		return nil, fmt.Errorf("failed to create environment manager: %w", err)
	}
	envManager.StartPeriodicRefresh(1 * time.Minute)

	statePath := filepath.Join(configDir, "state.json")
	loaded, err := models.LoadState(statePath)
	if err != nil {
		log.Warn("⚠️ Could not load persisted state, starting fresh: %v", err)
		loaded = &models.LoadedState{}
	}

	runtimeID := loaded.RuntimeID
	if runtimeID == "" {
		runtimeID = newRuntimeID()
	}

	appState := models.NewAppState(runtimeID, statePath)
	for _, project := range loaded.Projects {
		if err := appState.UpsertProject(*project); err != nil {
			log.Warn("⚠️ Could not restore project %s: %v", project.ID, err)
		}
	}
	for _, session := range loaded.Sessions {
		if err := appState.UpsertSession(*session); err != nil {
			log.Warn("⚠️ Could not restore session %s: %v", session.ID, err)
		}
	}

	project, err := registerProject(appState, projectPath, baseBranch)
	if err != nil {
		return nil, err
	}

	gitClient := clients.NewGitClient()
	ptyPool := clients.NewPtyPool()
	branchNamer := usecases.NewBranchNamer(gitClient)
	worktreeManager := usecases.NewWorktreeManager(branchNamer, filepath.Join(configDir, "worktrees"), runtimeID)
	chat := services.NewChatAdapter()
	sessionManager := usecases.NewSessionManager(appState, ptyPool, gitClient, worktreeManager, chat, nil)

	return &CmdRunner{
		appState:           appState,
		envManager:         envManager,
		ptyPool:            ptyPool,
		gitClient:          gitClient,
		worktreeManager:    worktreeManager,
		sessionManager:     sessionManager,
		chat:               chat,
		project:            project,
		blockingWorkerPool: workerpool.New(1),
		instantWorkerPool:  workerpool.New(5),
		statusPollStop:     make(chan struct{}),
	}, nil
}

// newRuntimeID generates a human-readable name for this backend instance.
func newRuntimeID() string {
	rng, err := codename.DefaultRNG()
	if err != nil {
		return core.NewID("run")
	}
	return codename.Generate(rng, 0)
}

// registerProject finds an existing registry entry for the path or creates
// one.
func registerProject(appState *models.AppState, projectPath, baseBranch string) (models.Project, error) {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return models.Project{}, fmt.Errorf("failed to resolve project path: %w", err)
	}

	for _, project := range appState.GetAllProjects() {
		if project.Path == absPath {
			return project, nil
		}
	}

	project := models.Project{
		ID:         uuid.NewString(),
		Name:       filepath.Base(absPath),
		Path:       absPath,
		BaseBranch: baseBranch,
	}
	if err := appState.UpsertProject(project); err != nil {
		return models.Project{}, fmt.Errorf("failed to register project: %w", err)
	}
	return project, nil
}

// setupProgramLogging mirrors all log output into a rotating file under the
// config dir and returns the active log path.
func (cr *CmdRunner) setupProgramLogging() (string, error) {
	configDir, err := env.GetConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}

	rotatingWriter, err := log.NewRotatingWriter(log.RotatingWriterConfig{
		LogDir: filepath.Join(configDir, "logs"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create rotating writer: %w", err)
	}

	cr.rotatingWriter = rotatingWriter
	log.SetWriter(rotatingWriter)
	return rotatingWriter.GetCurrentLogPath(), nil
}

// startStatusPolling periodically refreshes every session's ahead/behind
// counts on the instant pool. Best-effort: results are only logged here;
// the embedding app reads them through the session manager on demand.
func (cr *CmdRunner) startStatusPolling() {
	go func() {
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cr.statusPollStop:
				return
			case <-ticker.C:
				for _, session := range cr.appState.GetSessionsForProject(cr.project.ID) {
					session := session
					cr.instantWorkerPool.Submit(func() {
						counts := cr.gitClient.GetAheadBehind(session.WorktreePath, cr.project.BaseBranch)
						log.Debug("Session %s: %d ahead, %d behind %s",
							session.ID, counts.Ahead, counts.Behind, cr.project.BaseBranch)
					})
				}
			}
		}
	}()
}

// shutdown tears everything down in dependency order. Each step is
// best-effort; shutdown always completes.
func (cr *CmdRunner) shutdown() {
	log.Info("📋 Shutting down manifold backend")

	close(cr.statusPollStop)

	if err := cr.sessionManager.KillNonInteractiveSessions(cr.project.ID); err != nil {
		log.Warn("⚠️ Could not kill non-interactive sessions: %v", err)
	}
	cr.ptyPool.KillAll()
	cr.worktreeManager.StopSidecarJanitor()

	cr.blockingWorkerPool.StopWait()
	cr.instantWorkerPool.StopWait()

	cr.envManager.Stop()
	if cr.rotatingWriter != nil {
		if err := cr.rotatingWriter.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log writer: %v\n", err)
		}
	}

	log.Info("✅ Shutdown complete")
}

type Options struct {
	Project    string `long:"project" short:"p" description:"Path to the project repository (defaults to the current directory)"`
	BaseBranch string `long:"base-branch" description:"Branch sessions are created from and restored to" default:"main"`
	Agent      string `long:"agent" description:"CLI agent binary to launch for new sessions" choice:"claude" choice:"codex" choice:"gemini" default:"claude"`
	Task       string `long:"task" description:"Task description; when set, a session is started immediately"`
	Verbose    bool   `long:"verbose" description:"Enable debug logging"`
	Version    bool   `long:"version" short:"v" description:"Show version information"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("%s\n", core.GetVersion())
		os.Exit(0)
	}

	if opts.Verbose {
		log.SetLevel(slog.LevelDebug)
	} else {
		log.SetLevel(slog.LevelInfo)
	}

	log.Info("🚀 manifold starting - version %s", core.GetVersion())

	projectPath := opts.Project
	if projectPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving working directory: %v\n", err)
			os.Exit(1)
		}
		projectPath = cwd
	}
	log.Info("📁 Project directory: %s", projectPath)

	// One backend per repository. A second instance against the same
	// project would race worktree and branch operations.
	dirLock := utils.NewDirLock(projectPath)
	locked, err := dirLock.TryLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error acquiring directory lock: %v\n", err)
		os.Exit(1)
	}
	if !locked {
		fmt.Fprintf(os.Stderr, "Error: another manifold instance is already running for %s\n", projectPath)
		os.Exit(1)
	}
	defer func() {
		if unlockErr := dirLock.Unlock(); unlockErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to release directory lock: %v\n", unlockErr)
		}
	}()

	cmdRunner, err := NewCmdRunner(projectPath, opts.BaseBranch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing manifold: %v\n", err)
		os.Exit(1)
	}

	logPath, err := cmdRunner.setupProgramLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	log.Info("📝 Logging to: %s", logPath)

	cmdRunner.sessionManager.RecoverFromCrash()
	cmdRunner.sessionManager.CleanupStaleBranches(cmdRunner.project.ID)
	if err := cmdRunner.worktreeManager.StartSidecarJanitor(cmdRunner.project.ID); err != nil {
		log.Warn("⚠️ Could not start worktree janitor: %v", err)
	}

	cmdRunner.startStatusPolling()

	if opts.Task != "" {
		cmdRunner.blockingWorkerPool.Submit(func() {
			session, err := cmdRunner.sessionManager.CreateSession(usecases.CreateSessionParams{
				ProjectID:       cmdRunner.project.ID,
				TaskDescription: opts.Task,
				AgentBinary:     opts.Agent,
			})
			if err != nil {
				log.Error("❌ Failed to start initial session: %v", err)
				return
			}
			log.Info("✅ Started session %s on branch %s", session.ID, session.BranchName)
		})
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	<-interrupt
	cmdRunner.shutdown()
}
