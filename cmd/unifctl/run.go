package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/events"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/run"
	"github.com/fyrsmithlabs/unifyd/internal/tui"
)

var (
	runMode        string
	runPolicy      string
	runActor       string
	runFormat      string
	runOut         string
	runConfigPath  string
	runInteractive bool
	runWatch       bool
)

var runCmd = &cobra.Command{
	Use:   "run <fragment>...",
	Short: "Run the unification pipeline locally on divergent copies",
	Long: `Run the merge/analyze/fix pipeline in-process on two or more divergent
copies of an artifact. The first fragment (by file modification time) becomes
the merge base.

Examples:
  # Merge three copies, latest modification wins conflicts
  unifctl run notes-a.md notes-b.md notes-c.md

  # Resolve conflicts by hand in a terminal UI
  unifctl run --policy interactive --interactive a.md b.md

  # Merge only, write the unified artifact to a file
  unifctl run --mode merge-only --out unified.md a.md b.md

  # Re-run whenever an input changes
  unifctl run --watch a.md b.md`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "full", "pipeline mode: full, merge-only, analyze-only, dry-run")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "conflict policy: latest-wins, interactive, weighted")
	runCmd.Flags().StringVar(&runActor, "actor", "", "actor recorded on ledger entries")
	runCmd.Flags().StringVar(&runFormat, "format", "markdown", "report format: markdown, json")
	runCmd.Flags().StringVar(&runOut, "out", "", "write the unified artifact to this file")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", false, "resolve pending conflicts in a terminal UI")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "re-run the pipeline when an input file changes")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := newLocalEngine(runConfigPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = eng.Close()
	}()

	if err := runOnce(ctx, eng, args); err != nil {
		if !runWatch {
			return err
		}
		fmt.Fprintf(os.Stderr, "[unifctl] run failed: %v\n", err)
	}

	if runWatch {
		return watchAndRerun(ctx, eng, args)
	}
	return nil
}

// newLocalEngine builds an in-process engine with eventing disabled;
// local runs have no subscribers.
func newLocalEngine(configPath string) (*engine.Engine, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = zapcore.ErrorLevel
	logCfg.Format = "console"
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	return engine.NewEngine(cfg, run.NewStore(), events.NopPublisher{}, logger)
}

// runOnce executes one pipeline pass over the named files and renders
// the outcome.
func runOnce(ctx context.Context, eng *engine.Engine, paths []string) error {
	frags, err := loadFragments(paths)
	if err != nil {
		return err
	}

	req := engine.Request{
		Mode:      run.Mode(runMode),
		Actor:     runActor,
		Fragments: frags,
		Policy:    merge.Policy(runPolicy),
	}

	r, err := eng.Execute(ctx, req)
	if err != nil {
		return err
	}

	if r.State == run.StateAwaiting {
		if !runInteractive {
			fmt.Fprintf(os.Stderr, "[unifctl] run %s paused with %d unresolved conflicts; re-run with --interactive\n",
				r.ID, len(r.Merge.Pending()))
			return fmt.Errorf("run %s awaiting conflict resolution", r.ID)
		}
		r, err = resolveInteractively(ctx, eng, r)
		if err != nil {
			return err
		}
	}

	switch r.State {
	case run.StateFailed, run.StateAborted:
		return fmt.Errorf("run %s %s: %s", r.ID, r.State, r.Error)
	case run.StateCancelled:
		return fmt.Errorf("run %s cancelled", r.ID)
	}

	if runOut != "" && r.Content != "" {
		if err := os.WriteFile(runOut, []byte(r.Content), 0o644); err != nil {
			return fmt.Errorf("write unified artifact: %w", err)
		}
		fmt.Fprintf(os.Stderr, "[unifctl] unified artifact written to %s\n", runOut)
	}

	report, err := eng.Report(r.ID, runFormat)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	fmt.Print(string(report))
	return nil
}

// loadFragments reads the input files into fragments, using each
// file's modification time as its ingestion time so latest-wins tracks
// real file history.
func loadFragments(paths []string) ([]fragment.Fragment, error) {
	frags := make([]fragment.Fragment, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fragment %s: %w", path, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat fragment %s: %w", path, err)
		}

		frag, err := fragment.New(filepath.Base(path), string(content), fragment.KindForPath(path), info.ModTime())
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", path, err)
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

// resolveInteractively walks the pending conflicts in a terminal UI
// and applies the operator's choices. Applying the last choice resumes
// the pipeline; poll until it reaches a terminal state.
func resolveInteractively(ctx context.Context, eng *engine.Engine, r *run.Run) (*run.Run, error) {
	model := tui.NewResolverModel(r.ID, r.Merge)
	p := tea.NewProgram(model)
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("conflict resolver: %w", err)
	}

	resolved := final.(tui.ResolverModel)
	if resolved.Cancelled() {
		return nil, fmt.Errorf("run %s: conflict resolution abandoned", r.ID)
	}

	actor := runActor
	if actor == "" {
		actor = "unifctl"
	}
	for _, choice := range resolved.Choices() {
		if _, err := eng.ResolveConflict(ctx, r.ID, choice.ConflictID, choice.CandidateID, actor); err != nil {
			return nil, fmt.Errorf("resolve conflict %s: %w", choice.ConflictID, err)
		}
	}

	return waitForTerminal(ctx, eng, r.ID)
}

// waitForTerminal polls the engine until the run finishes.
func waitForTerminal(ctx context.Context, eng *engine.Engine, id string) (*run.Run, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			r, err := eng.Get(id)
			if err != nil {
				return nil, err
			}
			if r.State.Terminal() {
				return r, nil
			}
		}
	}
}

// watchAndRerun re-runs the pipeline whenever an input file changes.
// Editors often replace files on save, so re-add paths after rename
// and remove events.
func watchAndRerun(ctx context.Context, eng *engine.Engine, paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	fmt.Fprintf(os.Stderr, "[unifctl] watching %d files, ctrl+c to stop\n", len(paths))

	// debounce bursts of write events from a single save
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				// best effort: the replacement file may not exist yet
				time.Sleep(100 * time.Millisecond)
				_ = watcher.Add(event.Name)
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(250 * time.Millisecond)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "[unifctl] watch error: %v\n", err)

		case <-pending:
			pending = nil
			fmt.Fprintf(os.Stderr, "[unifctl] input changed, re-running\n")
			if err := runOnce(ctx, eng, paths); err != nil {
				fmt.Fprintf(os.Stderr, "[unifctl] run failed: %v\n", err)
			}
		}
	}
}
