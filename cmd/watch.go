package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/hub"
)

// DefaultWatchDebounce is how long a source must stay quiet before it is
// harvested again
const DefaultWatchDebounce = 2 * time.Second

func newWatchCmd(g *globalFlags) *cobra.Command {
	var debounce time.Duration
	c := &cobra.Command{
		Use:   "watch [sources...]",
		Short: "Harvest local sources again whenever their files change",
		Long: `Watch the storage of the local sources and harvest a source once its
files have been quiet for --debounce. Remote sources are not watched.
Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				targets := hub.WatchPaths(a.cfg, hub.SourceOptions{})
				registered := a.hub.Sources()
				for name := range targets {
					if !slices.Contains(registered, name) || (len(args) > 0 && !slices.Contains(args, name)) {
						delete(targets, name)
					}
				}
				if len(targets) == 0 {
					return errors.New("no local sources to watch")
				}

				fw, err := fsnotify.NewWatcher()
				if err != nil {
					return fmt.Errorf("create watcher: %w", err)
				}
				defer func() { _ = fw.Close() }()

				owners := make(map[string]string)
				for name, paths := range targets {
					for _, p := range paths {
						n, err := watchTree(fw, p)
						if err != nil {
							return fmt.Errorf("watch %s: %w", p, err)
						}
						if n > 0 {
							owners[filepath.Clean(p)] = name
						}
					}
				}
				if len(owners) == 0 {
					return errors.New("none of the source paths exist yet")
				}

				out := cmd.OutOrStdout()
				harvest := func(ctx context.Context, names []string) {
					report, err := a.hub.Harvest(ctx, adapters.FetchOptions{}, names...)
					if err != nil {
						a.log.Warn("harvest failed", zap.Strings("sources", names), zap.Error(err))
						return
					}
					_, _ = fmt.Fprintf(out, "%s %s: %s written, %d unchanged, %d failed\n",
						dateStyle.Render(time.Now().Format("15:04:05")), strings.Join(names, ", "),
						plural(report.SessionsWritten, "session"), report.SessionsSkipped, report.SessionsFailed())
				}

				names := make([]string, 0, len(targets))
				for name := range targets {
					names = append(names, name)
				}
				slices.Sort(names)
				harvest(ctx, names)
				_, _ = fmt.Fprintln(out, infoStyle.Render("Watching "+strings.Join(names, ", ")+"; press Ctrl+C to stop"))

				return watchLoop(ctx, watchEvents{
					Events:   fw.Events,
					Errors:   fw.Errors,
					Owner:    func(path string) string { return ownerOf(owners, path) },
					Added:    func(path string) { addIfDir(fw, path) },
					Debounce: debounce,
					Log:      a.log,
				}, harvest)
			})
		},
	}
	c.Flags().DurationVar(&debounce, "debounce", DefaultWatchDebounce, "Quiet time before a changed source is harvested")
	return c
}

// watchEvents is the input of watchLoop
type watchEvents struct {
	Events <-chan fsnotify.Event
	Errors <-chan error
	// Owner maps a changed path to its source, "" when unwatched
	Owner func(path string) string
	// Added is called for created paths so new directories get watched
	Added    func(path string)
	Debounce time.Duration
	Log      *zap.Logger
}

// watchLoop collects changed sources and calls harvest with them, sorted,
// once no event arrived for Debounce. It returns when ctx is done or the
// event channel closes.
func watchLoop(ctx context.Context, in watchEvents, harvest func(context.Context, []string)) error {
	if in.Debounce <= 0 {
		in.Debounce = DefaultWatchDebounce
	}
	log := in.Log
	if log == nil {
		log = zap.NewNop()
	}
	pending := make(map[string]struct{})
	timer := time.NewTimer(in.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) && in.Added != nil {
				in.Added(ev.Name)
			}
			src := in.Owner(ev.Name)
			if src == "" {
				continue
			}
			log.Debug("source changed", zap.String("source", src), zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
			pending[src] = struct{}{}
			timer.Reset(in.Debounce)
		case err, ok := <-in.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			slices.Sort(names)
			clear(pending)
			harvest(ctx, names)
		}
	}
}

// watchTree adds root and every directory below it. A missing root is
// skipped. It returns the number of directories added.
func watchTree(fw *fsnotify.Watcher, root string) (int, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func addIfDir(fw *fsnotify.Watcher, path string) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		_, _ = watchTree(fw, path)
	}
}

// ownerOf returns the source whose watched root contains path, preferring
// the deepest root
func ownerOf(owners map[string]string, path string) string {
	path = filepath.Clean(path)
	best, owner := -1, ""
	for root, name := range owners {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > best {
			best, owner = len(root), name
		}
	}
	return owner
}
