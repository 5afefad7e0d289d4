package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/config"
	"github.com/aphp/Cohort360-FrontEnd-sub004/internal/platform/metrics"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopeclient"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

type treeOptions struct {
	depth  int
	expand []string
	sel    []string
	toggle []string
	search string
	page   int
}

func treeCmd() *cobra.Command {
	var opts treeOptions
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Browse the scope hierarchy of a running server",
		Long: `Browse the scope hierarchy of a running server and print it with
checkbox states: [x] selected, [-] partly selected, [ ] not selected.

--select restores a saved selection, then each --toggle id is flipped in
order, as a user clicking checkboxes would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			api, _ := cmd.Flags().GetString("api")
			token, _ := cmd.Flags().GetString("token")
			verbose, _ := cmd.Flags().GetBool("verbose")
			if api == "" {
				api = cfg.ScopeAPIURL
			}
			if token == "" {
				token = cfg.ScopeAPIToken
			}

			client, err := scopeclient.New(scopeclient.Config{
				BaseURL:   api,
				Token:     token,
				BatchSize: cfg.FetchBatchSize,
				PageSize:  cfg.SearchPageSize,
			})
			if err != nil {
				return err
			}

			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				With().Timestamp().Logger().Level(level)

			m := metrics.New(nil)
			ctrl := scopetree.NewController(m.InstrumentGateway("http", client), logger)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			return runTree(ctx, os.Stdout, ctrl, client, opts)
		},
	}
	cmd.Flags().String("api", "", "Scope API base URL (defaults to SCOPE_API_URL)")
	cmd.Flags().String("token", "", "Bearer token (defaults to SCOPE_API_TOKEN)")
	cmd.Flags().Bool("verbose", false, "Log gateway activity to stderr")
	cmd.Flags().IntVar(&opts.depth, "depth", 1, "Expand every unit down to this depth")
	cmd.Flags().StringSliceVar(&opts.expand, "expand", nil, "Open the path down to these units")
	cmd.Flags().StringSliceVar(&opts.sel, "select", nil, "Saved selection to restore")
	cmd.Flags().StringSliceVar(&opts.toggle, "toggle", nil, "Units to toggle after restoring")
	cmd.Flags().StringVar(&opts.search, "search", "", "Search query")
	cmd.Flags().IntVar(&opts.page, "page", 1, "Search result page")
	return cmd
}

func runTree(ctx context.Context, w io.Writer, ctrl *scopetree.Controller, gw scopetree.Gateway, opts treeOptions) error {
	if err := ctrl.LoadRoots(ctx); err != nil {
		return fmt.Errorf("load roots: %w", err)
	}
	if err := expandLevels(ctx, ctrl, opts.depth); err != nil {
		return err
	}
	if err := expandPaths(ctx, ctrl, gw, opts.expand); err != nil {
		return err
	}
	if len(opts.sel) > 0 {
		if _, err := ctrl.Restore(ctx, opts.sel); err != nil {
			return fmt.Errorf("restore selection: %w", err)
		}
	}
	for _, id := range opts.toggle {
		if _, err := ctrl.Toggle(ctx, id); err != nil {
			return fmt.Errorf("toggle %s: %w", id, err)
		}
	}

	renderTree(w, ctrl)
	if opts.search != "" {
		res, err := ctrl.Search(ctx, opts.search, opts.page)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		renderSearch(w, ctrl, opts.search, res)
	}
	renderSelection(w, ctrl.Selection())
	return nil
}

// expandLevels opens every unit above depth, one level at a time with the
// fetches of a level running concurrently.
func expandLevels(ctx context.Context, ctrl *scopetree.Controller, depth int) error {
	level := ctrl.Store().Roots()
	for d := 0; d < depth && len(level) > 0; d++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, n := range level {
			if !n.HasChildren() {
				continue
			}
			g.Go(func() error { return ctrl.Expand(gctx, n.ID) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("expand level %d: %w", d, err)
		}

		var next []scopetree.Node
		store := ctrl.Store()
		for _, n := range level {
			next = append(next, store.Children(n.ID)...)
		}
		level = next
	}
	return nil
}

// expandPaths opens each id and all of its ancestors, from the root down.
func expandPaths(ctx context.Context, ctrl *scopetree.Controller, gw scopetree.Gateway, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	nodes, err := gw.FetchNodesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("resolve expand targets: %w", err)
	}
	for _, n := range nodes {
		path := slices.Clone(n.AncestorIDs)
		slices.Reverse(path)
		path = append(path, n.ID)
		for _, id := range path {
			if err := ctrl.Expand(ctx, id); err != nil {
				return fmt.Errorf("expand %s: %w", id, err)
			}
		}
	}
	return nil
}

func checkbox(s scopetree.CheckState) string {
	switch s {
	case scopetree.Checked:
		return "[x]"
	case scopetree.Indeterminate:
		return "[-]"
	default:
		return "[ ]"
	}
}

func renderTree(w io.Writer, ctrl *scopetree.Controller) {
	store := ctrl.Store()
	var walk func(nodes []scopetree.Node, depth int)
	walk = func(nodes []scopetree.Node, depth int) {
		for _, n := range nodes {
			state, _ := ctrl.State(n.ID)
			fold := " "
			if n.HasChildren() {
				fold = "+"
				if store.IsOpen(n.ID) {
					fold = "-"
				}
			}
			fmt.Fprintf(w, "%s%s %s %s (%d)\n", strings.Repeat("  ", depth), fold, checkbox(state), n.Name, n.Quantity)
			if store.IsOpen(n.ID) {
				walk(store.Children(n.ID), depth+1)
			}
		}
	}
	walk(store.Roots(), 0)
}

func renderSearch(w io.Writer, ctrl *scopetree.Controller, query string, res *scopetree.SearchResult) {
	if res.Cancelled {
		fmt.Fprintf(w, "\nsearch %q was cancelled\n", query)
		return
	}
	fmt.Fprintf(w, "\nsearch %q: %d result(s)\n", query, res.TotalCount)
	for _, n := range res.Results {
		state, _ := ctrl.State(n.ID)
		label := n.Name
		if n.FullPath != nil {
			label = *n.FullPath
		}
		fmt.Fprintf(w, "  %s %s [%s]\n", checkbox(state), label, n.ID)
	}
}

func renderSelection(w io.Writer, sel scopetree.Selection) {
	fmt.Fprintf(w, "\nselection: %d unit(s), %d patient(s)\n", sel.Len(), sel.TotalQuantity())
	for _, n := range sel.Nodes() {
		fmt.Fprintf(w, "  %s %s\n", n.ID, n.Name)
	}
}
