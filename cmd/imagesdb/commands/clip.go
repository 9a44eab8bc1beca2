package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/engine"
)

func newIndexCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		quiet  bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "index <path>...",
		Short: "Embed images and store them under their paths",
		Long: `Embed image files and store each under its path. Directories are walked
recursively for files with a known image extension.

A file that fails to load or embed is reported and skipped.

With --watch the command keeps running after the first pass and keeps the
collection in step with the directories: new or rewritten images are
reindexed, deleted ones are removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			emb, err := a.requireEmbedder()
			if err != nil {
				return err
			}
			paths, err := clip.ExpandPaths(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 && !watch {
				return fmt.Errorf("no images found in %v", args)
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				ix := clip.NewIndexer(col, emb)
				if !quiet {
					ix.Progress = func(done, total, failed int) {
						fmt.Fprintf(cmd.ErrOrStderr(), "\rindexed %d/%d (%d failed)", done, total, failed)
						if done == total {
							fmt.Fprintln(cmd.ErrOrStderr())
						}
					}
				}
				rep, err := ix.IndexImages(cmd.Context(), paths)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if err := printJSON(out, rep); err != nil || !watch {
						return err
					}
					return watchDirs(cmd, ix, args)
				}
				for _, f := range rep.Failed {
					fmt.Fprintf(out, "failed %s: %s\n", f.Key, f.Error)
				}
				fmt.Fprintf(out, "indexed %d of %d images in %dms\n", len(rep.Inserted), rep.Total, rep.Millis)
				if !watch {
					return nil
				}
				return watchDirs(cmd, ix, args)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide progress")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep watching the directories for changes")
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		opts      clip.SearchOptions
		threshold float64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Find images matching a text description",
		Long: `Embed the text and list the indexed images whose distance is within the
threshold, nearest first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			emb, err := a.requireEmbedder()
			if err != nil {
				return err
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				s := clip.NewSearcher(col, emb)
				s.Defaults = a.searchDefaults()
				if cmd.Flags().Changed("threshold") {
					opts.Threshold = clip.Threshold(threshold)
				}
				res, err := s.Query(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if len(res.Matches) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no matches")
					return nil
				}
				return printHits(cmd.OutOrStdout(), res.Matches)
			})
		},
	}
	cmd.Flags().IntVarP(&opts.K, "k", "k", 0, "candidates to consider (0 uses search.top_k)")
	cmd.Flags().IntVar(&opts.Ef, "ef", 0, "search beam width")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "maximum distance, 0 keeps exact matches only (default search.threshold)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newClassifyCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "classify <image> <classes>",
		Short:   "Score an image against comma-separated class names",
		Example: `  imagesdb classify cat.jpg "cat, dog, car"`,
		Args:    cobra.ExactArgs(2),
		// The collection is not needed.
		RunE: func(cmd *cobra.Command, args []string) error {
			emb, err := a.requireEmbedder()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			scores, err := clip.NewClassifier(emb).Classify(cmd.Context(), data, args[1])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), scores)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASS\tPROBABILITY")
			for _, s := range scores {
				fmt.Fprintf(tw, "%s\t%.4f\n", s.Class, s.Probability)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print scores as JSON")
	return cmd
}

// watchDirs runs a Watcher over the directories among paths until the
// command context is cancelled.
func watchDirs(cmd *cobra.Command, ix *clip.Indexer, paths []string) error {
	var dirs []string
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			dirs = append(dirs, p)
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("--watch needs at least one directory")
	}
	ix.Progress = nil
	w := clip.NewWatcher(ix)
	w.OnSync = func(r clip.SyncReport) {
		fmt.Fprintf(cmd.OutOrStdout(), "synced: %d indexed, %d replaced, %d removed, %d failed\n",
			len(r.Ingest.Inserted), r.Replaced, r.Removed, len(r.Ingest.Failed))
	}
	return w.Watch(cmd.Context(), dirs)
}
