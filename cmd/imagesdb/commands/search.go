package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sanonone/imagesdb/pkg/engine"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		k      int
		ef     int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <vector>",
		Short: "Find the records nearest to a vector",
		Long: `Find the k records nearest to a vector. Scores are distances: lower is
closer. Ties are listed in id order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := engine.ParseVector(args[0])
			if err != nil {
				return err
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				res, err := col.Search(vec, k, ef)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if err := printHits(cmd.OutOrStdout(), res.Hits); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d hits, %d vectors searched, %dms\n",
					len(res.Hits), res.NumVectorsSearched, res.TimeTakenMillis)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of results")
	cmd.Flags().IntVar(&ef, "ef", 0, "search beam width (0 uses the configured ef_search)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printHits(w io.Writer, hits []engine.Hit) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tSCORE")
	for _, h := range hits {
		fmt.Fprintf(tw, "%d\t%s\t%.6f\n", h.Record.ID, h.Record.Key, h.Score)
	}
	return tw.Flush()
}

func newVerifyCmd(a *app) *cobra.Command {
	var (
		repair bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the store and the index agree",
		Long: `Check that every stored record has exactly one index node and that the
graph is sound. With --repair, purge whatever does not match.

The command exits non-zero when an inconsistency is found and not repaired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCollection(cmd, func(col *engine.Collection) error {
				var (
					rep engine.ConsistencyReport
					err error
				)
				if repair {
					rep, err = col.Repair(cmd.Context())
					if err != nil {
						return err
					}
				} else {
					rep = col.Verify()
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if err := printJSON(out, struct {
						Consistent bool `json:"consistent"`
						Repaired   bool `json:"repaired"`
						engine.ConsistencyReport
					}{rep.Consistent(), repair, rep}); err != nil {
						return err
					}
				} else {
					printReport(out, rep, repair)
				}
				if !rep.Consistent() && !repair {
					return fmt.Errorf("collection is inconsistent")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "purge inconsistent entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, rep engine.ConsistencyReport, repaired bool) {
	if rep.Consistent() {
		fmt.Fprintln(w, "consistent")
		return
	}
	verb := "found"
	if repaired {
		verb = "repaired"
	}
	fmt.Fprintf(w, "%s: %d store-only, %d index-only\n", verb, len(rep.StoreOnly), len(rep.IndexOnly))
	if len(rep.StoreOnly) > 0 {
		fmt.Fprintf(w, "  store-only: %v\n", rep.StoreOnly)
	}
	if len(rep.IndexOnly) > 0 {
		fmt.Fprintf(w, "  index-only: %v\n", rep.IndexOnly)
	}
	if rep.Graph != nil && !rep.Graph.OK() {
		for _, p := range rep.Graph.Problems {
			fmt.Fprintf(w, "  graph: %s\n", p)
		}
	}
}
