package commands

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sanonone/imagesdb/pkg/engine"
	"github.com/sanonone/imagesdb/pkg/store"
)

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

func newPutCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "put <key> <vector>",
		Short: "Store an embedding under a key",
		Long: `Store an embedding under a key and print the assigned id.

The vector is a comma or space separated list of numbers, optionally in
brackets: "0.1,0.2,0.3" or "[0.1 0.2 0.3]".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := engine.ParseVector(args[1])
			if err != nil {
				return err
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				rec, err := col.Put(cmd.Context(), args[0], vec)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				rec, err := col.Get(id)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t[%s]\n", rec.ID, rec.Key, engine.FormatVector(rec.Embedding))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var (
		asJSON     bool
		embeddings bool
	)
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List records in id order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCollection(cmd, func(col *engine.Collection) error {
				recs := col.GetAll()
				if !embeddings {
					for i := range recs {
						recs[i].Embedding = nil
					}
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), recs)
				}
				return printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().BoolVar(&embeddings, "embeddings", false, "include embeddings")
	return cmd
}

func printRecords(w io.Writer, recs []store.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY")
	for _, r := range recs {
		if r.Embedding != nil {
			fmt.Fprintf(tw, "%d\t%s\t[%s]\n", r.ID, r.Key, engine.FormatVector(r.Embedding))
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\n", r.ID, r.Key)
	}
	return tw.Flush()
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"remove"},
		Short:   "Remove records",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uint64, len(args))
			for i, s := range args {
				id, err := parseID(s)
				if err != nil {
					return err
				}
				ids[i] = id
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				for _, id := range ids {
					removed, err := col.Remove(cmd.Context(), id)
					if err != nil {
						return err
					}
					if removed {
						fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", id)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "not found %d\n", id)
					}
				}
				return nil
			})
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			return a.withCollection(cmd, func(col *engine.Collection) error {
				n := col.Len()
				if err := col.RemoveAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}
