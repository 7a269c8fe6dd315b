package cli

import (
	"github.com/spf13/cobra"

	"finrag/internal/db"
)

var goldCmd = &cobra.Command{
	Use:   "gold",
	Short: "Manage the retrieval gold set",
}

var goldAddCmd = &cobra.Command{
	Use:   "add [query] [chunk-ids-csv]",
	Short: "Add a query with its relevant chunk ids",
	Args:  cobra.ExactArgs(2),
	RunE:  runGoldAdd,
}

var goldListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gold queries",
	Args:  cobra.NoArgs,
	RunE:  runGoldList,
}

func init() {
	goldCmd.AddCommand(goldAddCmd, goldListCmd)
	rootCmd.AddCommand(goldCmd)
}

func runGoldAdd(cmd *cobra.Command, args []string) error {
	ids, err := db.ParseIDs(args[1])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := db.AddGold(ctx, a.DB, args[0], ids)
	if err != nil {
		return err
	}
	cmd.Printf("Added gold query %d: %s -> %s\n", g.ID, g.Query, g.RelevantChunkIDsCSV)
	return nil
}

func runGoldList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	gold, err := db.ListGold(ctx, a.DB)
	if err != nil {
		return err
	}
	for _, g := range gold {
		cmd.Printf("%d\t%s\t%s\n", g.ID, g.Query, g.RelevantChunkIDsCSV)
	}
	return nil
}
