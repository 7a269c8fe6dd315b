package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"finrag/internal/eval"
)

var evalWorkers int

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Report retrieval precision@k and recall@k on the gold set",
	Args:  cobra.NoArgs,
	RunE:  runEval,
}

func init() {
	evalCmd.Flags().IntVarP(&evalWorkers, "workers", "w", 4, "concurrent retrievals")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.Engine(ctx)
	if err != nil {
		return err
	}
	rep, err := eval.Run(ctx, a.DB, eng.Retriever, evalWorkers)
	if errors.Is(err, eval.ErrNoGold) {
		cmd.Println("No evaluation data found in retrieval_gold table.")
		cmd.Println(`Add rows with: finrag gold add "<query>" "12,15,88"`)
		return nil
	}
	if err != nil {
		return err
	}
	return rep.Write(cmd.OutOrStdout())
}
