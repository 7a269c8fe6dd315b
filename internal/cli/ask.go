package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"finrag/internal/helper"
)

var askJSON bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full response as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
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
	resp, err := eng.Composer.Answer(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	if askJSON {
		return helper.PrettyPrint(cmd.OutOrStdout(), resp)
	}

	cmd.Println(resp.Answer)
	if len(resp.Citations) == 0 {
		return nil
	}
	cmd.Println()
	cmd.Println("Sources:")
	for i, c := range resp.Citations {
		cmd.Printf("  [%d] %s p.%d-%d (%.3f)\n", i+1, c.Title, c.PageStart, c.PageEnd, c.Score)
	}
	return nil
}
