package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	ingestTitle string
	ingestDir   string
	ingestReset bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Add documents to the index",
	Long: `Without arguments, ingests every supported file in <data_dir>/pdfs.
With arguments, ingests the given files. Documents already stored under the
same absolute path are skipped. The index is saved once at the end, also when
the run is interrupted.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (single file only, defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory to scan (defaults to <data_dir>/pdfs)")
	ingestCmd.Flags().BoolVar(&ingestReset, "reset", false, "delete the index and all metadata before ingesting")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if ingestTitle != "" && len(args) != 1 {
		return fmt.Errorf("--title needs exactly one file argument")
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if ingestReset {
		if err := a.Reset(ctx); err != nil {
			return err
		}
	}

	p, err := a.Pipeline(ctx)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		dir := ingestDir
		if dir == "" {
			dir = cfg.DocumentDir()
		}
		sum, err := p.Run(ctx, dir)
		if sum != nil {
			if sum.Found == 0 {
				cmd.Printf("No documents found in: %s\n", dir)
				cmd.Println("Put your banking documents into that folder and re-run.")
			} else {
				cmd.Printf("Done. %d ingested, %d skipped, %d failed, %d chunks added. Index saved to: %s\n",
					sum.Ingested, sum.Skipped, sum.Failed, sum.Chunks, cfg.FaissIndexPath)
			}
		}
		return err
	}

	// Committed rows need their vectors on disk, so save even after a failure.
	var errs []error
	for _, f := range args {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := p.Ingest(ctx, f, ingestTitle)
		if err != nil {
			cmd.Printf("Failed %s: %v\n", f, err)
			errs = append(errs, err)
			continue
		}
		if res.Skipped {
			cmd.Printf("Skipped %s (%s)\n", res.SourcePath, res.Reason)
			continue
		}
		cmd.Printf("Ingested %s: %d chunks\n", res.SourcePath, res.Chunks)
	}
	if err := p.Save(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(append(errs, err)...)
	}
	cmd.Printf("Index saved to: %s\n", cfg.FaissIndexPath)
	return errors.Join(errs...)
}
