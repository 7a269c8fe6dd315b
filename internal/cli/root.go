package cli

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"finrag/internal/app"
	"finrag/internal/config"
)

const defaultConfigPath = "./configs/config.yaml"

var (
	configPath string
	cfg        *config.Config

	// appOptions are appended to every app.Open call. Tests use it to swap backends.
	appOptions []app.Option
)

var rootCmd = &cobra.Command{
	Use:   "finrag",
	Short: "Answer questions over banking documents with citations",
	Long: `finrag ingests banking documents (PDF, DOCX, XLSX, Markdown, text) into a
vector index and a relational metadata store, and answers questions grounded
in the retrieved passages, declining when the evidence is too weak.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return configureLogger(cfg, cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file (YAML, or TOML with a .toml extension)")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	rootCmd.SetOut(os.Stdout)
	return rootCmd.ExecuteContext(ctx)
}

func openApp(ctx context.Context, extra ...app.Option) (*app.App, error) {
	opts := append(append([]app.Option{}, appOptions...), extra...)
	return app.Open(ctx, cfg, opts...)
}

func configureLogger(c *config.Config, w io.Writer) error {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	if c.LogFormat == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Caller().Logger()
	return nil
}
