package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kodiq/kodiqd/internal/config"
	"github.com/kodiq/kodiqd/internal/crypto"
	"github.com/kodiq/kodiqd/internal/database"
	"github.com/kodiq/kodiqd/internal/logging"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "kodiqd",
	Short:         "Local terminal, SSH and port-forward daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}
		logging.Init(logging.Options{
			Path:   config.Cfg.LogPath,
			Level:  config.Cfg.LogLevel,
			Format: config.Cfg.LogFormat,
		})
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Init(); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()

		if config.Cfg.AuthDisabled {
			log.Warn().Msg("API authentication is disabled")
		}

		app := NewApp(config.Cfg)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return app.Serve(ctx, config.Cfg.ListenAddr, app.Router(config.Cfg.MetricsEnabled))
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Init(); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()

		if rotate, _ := cmd.Flags().GetBool("rotate"); rotate {
			if err := crypto.RotateKey(); err != nil {
				return err
			}
			log.Info().Msg("signing key rotated, previous tokens are invalid")
		}
		subject, _ := cmd.Flags().GetString("subject")
		tok, err := crypto.IssueToken(subject)
		if err != nil {
			return err
		}
		log.Info().Str("subject", subject).Str("token", crypto.Mask(tok)).Msg("token issued")
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage saved SSH profiles",
}

var profilesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import SSH profiles and forward rules from YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Init(); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		res, err := database.ImportProfiles(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d profiles, %d forward rules\n", res.Profiles, res.Rules)
		return nil
	},
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved SSH profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Init(); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()

		profiles, err := database.ListProfiles()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tAUTH\tCONNECTS")
		for _, p := range profiles {
			fmt.Fprintf(tw, "%s\t%s\t%s@%s:%d\t%s\t%d\n", p.ID, p.Name, p.Username, p.Host, p.Port, p.AuthMethod, p.ConnectCount)
		}
		return tw.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "kodiqd", version)
	},
}

func init() {
	tokenCmd.Flags().String("subject", "cli", "name recorded in the token")
	tokenCmd.Flags().Bool("rotate", false, "rotate the signing key first")

	profilesCmd.AddCommand(profilesImportCmd, profilesListCmd)
	rootCmd.AddCommand(serveCmd, tokenCmd, profilesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
