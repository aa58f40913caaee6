package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/store"
	"github.com/andresmejia3/parallax/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// DB is the database connection, opened on first use by subcommands that record or query runs
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	// Logger is the process logger, built before any subcommand runs
	Logger    *zap.Logger
	logLevel  string
	logFormat string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "parallax",
	Short:   "Real-time depth-displaced video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Logger, err = logging.New(logLevel, logFormat)
		if err != nil {
			utils.Die("Invalid logging configuration", err, nil)
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			if host := os.Getenv("POSTGRES_HOST"); host != "" {
				user := os.Getenv("POSTGRES_USER")
				pass := os.Getenv("POSTGRES_PASSWORD")
				name := os.Getenv("POSTGRES_DB")
				port := os.Getenv("POSTGRES_PORT")
				if port == "" {
					port = "5432"
				}
				dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
			} else {
				// Fallback to local default if no env vars are present
				dbURL = "postgres://localhost:5432/parallax"
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

// connectDB opens the shared connection (running migrations) if it isn't open yet.
func connectDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	var err error
	DB, err = store.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return DB, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/parallax)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
}
