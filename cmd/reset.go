package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/parallax/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB        bool
	resetSnapshots string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset recorded state (Database, Snapshots)",
	Long:  "Clears recorded runs. Pass --snapshots to also delete a snapshot directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing the database
		if !resetDB && resetSnapshots == "" {
			resetDB = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				db, err := connectDB(cmd.Context())
				if err != nil {
					utils.ShowError("Database unavailable", err, nil)
					return err
				}
				fmt.Println("🗑️  Clearing Database...")
				if err := db.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetSnapshots != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", resetSnapshots)) {
				fmt.Println("🗑️  Clearing Snapshots...")
				removeDir(resetSnapshots)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().StringVar(&resetSnapshots, "snapshots", "", "Snapshot directory to delete")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
