package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetDebug bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Frames, Debug Screenshots)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetDebug {
			resetDB = true
			resetFiles = true
			resetDebug = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB && confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
			db, err := openStore(cmd.Context())
			if err != nil {
				utils.ShowError("Database unavailable", err, nil)
				return reported(err)
			}
			fmt.Println("🗑️  Clearing Database...")
			if err := db.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return reported(err)
			}
		}

		if resetFiles && confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all saved frames and manifests?") {
			fmt.Println("🗑️  Clearing Output Files...")
			removeDir(defaultOutDir)
		}

		if resetDebug && confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all debug screenshots?") {
			fmt.Println("🗑️  Clearing Debug Screenshots...")
			removeDir(defaultDebugDir)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear saved frames and manifests")
	resetCmd.Flags().BoolVar(&resetDebug, "debug", false, "Clear debug screenshots")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Answer yes to every prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
