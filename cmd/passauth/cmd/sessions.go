package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pkeller/passauth/api"
	"github.com/pkeller/passauth/auth"
	"github.com/pkeller/passauth/authstore"
	bboltstorage "github.com/pkeller/passauth/storage/bbolt"
)

var (
	sessionsDataDir    string
	sessionsBaseURL    string
	sessionsAppVersion string
	revalidate         bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	Long: `Lists the locally persisted sessions. With --revalidate, the server's
active-session list decides which entries are still usable and enriches
them with display name and primary email.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := bboltstorage.NewRepositoryFromFile(sessionsDataDir+"/sessions.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}
		defer repo.Close()

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		var account auth.AccountClient
		if revalidate {
			if sessionsBaseURL == "" {
				return fmt.Errorf("--revalidate requires --base-url")
			}
			store := authstore.New(authstore.NewMemoryKV(), authstore.AuthModeToken)
			client := api.New(&api.HTTPTransport{
				BaseURL:    sessionsBaseURL,
				AppVersion: sessionsAppVersion,
			}, store, api.WithLogger(logger))
			account = auth.NewAccountClient(client)
		}

		switcher := auth.NewSwitcher(repo, account, auth.WithSwitcherLogger(logger))
		if err := switcher.Sync(cmd.Context(), revalidate, auth.SwitchCallbacks{}); err != nil {
			return err
		}

		sessions := switcher.Sessions()
		if len(sessions) == 0 {
			fmt.Println("No persisted sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LOCAL ID\tUID\tUSER ID\tNAME\tEMAIL")
		for _, s := range sessions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				s.LocalID, s.UID, s.UserID, s.DisplayName, s.PrimaryEmail)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().StringVar(&sessionsDataDir, "data-dir", "./data", "Directory for persistent data")
	sessionsCmd.Flags().StringVar(&sessionsBaseURL, "base-url", "", "Account API base URL")
	sessionsCmd.Flags().StringVar(&sessionsAppVersion, "app-version", "", "App version header sent on every call")
	sessionsCmd.Flags().BoolVar(&revalidate, "revalidate", false, "Check sessions against the server")
}
