package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/notify"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the server's live statistics stream",
	Long: `watch subscribes to the server change stream and prints the admin
statistics every time the server data changes. The connection is retried with
backoff until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = cfg.Terminal.Token
		}
		if token == "" {
			return fmt.Errorf("a token is required (--token or terminal.token)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		stream := notify.New(notify.Options{
			URL:        strings.TrimRight(cfg.Terminal.ServerURL, "/") + cfg.Terminal.StreamPath,
			HTTPClient: &http.Client{},
			Token:      func() string { return token },
			OnMessage: func(frame json.RawMessage) {
				var s models.AdminStats
				if err := json.Unmarshal(frame, &s); err != nil {
					fmt.Fprintf(out, "unreadable frame: %s\n", frame)
					return
				}
				fmt.Fprintf(out, "%s  contacts=%d deposits=%d articles=%d sold=%d sales=%d revenue=%s\n",
					time.UnixMilli(s.GeneratedAt).Format("15:04:05"),
					s.Contacts, s.Deposits, s.Articles, s.ArticlesSold, s.Sales, s.Revenue.StringFixed(2))
			},
			OnState: func(state notify.State, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "[%s] %v\n", state, err)
					return
				}
				fmt.Fprintf(os.Stderr, "[%s]\n", state)
			},
		})
		return stream.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().String("token", "", "bearer token (defaults to terminal.token)")
	rootCmd.AddCommand(watchCmd)
}
