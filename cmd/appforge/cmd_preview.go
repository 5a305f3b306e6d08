package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(previewCmd)
	previewCmd.PersistentFlags().StringVar(&apiUser, "user", "local", "user id sent with API requests")
	previewCmd.AddCommand(previewStartCmd, previewStatusCmd, previewExtendCmd, previewStopCmd)

	previewExtendCmd.Flags().Int("minutes", 0, "extension length (0 uses the server default)")
}

// previewView mirrors the daemon's preview responses.
type previewView struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"build_id"`
	SandboxID string    `json:"sandbox_id"`
	Status    string    `json:"status"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type extendBody struct {
	Minutes int `json:"minutes"`
}

func printPreview(p *previewView) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Build\t%s\n", p.BuildID)
	fmt.Fprintf(w, "Status\t%s\n", p.Status)
	if p.URL != "" {
		fmt.Fprintf(w, "URL\t%s\n", p.URL)
	}
	fmt.Fprintf(w, "Started\t%s\n", p.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Expires\t%s\n", p.ExpiresAt.Format("2006-01-02 15:04:05"))
	return w.Flush()
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Run and manage build previews",
}

var previewStartCmd = &cobra.Command{
	Use:   "start <build-id>",
	Short: "Start a preview of a build's latest snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p previewView
		if err := callAPI(http.MethodPost, "/api/builds/"+args[0]+"/preview", nil, &p); err != nil {
			return err
		}
		return printPreview(&p)
	},
}

var previewStatusCmd = &cobra.Command{
	Use:   "status <build-id>",
	Short: "Show a build's preview session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p previewView
		if err := callAPI(http.MethodGet, "/api/builds/"+args[0]+"/preview", nil, &p); err != nil {
			return err
		}
		return printPreview(&p)
	},
}

var previewExtendCmd = &cobra.Command{
	Use:   "extend <build-id>",
	Short: "Push back a preview's expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, _ := cmd.Flags().GetInt("minutes")
		var p previewView
		if err := callAPI(http.MethodPost, "/api/builds/"+args[0]+"/preview/extend", extendBody{Minutes: minutes}, &p); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Preview extended until %s.\n", p.ExpiresAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var previewStopCmd = &cobra.Command{
	Use:   "stop <build-id>",
	Short: "Stop a running preview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p previewView
		if err := callAPI(http.MethodDelete, "/api/builds/"+args[0]+"/preview", nil, &p); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Preview for build %s stopped.\n", p.BuildID)
		return nil
	},
}
