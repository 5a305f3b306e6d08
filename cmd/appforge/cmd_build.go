package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// apiUser is the identity sent with every daemon request.
var apiUser string

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.PersistentFlags().StringVar(&apiUser, "user", "local", "user id sent with API requests")
	buildCmd.AddCommand(buildCreateCmd, buildListCmd, buildGetCmd, buildPauseCmd,
		buildResumeCmd, buildRestartCmd, buildApproveCmd, buildDeleteCmd)

	buildCreateCmd.Flags().String("spec", "", "specification text")
	buildCreateCmd.Flags().String("spec-file", "", "file containing the specification (- for stdin)")
	buildCreateCmd.Flags().String("project", "", "project id to group builds under")
	buildCreateCmd.Flags().String("harness", "", "harness name (default coding)")
	buildCreateCmd.Flags().String("provider", "", "sandbox provider")
	buildCreateCmd.Flags().String("tier", "", "subscription tier")
	buildCreateCmd.Flags().Int("features", 0, "target feature count")
	buildCreateCmd.Flags().Bool("review-gates", false, "pause for design and feature review")

	buildPauseCmd.Flags().String("reason", "", "why the build is being paused")

	buildApproveCmd.Flags().String("gate", "", "review gate to approve: design or feature")
	buildApproveCmd.Flags().String("message", "", "feedback recorded with the approval")
	_ = buildApproveCmd.MarkFlagRequired("gate")
}

// apiURL joins the daemon base URL with a request path. A bare ":port"
// listen address is reachable on localhost.
func apiURL(path string) string {
	addr := loadConfig().Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// callAPI sends one request to the daemon and decodes the JSON response into
// out. Error responses surface as "code: message".
func callAPI(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiURL(path), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-User-ID", apiUser)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}
		return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// buildView mirrors the daemon's build responses.
type buildView struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	Spec           string       `json:"spec"`
	Harness        string       `json:"harness"`
	Provider       string       `json:"provider"`
	Tier           string       `json:"tier"`
	TargetFeatures int          `json:"target_features"`
	ReviewGates    bool         `json:"review_gates"`
	Status         string       `json:"status"`
	Progress       progressView `json:"progress"`
	ArtifactKey    string       `json:"artifact_key"`
	Error          string       `json:"error"`
	PausedAt       *time.Time   `json:"paused_at"`
	PauseReason    string       `json:"pause_reason"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type progressView struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (p progressView) String() string {
	if p.Total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", p.Completed, p.Total)
}

type createBuildBody struct {
	Spec           string `json:"spec"`
	ProjectID      string `json:"project_id,omitempty"`
	Harness        string `json:"harness,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Tier           string `json:"tier,omitempty"`
	TargetFeatures int    `json:"target_features,omitempty"`
	ReviewGates    bool   `json:"review_gates,omitempty"`
}

type pauseBody struct {
	Reason string `json:"reason,omitempty"`
}

type approveBody struct {
	Gate    string `json:"gate"`
	Content string `json:"content,omitempty"`
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Manage builds",
}

var buildCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, _ := cmd.Flags().GetString("spec")
		specFile, _ := cmd.Flags().GetString("spec-file")
		if specFile != "" {
			var data []byte
			var err error
			if specFile == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(specFile)
			}
			if err != nil {
				return fmt.Errorf("read spec: %w", err)
			}
			spec = string(data)
		}
		if strings.TrimSpace(spec) == "" {
			return fmt.Errorf("a specification is required (--spec or --spec-file)")
		}

		project, _ := cmd.Flags().GetString("project")
		harnessName, _ := cmd.Flags().GetString("harness")
		provider, _ := cmd.Flags().GetString("provider")
		tier, _ := cmd.Flags().GetString("tier")
		features, _ := cmd.Flags().GetInt("features")
		gates, _ := cmd.Flags().GetBool("review-gates")

		body := createBuildBody{
			Spec:           spec,
			ProjectID:      project,
			Harness:        harnessName,
			Provider:       provider,
			Tier:           tier,
			TargetFeatures: features,
			ReviewGates:    gates,
		}
		var b buildView
		if err := callAPI(http.MethodPost, "/api/builds", body, &b); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Build %s created (%s).\n", b.ID, b.Status)
		return nil
	},
}

var buildListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your builds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var builds []buildView
		if err := callAPI(http.MethodGet, "/api/builds", nil, &builds); err != nil {
			return err
		}

		if len(builds) == 0 {
			fmt.Println("No builds found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tHARNESS\tUPDATED")
		for _, b := range builds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				b.ID,
				b.Status,
				b.Progress,
				b.Harness,
				b.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var buildGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one build in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var b buildView
		if err := callAPI(http.MethodGet, "/api/builds/"+args[0], nil, &b); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", b.ID)
		if b.ProjectID != "" {
			fmt.Fprintf(w, "Project\t%s\n", b.ProjectID)
		}
		fmt.Fprintf(w, "Status\t%s\n", b.Status)
		fmt.Fprintf(w, "Harness\t%s\n", b.Harness)
		fmt.Fprintf(w, "Provider\t%s\n", b.Provider)
		if b.Tier != "" {
			fmt.Fprintf(w, "Tier\t%s\n", b.Tier)
		}
		fmt.Fprintf(w, "Progress\t%s\n", b.Progress)
		fmt.Fprintf(w, "Review gates\t%v\n", b.ReviewGates)
		if b.ArtifactKey != "" {
			fmt.Fprintf(w, "Artifact\t%s\n", b.ArtifactKey)
		}
		if b.Error != "" {
			fmt.Fprintf(w, "Error\t%s\n", b.Error)
		}
		if b.PausedAt != nil {
			paused := b.PausedAt.Format("2006-01-02 15:04:05")
			if b.PauseReason != "" {
				paused += " (" + b.PauseReason + ")"
			}
			fmt.Fprintf(w, "Paused\t%s\n", paused)
		}
		fmt.Fprintf(w, "Created\t%s\n", b.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Updated\t%s\n", b.UpdatedAt.Format("2006-01-02 15:04:05"))
		if err := w.Flush(); err != nil {
			return err
		}

		if b.Spec != "" {
			fmt.Println()
			fmt.Println(strings.TrimRight(b.Spec, "\n"))
		}
		return nil
	},
}

var buildPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause an active build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		var b buildView
		if err := callAPI(http.MethodPost, "/api/builds/"+args[0]+"/pause", pauseBody{Reason: reason}, &b); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Build %s paused.\n", b.ID)
		return nil
	},
}

var buildResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var b buildView
		if err := callAPI(http.MethodPost, "/api/builds/"+args[0]+"/resume", nil, &b); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Build %s resumed (%s).\n", b.ID, b.Status)
		return nil
	},
}

var buildRestartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "Cancel a build and start a fresh one from the same spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var b buildView
		if err := callAPI(http.MethodPost, "/api/builds/"+args[0]+"/restart", nil, &b); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Build restarted as %s.\n", b.ID)
		return nil
	},
}

var buildApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a build waiting at a review gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, _ := cmd.Flags().GetString("gate")
		message, _ := cmd.Flags().GetString("message")
		var b buildView
		if err := callAPI(http.MethodPost, "/api/builds/"+args[0]+"/approve", approveBody{Gate: gate, Content: message}, &b); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Approved %s gate. Build %s is %s.\n", gate, b.ID, b.Status)
		return nil
	},
}

var buildDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Cancel a build and delete its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callAPI(http.MethodDelete, "/api/builds/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Build %s deleted.\n", args[0])
		return nil
	},
}
