package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	composeFile string
	apiBase     string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scholardocs: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scholardocs",
		Short: "ScholarDocs development CLI",
		Long: `ScholarDocs CLI orchestrates common development workflows such as building the Docker stack,
starting or stopping services, running tests, and talking to a running API (uploads, sweeps).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of a running ScholarDocs API")
	cmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
		newTestCmd(),
		newRunCmd(),
		newUploadCmd(),
		newSweepCmd(),
		newStuckCmd(),
	)
	return cmd
}

func newUpCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the full docker-compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "up", "--build"}
			if detach {
				composeArgs = append(composeArgs, "-d")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Run docker compose in detached mode")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop docker-compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Remove stack volumes")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Tail logs from docker-compose services",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "logs"}
			if follow {
				composeArgs = append(composeArgs, "-f")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs continuously")
	return cmd
}

func newTestCmd() *cobra.Command {
	var race bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgs := args
			if len(pkgs) == 0 {
				pkgs = []string{"./..."}
			}
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			goArgs = append(goArgs, pkgs...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable Go race detector")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("server", "./cmd/server"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := append([]string{"run", path}, args...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
}

func newUploadCmd() *cobra.Command {
	var tenantID, schoolID, classID, sectionID, subjectID string
	var deferred bool
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a knowledge document to a running API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
			if err != nil {
				return err
			}
			if _, err := part.Write(data); err != nil {
				return err
			}
			fields := map[string]string{
				"tenant_id":  tenantID,
				"school_id":  schoolID,
				"class_id":   classID,
				"section_id": sectionID,
				"subject_id": subjectID,
			}
			for name, value := range fields {
				if value == "" {
					continue
				}
				if err := mw.WriteField(name, value); err != nil {
					return err
				}
			}
			if err := mw.Close(); err != nil {
				return err
			}
			endpoint := apiBase + "/documents"
			if deferred {
				endpoint += "?deferred=1"
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, &body)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())
			return doJSON(req)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&schoolID, "school", "", "School id (required)")
	cmd.Flags().StringVar(&classID, "class", "", "Class id")
	cmd.Flags().StringVar(&sectionID, "section", "", "Section id")
	cmd.Flags().StringVar(&subjectID, "subject", "", "Subject id")
	cmd.Flags().BoolVar(&deferred, "deferred", false, "Queue the ingest instead of running it inline")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("school")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var tenantID, schoolID string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Trigger a reconciliation sweep on a running API",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if tenantID != "" {
				q.Set("tenant_id", tenantID)
			}
			if schoolID != "" {
				q.Set("school_id", schoolID)
			}
			endpoint := apiBase + "/reconcile/sweep"
			if len(q) > 0 {
				endpoint += "?" + q.Encode()
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
			if err != nil {
				return err
			}
			return doJSON(req)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Limit the sweep to one tenant")
	cmd.Flags().StringVar(&schoolID, "school", "", "Limit the sweep to one school")
	return cmd
}

func newStuckCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List documents stuck in processing without an external ref",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := apiBase + "/documents/stuck"
			if tenantID != "" {
				endpoint += "?tenant_id=" + url.QueryEscape(tenantID)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			return doJSON(req)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Limit to one tenant")
	return cmd
}

func doJSON(req *http.Request) error {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Printf("%s\n%s\n", resp.Status, body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with %s", resp.Status)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
