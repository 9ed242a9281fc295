package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarmonit/a2a-exec/internal/errs"
)

func newSubmitCommand() *cobra.Command {
	var (
		server string
		description string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use: "submit",
		Short: "Submit a task to a running server and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd, server, description, timeout)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:9090", "base URL of the server's control surface")
	cmd.Flags().StringVar(&description, "description", "", "free-text task description for the planner")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the task to reach a terminal state")
	return cmd
}

type submitResponse struct {
	TaskID string `json:"taskId"`
	StreamPath string `json:"streamPath"`
}

type taskSnapshot struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Error string `json:"error"`
}

func runSubmit(cmd *cobra.Command, server, description string, timeout time.Duration) error {
	if description == "" {
		return fmt.Errorf("--description is required")
	}

	body, _ := json.Marshal(map[string]interface{}{"description": description})
	resp, err := http.Post(server+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var errBody map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		fmt.Fprintf(cmd.ErrOrStderr(), "submit rejected: %v\n", errBody)
		os.Exit(exitCodeFor(errs.Kind(fmt.Sprint(errBody["kind"]))))
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted task %s\n", sub.TaskID)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := fetchTask(server, sub.TaskID)
		if err != nil {
			return err
		}
		if isTerminalStatus(snap.Status) {
			fmt.Fprintf(cmd.OutOrStdout(), "task %s finished: %s\n", snap.TaskID, snap.Status)
			os.Exit(exitCodeForStatus(snap.Status))
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("task %s did not finish within %s", sub.TaskID, timeout)
}

func fetchTask(server, taskID string) (taskSnapshot, error) {
	resp, err := http.Get(server + "/tasks/" + taskID)
	if err != nil {
		return taskSnapshot{}, err
	}
	defer resp.Body.Close()

	var snap taskSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return taskSnapshot{}, err
	}
	return snap, nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// exitCodeForStatus implements exit-code contract.
func exitCodeForStatus(status string) int {
	switch status {
	case "completed":
		return 0
	case "failed":
		return 1
	case "cancelled":
		return 2
	default:
		return 1
	}
}

func exitCodeFor(kind errs.Kind) int {
	switch kind {
	case errs.Invalid, errs.Permission:
		return 3
	default:
		return 1
	}
}
