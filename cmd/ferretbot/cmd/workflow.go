package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ferretbot/ferretbot/internal/ipc"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Short:   "Interact with workflow runs through the gateway",
	Aliases: []string{"wf"},
}

var (
	runVersion string
	runArgs    []string
)

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Start a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCancel,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Approve the step a waiting_approval run is held on and continue it",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowResume,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known workflow runs",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowList,
}

func init() {
	workflowRunCmd.Flags().StringVar(&runVersion, "version", "", "workflow version (default: latest)")
	workflowRunCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "run argument (format: name=value)")

	workflowCmd.AddCommand(workflowRunCmd, workflowCancelCmd, workflowResumeCmd, workflowListCmd)
	rootCmd.AddCommand(workflowCmd)
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	argMap, err := parseArgAssignments(runArgs)
	if err != nil {
		return err
	}

	content := map[string]any{"workflowId": args[0]}
	if runVersion != "" {
		content["version"] = runVersion
	}
	if len(argMap) > 0 {
		content["args"] = argMap
	}

	return sendWorkflowCommand("workflow:run:start", content)
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	runID, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	return sendWorkflowCommand("workflow:run:cancel", map[string]any{"runId": runID})
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	runID, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	return sendWorkflowCommand("workflow:run:resume", map[string]any{"runId": runID})
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	return sendWorkflowCommand("workflow:run:list", nil)
}

// sendWorkflowCommand dials the gateway, sends one workflow:* command, waits
// for its correlated workflow_command_result, prints the result, and maps
// ok/false to the spec §6 exit-code convention.
func sendWorkflowCommand(eventType string, content map[string]any) error {
	c, err := dialGateway()
	if err != nil {
		return err
	}
	defer c.Close()

	requestID := uuid.NewString()
	evt, err := c.SendCommand(eventType, requestID, content)
	if err != nil {
		return fmt.Errorf("waiting for %s result: %w", eventType, err)
	}

	ok, _ := evt.Content["ok"].(bool)
	if !ok {
		message, _ := evt.Content["message"].(string)
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", eventType, message)
		os.Exit(1)
	}

	if data, ok := evt.Content["data"]; ok {
		out, err := json.MarshalIndent(data, "", "  ")
		if err == nil {
			fmt.Println(string(out))
		}
	}

	if watch {
		watchUntilComplete(c)
	}
	return nil
}

// watchUntilComplete prints every subsequent event line as it arrives and
// returns once a workflow:run:complete event is seen, or the connection
// closes.
func watchUntilComplete(c *ipc.Client) {
	for {
		evt, err := c.Receive()
		if err != nil {
			return
		}
		out, err := json.Marshal(evt)
		if err == nil {
			fmt.Println(string(out))
		}
		if evt.Type == "workflow:run:complete" {
			return
		}
	}
}

func parseRunID(raw string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid run id %q: %w", raw, err)
	}
	return id, nil
}

// parseArgAssignments parses "name=value" pairs into a map, attempting a
// JSON decode of the value first so numbers, booleans, and objects pass
// through as their native types rather than strings.
func parseArgAssignments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid --arg %q: expected name=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		out[name] = decoded
	}
	return out, nil
}
