package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferretbot/ferretbot/internal/ipc"
)

var (
	messageSessionID string
	messageFlag      string
)

var messageCmd = &cobra.Command{
	Use:   "message <text>",
	Short: "Send a user:input message to the gateway",
	Long: `Send one user:input event. Unlike workflow commands, a message has no
correlated workflow_command_result — pass --watch to keep printing events
the session produces in response until the connection closes or Ctrl-C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMessage,
}

func init() {
	messageCmd.Flags().StringVar(&messageSessionID, "session", "", "session id to attach the message to (default: this connection's clientId)")
	rootCmd.AddCommand(messageCmd)
	rootCmd.PersistentFlags().StringVarP(&messageFlag, "message", "m", "", "shorthand for: ferretbot message <text>")
}

func runMessage(cmd *cobra.Command, args []string) error {
	text := messageFlag
	if len(args) > 0 {
		text = args[0]
	}
	if text == "" {
		return fmt.Errorf("no message text given (pass it as an argument or with -m)")
	}

	c, err := dialGateway()
	if err != nil {
		return err
	}
	defer c.Close()

	content := map[string]any{"text": text}
	if messageSessionID != "" {
		content["sessionId"] = messageSessionID
	}
	if err := c.Send("user:input", content); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	if watch {
		streamUntilClosed(c)
	}
	return nil
}

func streamUntilClosed(c *ipc.Client) {
	for {
		evt, err := c.Receive()
		if err != nil {
			return
		}
		out, err := json.Marshal(evt)
		if err == nil {
			fmt.Println(string(out))
		}
	}
}
