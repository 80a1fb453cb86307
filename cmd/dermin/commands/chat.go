package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/chat"
	"github.com/benvon/dermin/internal/models"
)

func printMessage(w io.Writer, m models.ChatMessage) {
	who := "You"
	if m.Sender == models.SenderAI {
		who = "Dermin"
	}
	fmt.Fprintf(w, "%s: %s\n", who, m.Content)
}

// chatLoop opens the thread and relays stdin lines until EOF or /quit
func chatLoop(ctx context.Context, cmd *cobra.Command, a *app.App, contextID string) error {
	if err := requireStep(ctx, a, models.StepChat); err != nil {
		return err
	}
	id := chat.ContextID(contextID)
	th, err := a.Chat.Open(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range th.Messages {
		printMessage(out, m)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Type a message, or /quit to leave.")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		reply, err := a.Chat.Send(ctx, id, line)
		if err != nil {
			return err
		}
		printMessage(out, reply)
	}
	return scanner.Err()
}

// NewChatCmd creates the chat command
func NewChatCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [analysis-id]",
		Short: "Chat with the assistant",
		Long:  "Chat about an analysis, or in the general thread when no analysis id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID := models.GeneralContext
			if len(args) == 1 {
				contextID = args[0]
			}
			return rt.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				return chatLoop(ctx, cmd, a, contextID)
			})
		},
	}
}
