package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/runner"
)

func newChatCmd(envFile *string) *cobra.Command {
	var chatbotID, endUserID, conversationID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a chatbot from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Chatting with %s. Empty line or Ctrl-D to quit.\n", chatbotID)
			return chatLoop(ctx, a.sessions, cmd.InOrStdin(), out, runner.Message{
				ChatbotID:      chatbotID,
				EndUserID:      endUserID,
				ConversationID: conversationID,
			})
		},
	}
	cmd.Flags().StringVar(&chatbotID, "chatbot", "", "chatbot id")
	cmd.Flags().StringVar(&endUserID, "user", "cli-user", "end-user id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "resume a conversation id")
	_ = cmd.MarkFlagRequired("chatbot")
	return cmd
}

type turnHandler interface {
	HandleMessage(ctx context.Context, msg runner.Message) (<-chan model.StreamEvent, string, error)
}

func chatLoop(ctx context.Context, h turnHandler, in io.Reader, out io.Writer, base runner.Message) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			return nil
		}

		msg := base
		msg.Text = line
		events, convID, err := h.HandleMessage(ctx, msg)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		base.ConversationID = convID
		printTurn(out, events)
	}
}

func printTurn(out io.Writer, events <-chan model.StreamEvent) {
	for ev := range events {
		switch d := ev.Data.(type) {
		case model.DeltaData:
			fmt.Fprint(out, d.Content)
		case model.ThinkingData:
			fmt.Fprintf(out, "\x1b[2m%s\x1b[0m", d.Content)
		case model.ToolCallData:
			if d.Status == model.ToolCallExecuting {
				fmt.Fprintf(out, "\n  [%s] %s\n", d.Name, d.StatusText)
			} else if d.Status == model.ToolCallFailed {
				fmt.Fprintf(out, "  [%s] failed: %s\n", d.Name, d.Error)
			}
		case model.NotificationData:
			fmt.Fprintf(out, "\n  (%s -> %s)\n", d.From, d.To)
		case model.EscalationData:
			fmt.Fprintf(out, "\n  %s\n", runner.HandoffReply)
		case model.CompleteData:
			fmt.Fprintf(out, "\n  [%s, %dms, $%.5f]\n", d.Model, d.ElapsedMs, d.CostUSD)
		case model.ErrorData:
			fmt.Fprintf(out, "\n! %s (%s)\n", d.Message, d.Code)
		}
	}
}
