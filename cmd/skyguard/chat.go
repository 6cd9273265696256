// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent",
		Long: "Send a message to a running skyguard server and print the streamed reply. " +
			"Without a message an interactive session reads one message per line until EOF or /quit.",
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("addr", defaultAddr, "server address (host:port or URL)")
	cmd.Flags().StringP("thread", "t", "", "thread id to continue (default: a new thread)")
	cmd.Flags().Bool("validation", true, "validate tool calls and answers with the guardrail")
	cmd.Flags().Bool("intermediate", false, "show assistant text produced alongside tool calls")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	threadID, _ := cmd.Flags().GetString("thread")
	validation, _ := cmd.Flags().GetBool("validation")
	intermediate, _ := cmd.Flags().GetBool("intermediate")
	if threadID == "" {
		threadID = uuid.NewString()
	}

	client := newAPIClient(addr)
	out := cmd.OutOrStdout()
	send := func(content string) error {
		return client.streamTurn(cmd.Context(), streamRequest{
			ThreadID:     threadID,
			Content:      content,
			Validation:   validation,
			Intermediate: intermediate,
		}, func(ev streamEvent) error {
			renderEvent(out, ev)
			return nil
		})
	}

	if len(args) == 1 {
		return send(args[0])
	}

	_, _ = fmt.Fprintln(out, titleStyle.Render("Skyguard chat")+" "+dimStyle.Render("thread "+threadID))
	if !validation {
		_, _ = fmt.Fprintln(out, warnStyle.Render("guardrail validation is off for this thread"))
	}

	sc := bufio.NewScanner(cmd.InOrStdin())
	for {
		_, _ = fmt.Fprint(out, promptStyle.Render("> "))
		if !sc.Scan() {
			_, _ = fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := send(line); err != nil {
			// A rejected message leaves the session usable; a dead server does not.
			if skyerr.HasCode(err, skyerr.CodeCLIServerNotRunning) {
				return err
			}
			_, _ = fmt.Fprintln(out, errorStyle.Render(err.Error()))
		}
	}
}
