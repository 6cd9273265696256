// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/skyguard-dev/skyguard/internal/store"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <thread>",
		Short: "Print a thread's stored history",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}

	cmd.Flags().String("addr", defaultAddr, "server address (host:port or URL)")

	return cmd
}

type threadHistory struct {
	ThreadID          string           `json:"thread_id"`
	ValidationEnabled bool             `json:"validation_enabled"`
	Messages          []*store.Message `json:"messages"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	out := cmd.OutOrStdout()

	var h threadHistory
	path := "/api/threads/" + url.PathEscape(args[0]) + "/messages"
	if err := newAPIClient(addr).getJSON(cmd.Context(), path, &h); err != nil {
		return err
	}

	validation := "on"
	if !h.ValidationEnabled {
		validation = "off"
	}
	_, _ = fmt.Fprintln(out, titleStyle.Render("thread "+h.ThreadID)+" "+
		dimStyle.Render(fmt.Sprintf("%d messages, validation %s", len(h.Messages), validation)))
	for _, m := range h.Messages {
		renderMessage(out, m)
	}
	return nil
}
