// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/turn"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	boxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

const toolResultPreview = 160

// renderMessage writes one history entry.
func renderMessage(w io.Writer, m *store.Message) {
	switch m.Role {
	case store.MessageRoleUser:
		_, _ = fmt.Fprintf(w, "%s %s\n", userStyle.Render("you>"), m.Text)
	case store.MessageRoleTool:
		renderToolCall(w, m.ToolCall)
	case store.MessageRoleAssistant:
		label := assistantStyle.Render("agent>")
		if badges := messageBadges(m.Metadata); badges != "" {
			label += " " + badges
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", label, m.Text)
		if m.Metadata.Guardrailed && m.Metadata.OriginalLLMResponse != "" {
			_, _ = fmt.Fprintln(w, dimStyle.Render("  withheld: "+m.Metadata.OriginalLLMResponse))
		}
		if scores := formatScores(m.Metadata.Scores); scores != "" {
			_, _ = fmt.Fprintln(w, dimStyle.Render("  scores: "+scores))
		}
	}
}

func renderToolCall(w io.Writer, tc *store.ToolCall) {
	if tc == nil {
		return
	}
	_, _ = fmt.Fprintln(w, toolStyle.Render(fmt.Sprintf("  tool %s(%s)", tc.ToolName, tc.Arguments)))
	switch {
	case tc.Error != "":
		_, _ = fmt.Fprintln(w, errorStyle.Render("    error: "+tc.Error))
	case tc.Result != nil:
		_, _ = fmt.Fprintln(w, toolStyle.Render("    -> "+preview(*tc.Result, toolResultPreview)))
	default:
		_, _ = fmt.Fprintln(w, warnStyle.Render("    not executed"))
	}
}

// renderEvent writes a streamed event. In-progress runs print nothing.
func renderEvent(w io.Writer, ev streamEvent) {
	switch ev.Object {
	case turn.ObjectMessage:
		renderMessage(w, ev.Message)
	case turn.ObjectRunFailed:
		msg := "run failed"
		if ev.Run != nil && ev.Run.Error != nil {
			msg = fmt.Sprintf("run failed (%s): %s", ev.Run.Error.Code, ev.Run.Error.Message)
		}
		_, _ = fmt.Fprintln(w, errorStyle.Render(msg))
	}
}

func messageBadges(meta store.MessageMetadata) string {
	var tags []string
	if meta.IsExpertAnswer {
		tags = append(tags, successStyle.Render("[expert answer]"))
	}
	if meta.Guardrailed {
		tags = append(tags, warnStyle.Render("[guardrailed]"))
	}
	if meta.EscalatedToSME {
		tags = append(tags, warnStyle.Render("[escalated]"))
	}
	return strings.Join(tags, " ")
}

func formatScores(scores map[string]store.EvalResult) string {
	if len(scores) == 0 {
		return ""
	}
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		r := scores[name]
		if r.Score == nil {
			continue
		}
		p := fmt.Sprintf("%s=%.2f", name, *r.Score)
		if r.Triggered {
			p += "!"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
