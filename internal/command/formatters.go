package command

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/cadence/internal/domain"
)

// FormatNodesAsMarkdown formats a list of nodes as markdown, grouped by state
func FormatNodesAsMarkdown(nodes []*domain.TaskNode) string {
	if len(nodes) == 0 {
		return "📋 **No nodes found**\n\nCreate a node with `cadence.node.create`"
	}

	var sb strings.Builder
	sb.WriteString("# 📋 Nodes\n\n")

	groups := map[domain.TaskState][]*domain.TaskNode{}
	for _, n := range nodes {
		groups[n.State] = append(groups[n.State], n)
	}

	// Active first, then what is waiting, then history
	displayOrder := []domain.TaskState{
		domain.StateActive,
		domain.StateQueued,
		domain.StateClosed,
	}

	for _, state := range displayOrder {
		group := groups[state]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		sb.WriteString(fmt.Sprintf("## %s\n\n", getStateHeader(state)))
		for _, n := range group {
			sb.WriteString(formatSingleNode(n))
			sb.WriteString("\n")
		}
	}

	return strings.TrimSpace(sb.String())
}

// FormatNodeAsMarkdown formats one node with the edges touching it
func FormatNodeAsMarkdown(node *domain.TaskNode, edges []domain.DependencyEdge) string {
	var sb strings.Builder
	sb.WriteString("# 📋 Node Details\n\n")
	sb.WriteString(formatSingleNode(node))

	var upstream, downstream []string
	for _, e := range edges {
		switch node.ID {
		case e.To:
			upstream = append(upstream, fmt.Sprintf("`%s` %s", e.From, formatEdgeKind(e)))
		case e.From:
			downstream = append(downstream, fmt.Sprintf("`%s` %s", e.To, formatEdgeKind(e)))
		}
	}

	if len(upstream) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Depends on\n- %s\n", strings.Join(upstream, "\n- ")))
	}
	if len(downstream) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Drives\n- %s\n", strings.Join(downstream, "\n- ")))
	}

	return strings.TrimSpace(sb.String())
}

func formatSingleNode(n *domain.TaskNode) string {
	var sb strings.Builder

	checkbox := "[ ]"
	switch n.State {
	case domain.StateActive:
		checkbox = "[>]"
	case domain.StateClosed:
		checkbox = "[x]"
	}

	kind := ""
	if n.Kind == domain.KindProject {
		kind = "📁 "
	}

	sb.WriteString(fmt.Sprintf("### %s %s**%s**", checkbox, kind, n.Name))
	if n.ID != n.Name {
		id := n.ID
		if len(id) > 8 {
			id = id[:8]
		}
		sb.WriteString(fmt.Sprintf(" `[%s]`", id))
	}
	sb.WriteString("\n")

	if n.Schedule != nil {
		sb.WriteString(fmt.Sprintf("   🔁 %s\n", n.Schedule))
	}

	if n.RequiresBudget() {
		sb.WriteString(fmt.Sprintf("   %s Budget: %s (%s)\n", getBudgetEmoji(n.BudgetStatus), n.BudgetStatus, n.BudgetTypes))
	}

	switch {
	case n.ClosedAt != nil && n.ActivatedAt != nil:
		sb.WriteString(fmt.Sprintf("   ⏱️  Ran %s, closed %s\n",
			formatDuration(n.ClosedAt.Sub(*n.ActivatedAt)), n.ClosedAt.Format("Jan 2, 2006 15:04")))
	case n.ActivatedAt != nil:
		sb.WriteString(fmt.Sprintf("   ⏱️  Active since %s\n", n.ActivatedAt.Format("Jan 2, 2006 15:04")))
	}

	return sb.String()
}

// FormatEventsAsMarkdown formats state changes oldest first
func FormatEventsAsMarkdown(events []domain.StateChangeEvent) string {
	if len(events) == 0 {
		return "📜 **No state changes**"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# 📜 State Changes (%d)\n\n", len(events)))
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("- %s `%s` %s → %s %s _(%s)_\n",
			getStateEmoji(ev.To), ev.NodeID, ev.From, ev.To,
			ev.At.Format("2006-01-02 15:04:05"), ev.Cause))
	}

	return strings.TrimSpace(sb.String())
}

// FormatOccurrencesAsMarkdown lists resolved schedule instants
func FormatOccurrencesAsMarkdown(nodeID string, occ []domain.Occurrence) string {
	if len(occ) == 0 {
		return fmt.Sprintf("🔁 **No occurrences for `%s`**", nodeID)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# 🔁 Occurrences of `%s`\n\n", nodeID))
	for i, o := range occ {
		line := fmt.Sprintf("%d. %s", o.Index, o.At.Format("Mon Jan 2, 2006 15:04"))
		if i > 0 {
			line += fmt.Sprintf(" (+%s)", formatDuration(o.At.Sub(occ[i-1].At)))
		}
		sb.WriteString(line + "\n")
	}

	return strings.TrimSpace(sb.String())
}

func formatEdgeKind(e domain.DependencyEdge) string {
	switch e.Kind {
	case domain.EdgeStartAfter:
		if e.Offset > 0 {
			return fmt.Sprintf("(start after +%s)", formatDuration(e.Offset))
		}
		return "(start after)"
	case domain.EdgeStartOnCompletion:
		return "(on completion)"
	case domain.EdgeTriggerRisingEdge:
		return "(rising edge)"
	case domain.EdgeTriggerFallingEdge:
		return "(falling edge)"
	default:
		return string(e.Kind)
	}
}

func getStateHeader(state domain.TaskState) string {
	switch state {
	case domain.StateQueued:
		return "📅 Queued"
	case domain.StateActive:
		return "🚀 Active"
	case domain.StateClosed:
		return "✅ Closed"
	default:
		return string(state)
	}
}

func getStateEmoji(state domain.TaskState) string {
	switch state {
	case domain.StateQueued:
		return "⏸️"
	case domain.StateActive:
		return "🟢"
	case domain.StateClosed:
		return "⏹️"
	default:
		return "❓"
	}
}

func getBudgetEmoji(status domain.BudgetStatus) string {
	switch status {
	case domain.BudgetApproved:
		return "🟢"
	case domain.BudgetReduction:
		return "🟡"
	case domain.BudgetWaiting:
		return "⏳"
	case domain.BudgetDeclined:
		return "🚫"
	default:
		return "💰"
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		days := int(d.Hours() / 24)
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	}
}
