package mem

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	pinnedStyle = lipgloss.NewStyle().Faint(true)
)

// DescribeAllocations renders the allocation table, one row per live
// allocation in allocation order.
func (m *Manager) DescribeAllocations() string {
	rows := []string{headerStyle.Render(fmt.Sprintf(
		"%-4s %-18s %-10s %-10s %-6s %s", "id", "virtual", "physical", "length", "gc", "name"))}

	for _, a := range m.Allocations() {
		row := fmt.Sprintf("%-4d %-18s %-10d %-10d %-6v %s",
			a.ID, fmt.Sprintf("%#016x", a.VirtualBase), a.Start, a.DataLength, a.Collectible, a.Name)
		if !a.Collectible {
			row = pinnedStyle.Render(row)
		}
		rows = append(rows, row)
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// DescribeRegions renders the heap's region list in address order.
func (m *Manager) DescribeRegions() string {
	rows := []string{headerStyle.Render(fmt.Sprintf(
		"%-4s %-10s %-10s %s", "id", "base", "length", "state"))}

	for _, id := range m.heap.order {
		r := m.heap.byID[id]
		state := "free"
		if r.used {
			state = fmt.Sprintf("used by allocation %d", r.allocID)
		}
		rows = append(rows, fmt.Sprintf("%-4d %-10d %-10d %s", r.id, r.base, r.length, state))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// Describe renders both tables plus a heap summary line.
func (m *Manager) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "heap: %d bytes, %d used, %d allocations\n",
		m.HeapLen(), m.heap.usedBytes(), len(m.allocs))
	b.WriteString(m.DescribeAllocations())
	b.WriteString("\n")
	b.WriteString(m.DescribeRegions())
	return b.String()
}
