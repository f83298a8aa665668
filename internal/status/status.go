// Package status renders the textual peer/route snapshot of spec §12 — a
// stand-in for the original's TUI, grounded on the teacher's ipc.go
// "inspect" command.
package status

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
)

// Render renders a human-readable snapshot of the database, for the `-t`
// console flag and any future IPC-style debug dump.
func Render(db *peerdb.DB, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "wg-netmanager — node %s\n\n", db.Self)

	sb.WriteString("Peers:\n")
	peers := db.Peers()
	if len(peers) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, p := range peers {
		fmt.Fprintf(&sb, "  %-15s %-10s name=%q static=%v lastSeen=%s\n",
			p.WgIp, p.Reachability, p.Name, p.Static, ago(now, p.LastSeenViaAny))
		if ep, ok := p.BestEndpoint(); ok {
			fmt.Fprintf(&sb, "    endpoint: %s:%d (%v)\n", ep.Host, ep.Port, ep.Class)
		}
	}

	sb.WriteString("\nRoutes:\n")
	routes := db.Routes()
	if len(routes) == 0 {
		sb.WriteString("  (none)\n")
	}
	lines := make([]string, 0, len(routes))
	for _, r := range routes {
		lines = append(lines, fmt.Sprintf("  %-15s via %-15s hops=%d", r.Destination, r.NextHop, r.HopCount))
	}
	slices.Sort(lines)
	for _, l := range lines {
		sb.WriteString(l + "\n")
	}

	return sb.String()
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
