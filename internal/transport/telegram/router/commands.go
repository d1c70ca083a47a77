package router

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"heraldbot/internal/domain"
)

// BuiltinCommands returns the operational command set: /fleet, /send and
// /health. All of them are admin-only; startedAt feeds the uptime line.
func BuiltinCommands(startedAt time.Time) []Command {
	b := &builtin{startedAt: startedAt}
	return []Command{
		{
			Name:        "fleet",
			Description: "worker and target status",
			Usage:       "/fleet",
			Access:      AccessAdminOnly,
			Handle:      b.cmdFleet,
		},
		{
			Name:        "send",
			Description: "dispatch one content group now",
			Usage:       "/send <slug>",
			Access:      AccessAdminOnly,
			Timeout:     2 * time.Minute,
			Handle:      b.cmdSend,
		},
		{
			Name:        "health",
			Description: "process health and loop status",
			Usage:       "/health",
			Access:      AccessAdminOnly,
			Handle:      b.cmdHealth,
		},
	}
}

type builtin struct {
	startedAt time.Time
}

func (b *builtin) cmdFleet(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Store == nil {
		return req.Reply(ctx, "storage is unavailable")
	}
	st := req.Services.Store

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return req.Reply(ctx, "listing workers failed: "+err.Error())
	}
	targets, err := st.ListActiveTargets(ctx)
	if err != nil {
		return req.Reply(ctx, "listing targets failed: "+err.Error())
	}
	recent, err := st.ListFailovers(ctx, 5)
	if err != nil {
		return req.Reply(ctx, "listing failovers failed: "+err.Error())
	}

	names := map[int64]string{}
	for _, w := range workers {
		names[w.ID] = w.Name
	}
	perWorker := map[int64]int{}
	unassigned := 0
	for _, t := range targets {
		if t.WorkerID == nil {
			unassigned++
			continue
		}
		perWorker[*t.WorkerID]++
	}

	now := time.Now()
	var sb strings.Builder
	sb.Grow(1024)
	sb.WriteString("Fleet\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	if len(workers) == 0 {
		sb.WriteString("(no workers registered)\n")
	}
	for _, w := range workers {
		icon := "✅"
		switch w.Status {
		case domain.WorkerStandby:
			icon = "🟨"
		case domain.WorkerOffline:
			icon = "⛔"
		}
		hb := "never"
		if w.LastHeartbeat != nil {
			hb = durRel(now.Sub(*w.LastHeartbeat)) + " ago"
		}
		sb.WriteString(fmt.Sprintf("%s %s — %s, heartbeat %s, %d target(s)\n",
			icon, w.Name, w.Status, hb, perWorker[w.ID]))
	}
	sb.WriteString(fmt.Sprintf("\nTargets: %d active", len(targets)))
	if unassigned > 0 {
		sb.WriteString(fmt.Sprintf(" (%d unassigned)", unassigned))
	}
	sb.WriteString("\n")

	if len(recent) > 0 {
		sb.WriteString("\nRecent failovers\n")
		for _, rec := range recent {
			to := "none"
			if rec.NewWorkerID != nil {
				to = workerLabel(names, *rec.NewWorkerID)
			}
			sb.WriteString(fmt.Sprintf("  • target %d: %s → %s (%s, %s ago)\n",
				rec.TargetID, workerLabel(names, rec.OldWorkerID), to,
				rec.Reason, durRel(now.Sub(rec.At))))
		}
	}
	return req.Reply(ctx, sb.String())
}

func workerLabel(names map[int64]string, id int64) string {
	if n, ok := names[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("#%d", id)
}

func (b *builtin) cmdSend(ctx context.Context, req *Request) error {
	if req.Services == nil || req.Services.Dispatch == nil {
		return req.Reply(ctx, "dispatch is unavailable")
	}
	if len(req.Args) == 0 || strings.TrimSpace(req.Args[0]) == "" {
		return req.Reply(ctx, "usage: /send <slug>")
	}
	slug := strings.TrimSpace(req.Args[0])

	rep, err := req.Services.Dispatch.DispatchSlug(ctx, slug)
	if err != nil {
		return req.Reply(ctx, fmt.Sprintf("dispatch %q failed: %v", slug, err))
	}
	return req.Reply(ctx, fmt.Sprintf(
		"batch %s: %q → %d target(s), sent %d, skipped %d, failed %d in %s",
		rep.Batch, rep.Slug, rep.Targets, rep.Sent, rep.Skipped, rep.Failed,
		rep.Took.Round(time.Millisecond)))
}

func (b *builtin) cmdHealth(ctx context.Context, req *Request) error {
	up := time.Since(b.startedAt)
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	storageLine := "disabled"
	if req.Services != nil && req.Services.Store != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := req.Services.Store.Ping(pctx); err != nil {
			storageLine = "FAIL: " + err.Error()
		} else {
			storageLine = "ok"
		}
		cancel()
	}

	// Plain text; operational output must never trip Telegram's parser.
	var sb strings.Builder
	sb.Grow(1024)
	sb.WriteString("Health\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString(fmt.Sprintf("Uptime:  %s\n", durRel(up)))
	sb.WriteString(fmt.Sprintf("Storage: %s\n", storageLine))
	sb.WriteString(fmt.Sprintf("Memory:  %s alloc, %s sys, %d GC runs\n",
		fmtBytes(m.Alloc), fmtBytes(m.Sys), m.NumGC))
	sb.WriteString(fmt.Sprintf("Runtime: %s, %d goroutines\n",
		runtime.Version(), runtime.NumGoroutine()))

	if req.Services != nil && req.Services.Supervisors != nil {
		sups := req.Services.Supervisors.Snapshot()
		if len(sups) > 0 {
			names := make([]string, 0, len(sups))
			for name := range sups {
				names = append(names, name)
			}
			sort.Strings(names)
			sb.WriteString("\nLoops\n")
			for _, name := range names {
				snap := sups[name].Snapshot()
				restarts, panics := uint64(0), uint64(0)
				for _, ts := range snap.Tasks {
					restarts += ts.Restarts
					panics += ts.Panics
				}
				line := fmt.Sprintf("  • %s: %d active", name, snap.Counters.Active)
				if restarts > 0 {
					line += fmt.Sprintf(", %d restart(s)", restarts)
				}
				if panics > 0 {
					line += fmt.Sprintf(", %d panic(s)", panics)
				}
				if snap.FirstError != "" {
					line += ", err: " + snap.FirstError
				}
				sb.WriteString(line + "\n")
			}
		}
	}
	return req.Reply(ctx, sb.String())
}

func fmtBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// durRel renders a duration the way a human reads an uptime line.
func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
