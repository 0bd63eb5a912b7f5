// Package status derives the pipeline summary from the store and the audit
// log. It never writes to either; the dashboard file it renders is
// overwritten on every call.
package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/plan"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

// Reporter computes status snapshots.
type Reporter struct {
	store  *store.Store
	vault  *vault.Vault
	log    *audit.Log
	config *config.Reloader
	logger *zap.Logger
	now    func() time.Time
}

// New creates a reporter.
func New(s *store.Store, v *vault.Vault, log *audit.Log, cfg *config.Reloader, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		store:  s,
		vault:  v,
		log:    log,
		config: cfg,
		logger: logger.With(zap.String("component", "status")),
		now:    time.Now,
	}
}

// Render computes a fresh snapshot.
func (r *Reporter) Render(ctx context.Context) (*models.StatusSnapshot, error) {
	cfg := r.config.Current()
	now := r.now()

	counts, err := r.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	snap := &models.StatusSnapshot{
		GeneratedAt: now.UTC(),
		Counts:      counts,
	}
	for _, n := range counts {
		snap.Total += n
	}

	// Audit files are partitioned by UTC day, so "today" is too.
	utc := now.UTC()
	today := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	weekAgo := utc.Add(-7 * 24 * time.Hour)
	err = r.log.Scan(weekAgo, utc.Add(time.Minute), func(e models.AuditEntry) error {
		if !e.ClosesTask() {
			return nil
		}
		snap.CompletedThisWeek++
		if !e.Timestamp.Before(today) {
			snap.CompletedToday++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	snap.Urgent, err = r.urgent(ctx)
	if err != nil {
		return nil, err
	}

	snap.Recent, err = r.log.Tail(cfg.Status.RecentEntries)
	if err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}
	return snap, nil
}

// urgent lists error and alert records awaiting review plus everything in
// Quarantine, most urgent first. Records listed on a quarantine note are
// represented by the note.
func (r *Reporter) urgent(ctx context.Context) ([]models.UrgentItem, error) {
	var recs []models.TaskRecord
	for _, f := range []store.Filter{
		{State: models.StateNeedsAction, Kind: models.KindError},
		{State: models.StateNeedsAction, Kind: models.KindAlert},
		{State: models.StateQuarantine},
	} {
		part, err := r.store.ListRecords(ctx, f)
		if err != nil {
			return nil, err
		}
		recs = append(recs, part...)
	}

	covered := make(map[string]bool)
	for _, rec := range recs {
		if rec.Kind == models.KindQuarantine && rec.State == models.StateQuarantine {
			for _, id := range strings.Split(rec.Field(models.FieldCovers), ",") {
				covered[id] = true
			}
		}
	}

	var items []models.UrgentItem
	for _, rec := range recs {
		if covered[rec.ID] {
			continue
		}
		items = append(items, models.UrgentItem{
			ID:       rec.ID,
			Kind:     rec.Kind,
			State:    rec.State,
			Priority: rec.Priority,
			Summary:  summary(&rec),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority.Rank() > items[j].Priority.Rank()
	})
	return items, nil
}

func summary(rec *models.TaskRecord) string {
	switch rec.Kind {
	case models.KindError, models.KindAlert:
		return fmt.Sprintf("%s about %s", rec.Kind, rec.SourceRef)
	case models.KindQuarantine:
		return "quarantined: " + strings.ReplaceAll(rec.Field(models.FieldCovers), ",", ", ")
	}
	if fk := rec.Field(models.FieldFailureKind); fk != "" {
		return fmt.Sprintf("%s quarantined after %d attempts (%s)", rec.Source, rec.AttemptCount, fk)
	}
	return rec.Source
}

// WriteDashboard renders a snapshot and writes it to the dashboard file.
func (r *Reporter) WriteDashboard(ctx context.Context) (*models.StatusSnapshot, error) {
	snap, err := r.Render(ctx)
	if err != nil {
		return nil, err
	}
	approvals, err := r.store.ListRecords(ctx, store.Filter{State: models.StatePendingApproval})
	if err != nil {
		return nil, err
	}
	plans, err := r.store.ListRecords(ctx, store.Filter{State: models.StatePlans, Kind: models.KindPlan})
	if err != nil {
		return nil, err
	}

	name := r.config.Current().Status.DashboardFile
	if name == "" {
		return snap, nil
	}
	if err := r.vault.WriteFile(name, []byte(Markdown(snap, approvals, plans, r.now()))); err != nil {
		return snap, fmt.Errorf("write dashboard: %w", err)
	}
	r.logger.Debug("dashboard written", zap.String("file", name))
	return snap, nil
}

// Markdown renders the dashboard document.
func Markdown(snap *models.StatusSnapshot, approvals, plans []models.TaskRecord, now time.Time) string {
	var b strings.Builder
	b.WriteString("# Dashboard\n\n")
	fmt.Fprintf(&b, "_Updated %s. Derived from the record store; edits are overwritten._\n\n", snap.GeneratedAt.Local().Format("2006-01-02 15:04:05"))

	b.WriteString("## Pipeline\n\n| State | Records |\n|---|---|\n")
	for _, st := range models.AllStates {
		fmt.Fprintf(&b, "| %s | %d |\n", st, snap.Counts[st])
	}
	fmt.Fprintf(&b, "| **Total** | **%d** |\n\n", snap.Total)
	fmt.Fprintf(&b, "Completed today: **%d** · this week: **%d**\n\n", snap.CompletedToday, snap.CompletedThisWeek)

	b.WriteString("## Needs Attention\n\n")
	if len(snap.Urgent) == 0 {
		b.WriteString("Nothing urgent.\n")
	}
	for _, u := range snap.Urgent {
		fmt.Fprintf(&b, "- **%s** `%s` (%s, %s): %s\n", strings.ToUpper(string(u.Priority)), u.ID, u.Kind, u.State, u.Summary)
	}

	b.WriteString("\n## Pending Approvals\n\n")
	if len(approvals) == 0 {
		b.WriteString("None.\n")
	}
	for _, a := range approvals {
		fmt.Fprintf(&b, "- `%s` %s, requested %s\n", a.ID, a.Field(models.FieldAction), humanize.RelTime(a.CreatedAt, now, "ago", "from now"))
	}

	b.WriteString("\n## Active Plans\n\n")
	if len(plans) == 0 {
		b.WriteString("None.\n")
	}
	for _, p := range plans {
		done, total := plan.Progress(p.Body)
		line := fmt.Sprintf("- `%s` %d/%d steps", p.ID, done, total)
		switch {
		case p.Field(models.FieldAwaitingApproval) != "":
			line += ", waiting on " + p.Field(models.FieldAwaitingApproval)
		case p.Status == models.TaskStatusFailed:
			line += ", failed"
		case p.AttemptCount > 0:
			line += fmt.Sprintf(", %d failed attempts", p.AttemptCount)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n## Recent Activity\n\n")
	if len(snap.Recent) == 0 {
		b.WriteString("No activity yet.\n")
	}
	for i := len(snap.Recent) - 1; i >= 0; i-- {
		e := snap.Recent[i]
		line := fmt.Sprintf("- %s %s `%s` by %s", humanize.RelTime(e.Timestamp, now, "ago", "from now"), e.ActionType, e.RecordID, e.Actor)
		if e.IsTransition() {
			line += fmt.Sprintf(" (%s → %s)", e.FromState, e.ToState)
		}
		if e.Result == models.ResultFailure {
			line += " **failed**"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
