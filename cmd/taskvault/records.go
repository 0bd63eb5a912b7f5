package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/orchestrator"
	"github.com/fentz26/taskvault/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pipeline summary",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show [record-id]",
	Short: "Show a record and its agent runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var approveCmd = &cobra.Command{
	Use:   "approve [record-id]",
	Short: "Approve a pending request by moving it to Approved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [record-id]",
	Short: "Reject a pending request by moving it to Rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args[0], false)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the most recent audit entries",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

var (
	jsonOutput bool
	listState  string
	listKind   string
	auditLimit int
)

func init() {
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the snapshot as JSON")
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by state (e.g. NeedsAction, PendingApproval)")
	listCmd.Flags().StringVar(&listKind, "kind", "", "Filter by kind (file_drop, plan, approval_request, error, alert)")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Number of entries")
}

func openLocal() (*env, error) {
	root, err := resolveRoot(nil)
	if err != nil {
		return nil, err
	}
	return openEnv(root)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	snap, err := e.newReporter().Render(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput {
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tRECORDS")
	for _, st := range models.AllStates {
		fmt.Fprintf(w, "%s\t%d\n", st, snap.Counts[st])
	}
	fmt.Fprintf(w, "Total\t%d\n", snap.Total)
	w.Flush()

	fmt.Printf("\nCompleted today: %d, this week: %d\n", snap.CompletedToday, snap.CompletedThisWeek)
	if len(snap.Urgent) > 0 {
		fmt.Println("\nNeeds attention:")
		for _, u := range snap.Urgent {
			fmt.Printf("  [%s] %s: %s\n", strings.ToUpper(string(u.Priority)), u.ID, u.Summary)
		}
	}
	if len(snap.Recent) > 0 {
		fmt.Println("\nRecent activity:")
		printEntries(snap.Recent, snap.GeneratedAt)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	f := store.Filter{State: models.State(listState), Kind: models.Kind(listKind)}
	if listState != "" && !f.State.Valid() {
		return fmt.Errorf("unknown state %q", listState)
	}
	if listKind != "" && !f.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", listKind)
	}

	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	recs, err := e.store.ListRecords(context.Background(), f)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No records found")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tKIND\tPRIORITY\tSTATUS\tATTEMPTS\tUPDATED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(r.ID, 48), r.State, r.Kind, r.Priority, r.Status, r.AttemptCount,
			humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))
	}
	w.Flush()
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	r, err := e.store.GetRecord(ctx, args[0])
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("record %s not found", args[0])
	}
	runs, err := e.store.GetRunsForRecord(ctx, r.ID)
	if err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", r.ID)
	fmt.Printf("Kind:      %s\n", r.Kind)
	fmt.Printf("State:     %s\n", r.State)
	fmt.Printf("Priority:  %s\n", r.Priority)
	fmt.Printf("Status:    %s\n", r.Status)
	fmt.Printf("Source:    %s\n", r.Source)
	if r.SourceRef != "" {
		fmt.Printf("Parent:    %s\n", r.SourceRef)
	}
	if r.AttemptCount > 0 {
		fmt.Printf("Attempts:  %d\n", r.AttemptCount)
	}
	if r.NextAttempt != nil {
		fmt.Printf("Retry at:  %s\n", r.NextAttempt.Local().Format(time.RFC3339))
	}
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-10s %s\n", k+":", r.Fields[k])
	}
	fmt.Printf("File:      %s\n", e.vault.Path(r.State, r.ID))
	fmt.Printf("Created:   %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", r.UpdatedAt.Local().Format(time.RFC3339))

	if len(runs) > 0 {
		fmt.Println("\n--- AGENT RUNS ---")
		for _, run := range runs {
			fmt.Printf("%s  %-24s %s (%s)\n", run.StartedAt.Local().Format(time.DateTime), run.Outcome, run.Step, run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
		}
	}
	fmt.Println("\n--- BODY ---")
	fmt.Println(r.Body)
	return nil
}

func runDecide(id string, approve bool) error {
	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	to, err := orchestrator.Decide(context.Background(), e.store, e.vault, id, approve)
	if err != nil {
		return err
	}
	fmt.Printf("Moved %s to %s; the orchestrator applies it on its next cycle\n", id, to)
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	e, err := openLocal()
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.audit.Tail(auditLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}
	printEntries(entries, time.Now())
	return nil
}

func printEntries(entries []models.AuditEntry, now time.Time) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tACTOR\tRECORD\tMOVE\tRESULT")
	for _, en := range entries {
		move := ""
		if en.IsTransition() {
			move = fmt.Sprintf("%s -> %s", en.FromState, en.ToState)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(en.Timestamp, now, "ago", "from now"),
			en.ActionType, en.Actor, truncate(en.RecordID, 40), move, en.Result)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
