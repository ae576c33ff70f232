package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BadgerOps/ziploy/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	historyID    string
	historyLimit int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployments",
		Long: `List deployments recorded in the history database, newest first.
Use --id to show only one deployment identifier. "history show RUN_ID"
prints a single run with the outcome of every chunk.`,
		Example: `  ziploy history
  ziploy history --id my-site --limit 5
  ziploy history show 3f0c2a4e-...`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}

	cmd.Flags().StringVar(&historyID, "id", "", "only show deployments with this identifier")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of deployments to show (0 for all)")

	cmd.AddCommand(newHistoryShowCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one deployment and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE:  historyShowRun,
	}
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("history store not initialized")
	}

	deployments, err := globalStore.ListDeployments(historyID, historyLimit)
	if err != nil {
		return err
	}
	if len(deployments) == 0 {
		fmt.Println("No deployments recorded.")
		return nil
	}

	fmt.Println("Deployment History")
	fmt.Println("==================")
	fmt.Println("")
	fmt.Printf("%-36s %-16s %-6s %-10s %8s %10s %17s\n", "Run", "ID", "Method", "Status", "Chunks", "Size", "Started")
	fmt.Println(strings.Repeat("-", 110))

	for _, d := range deployments {
		fmt.Printf("%-36s %-16s %-6s %-10s %8s %10s %17s\n",
			d.RunID,
			d.DeployID,
			d.Method,
			d.Status,
			fmt.Sprintf("%d/%d", d.ChunksSent, d.TotalChunks),
			humanize.IBytes(uint64(d.ArchiveSize)),
			d.StartTime.Local().Format("2006-01-02 15:04"),
		)
	}
	fmt.Println("")
	return nil
}

func historyShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("history store not initialized")
	}

	d, err := globalStore.GetDeployment(args[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no deployment with run id %q", args[0])
		}
		return err
	}

	statusColor := color.FgGreen
	switch d.Status {
	case store.StatusFailed:
		statusColor = color.FgRed
	case store.StatusRunning, store.StatusDryRun:
		statusColor = color.FgYellow
	}

	fmt.Printf("Run:         %s\n", d.RunID)
	fmt.Printf("ID:          %s\n", d.DeployID)
	fmt.Printf("Target:      %s %s\n", d.Method, d.Origin)
	fmt.Printf("Project:     %s\n", d.ProjectDir)
	fmt.Print("Status:      ")
	color.New(statusColor).Println(d.Status)
	fmt.Printf("Started:     %s\n", d.StartTime.Local().Format("2006-01-02 15:04:05"))
	if !d.EndTime.IsZero() {
		fmt.Printf("Duration:    %s\n", d.EndTime.Sub(d.StartTime).Round(time.Millisecond))
	}
	fmt.Printf("Archive:     %s (%s, %d files)\n", humanize.IBytes(uint64(d.ArchiveSize)), shortID(d.ArchiveID), d.FilesPacked)
	fmt.Printf("Chunks:      %d/%d of up to %s\n", d.ChunksSent, d.TotalChunks, humanize.IBytes(uint64(d.ChunkSize)))
	if d.Destination != "" {
		fmt.Printf("Destination: %s (extracted: %t)\n", d.Destination, d.Extracted)
	}
	if d.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", d.ErrorMessage)
	}

	chunks, err := globalStore.ListDeploymentChunks(d.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	fmt.Println("")
	fmt.Printf("%5s %-24s %10s %6s %8s  %s\n", "Seq", "Name", "Size", "Code", "Took", "Response")
	fmt.Println(strings.Repeat("-", 80))
	for _, c := range chunks {
		resp := c.Response
		if c.ErrorMessage != "" {
			resp = c.ErrorMessage
		}
		if r := []rune(resp); len(r) > 60 {
			resp = string(r[:57]) + "..."
		}
		fmt.Printf("%5d %-24s %10s %6d %7dms  %s\n", c.Seq, c.Name, humanize.IBytes(uint64(c.Size)), c.StatusCode, c.DurationMS, resp)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "-"
	}
	return id
}
