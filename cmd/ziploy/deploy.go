package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/ziploy/internal/engine"
	"github.com/BadgerOps/ziploy/internal/safety"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	deployIgnoreFile string
	deployChunkSize  string
	deployDryRun     bool
	deployNoHistory  bool
	deployNoFinalize bool
)

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy [METHOD] [ID ORIGIN [SSH_USER SSH_HOST [SSH_PORT] SSH_KEY]]",
		Short: "Package the project and deliver it to the remote site",
		Long: `Package the project directory into a zip archive, split it into chunks
and deliver them in order.

The deploy command will:
  1. Build the archive, skipping everything matched by the ignore rules
  2. Split the archive into chunks of at most --chunk-size bytes
  3. Upload each chunk (HTTP) or place it over SFTP (SSH), stopping at the
     first failure
  4. Extract the archive on the remote host when asked to
  5. Remove the local work directory, whatever the outcome

Positional arguments override the config file. METHOD is HTTP (default)
or SSH.`,
		Example: `  ziploy deploy
  ziploy deploy my-site https://example.com
  ziploy deploy HTTP my-site https://example.com deploy example.com 2222 ~/.ssh/id_ed25519
  ziploy deploy --dry-run`,
		Args: cobra.MaximumNArgs(7),
		RunE: deployRun,
	}

	cmd.Flags().StringVar(&deployIgnoreFile, "ignore-file", "", "ignore file (default: .ziployignore in the project directory)")
	cmd.Flags().StringVar(&deployChunkSize, "chunk-size", "", "maximum chunk size, e.g. 5MiB")
	cmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "build and split the archive without transferring anything")
	cmd.Flags().BoolVar(&deployNoHistory, "no-history", false, "do not record this run in the history database")
	cmd.Flags().BoolVar(&deployNoFinalize, "no-finalize", false, "skip the finalize request after delivery")

	return cmd
}

func deployRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	cfg := globalCfg

	if err := cfg.ApplyArgs(args); err != nil {
		return err
	}
	if deployIgnoreFile != "" {
		cfg.IgnoreFile = deployIgnoreFile
	}
	if deployChunkSize != "" {
		cfg.ChunkSize = deployChunkSize
	}
	if deployNoFinalize {
		cfg.Finalize = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if u, err := safety.ValidateOrigin(cfg.Origin); err == nil && safety.CleartextRemote(u) {
		log.Warn("origin uses plain HTTP, chunks are sent unencrypted", "origin", cfg.Origin)
	}

	var recorder engine.Recorder
	if globalStore != nil && !deployNoHistory {
		recorder = globalStore
	}

	d := engine.NewDeployer(cfg, recorder, log)
	d.Tracker = engine.NewTracker(progressPrinter(os.Stdout))

	ctx := cmd.Context()
	report, err := d.Deploy(ctx, engine.Options{ProjectDir: projectDir, DryRun: deployDryRun})
	if !quiet || err != nil {
		printReport(os.Stdout, report, err)
	}
	if err != nil {
		return fmt.Errorf("deployment failed: %w", err)
	}
	return nil
}

// progressPrinter renders tracker updates as one line per phase change and
// per chunk.
func progressPrinter(w io.Writer) func(engine.Progress) {
	var lastPhase engine.Phase
	return func(p engine.Progress) {
		if quiet {
			return
		}
		if ev := p.Event; ev != nil {
			switch ev.Status {
			case "sent":
				color.New(color.FgGreen).Fprintf(w, "  Uploaded chunk %d of %d (%s, %s of %s)\n", ev.Seq, ev.Total,
					humanize.IBytes(uint64(ev.Size)), humanize.IBytes(uint64(p.BytesSent)), humanize.IBytes(uint64(p.TotalBytes)))
			case "failed":
				color.New(color.FgRed).Fprintf(w, "  Chunk %d of %d failed: %s\n", ev.Seq, ev.Total, ev.Error)
			}
			return
		}
		if p.Phase != lastPhase && p.Phase != engine.PhaseFailed && p.Phase != engine.PhaseComplete {
			lastPhase = p.Phase
			color.New(color.FgCyan).Fprintf(w, "==> %s\n", p.Message)
		}
	}
}

func printReport(w io.Writer, r *engine.Report, err error) {
	if r == nil {
		return
	}

	fmt.Fprintln(w)
	switch {
	case err != nil:
		color.New(color.FgRed, color.Bold).Fprintf(w, "Deployment %s FAILED\n", r.RunID)
	case r.DryRun:
		color.New(color.FgYellow, color.Bold).Fprintf(w, "Dry run %s complete, nothing transferred\n", r.RunID)
	default:
		color.New(color.FgGreen, color.Bold).Fprintf(w, "Deployment %s succeeded\n", r.RunID)
	}

	fmt.Fprintf(w, "  Target:    %s %s (%s)\n", r.Method, r.Origin, r.DeployID)
	fmt.Fprintf(w, "  Files:     %d files, %d dirs, %d excluded\n", r.Files, r.Dirs, r.Excluded)
	if r.TotalChunks > 0 {
		fmt.Fprintf(w, "  Archive:   %s in %d chunks of up to %s\n",
			humanize.IBytes(uint64(r.ArchiveSize)), r.TotalChunks, humanize.IBytes(uint64(r.ChunkSize)))
		fmt.Fprintf(w, "  Sent:      %d/%d\n", r.ChunksSent, r.TotalChunks)
	}
	for _, m := range r.Messages {
		fmt.Fprintf(w, "  Remote:    %s\n", m)
	}
	if r.Extracted {
		fmt.Fprintf(w, "  Extracted: %s -> %s\n", r.Package, r.Destination)
	} else if r.Package != "" {
		fmt.Fprintf(w, "  Package:   %s -> %s (extraction left to the remote site)\n", r.Package, r.Destination)
	}
	if r.Finalized != "" {
		fmt.Fprintf(w, "  Finalized: %s\n", r.Finalized)
	}
	fmt.Fprintf(w, "  Duration:  %s\n", r.Duration.Round(time.Millisecond))
	if err != nil {
		fmt.Fprintf(w, "  Error:     %s\n", strings.TrimSpace(err.Error()))
	}
}
