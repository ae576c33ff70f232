package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BadgerOps/ziploy/internal/archive"
	"github.com/BadgerOps/ziploy/internal/chunk"
	"github.com/BadgerOps/ziploy/internal/config"
	"github.com/BadgerOps/ziploy/internal/ignore"
	"github.com/BadgerOps/ziploy/internal/remote"
	"github.com/BadgerOps/ziploy/internal/safety"
	"github.com/BadgerOps/ziploy/internal/store"
	"github.com/BadgerOps/ziploy/internal/transport"
	"github.com/BadgerOps/ziploy/internal/workspace"
	"github.com/google/uuid"
)

// Recorder persists deployment history. Failures are logged, never fatal.
type Recorder interface {
	CreateDeployment(d *store.Deployment) error
	UpdateDeployment(d *store.Deployment) error
	AddDeploymentChunk(c *store.DeploymentChunk) error
}

// RemoteSession is an open SSH connection.
type RemoteSession interface {
	remote.Session
	Close() error
}

// DialFunc opens a RemoteSession.
type DialFunc func(ctx context.Context, opts transport.SSHOptions, logger *slog.Logger) (RemoteSession, error)

// DialSSH is the default DialFunc.
func DialSSH(ctx context.Context, opts transport.SSHOptions, logger *slog.Logger) (RemoteSession, error) {
	s, err := transport.Dial(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options configures a single deployment.
type Options struct {
	ProjectDir string
	DryRun     bool
}

// Report summarizes a deployment, successful or not.
type Report struct {
	RunID       string
	DeployID    string
	Method      string
	Origin      string
	DryRun      bool
	Files       int
	Dirs        int
	Excluded    int
	ArchiveID   string
	ArchiveSize int64
	ChunkSize   int64
	TotalChunks int
	ChunksSent  int
	Chunks      []chunk.Chunk
	Messages    []string
	Package     string
	Destination string
	Extracted   bool
	Finalized   string
	State       remote.State
	Duration    time.Duration
}

// Deployer runs the packaging and transfer pipeline for one project.
// Every run is strictly sequential; one Deployer must not run twice at once.
type Deployer struct {
	cfg      *config.Config
	recorder Recorder
	logger   *slog.Logger

	// Dial opens the SSH session. Defaults to DialSSH.
	Dial DialFunc
	// Tracker receives progress updates. Defaults to a silent tracker.
	Tracker *Tracker
}

// NewDeployer creates a Deployer. recorder may be nil.
func NewDeployer(cfg *config.Config, recorder Recorder, logger *slog.Logger) *Deployer {
	return &Deployer{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		Dial:     DialSSH,
		Tracker:  NewTracker(nil),
	}
}

// Deploy packages opts.ProjectDir and delivers it. The work directory and
// archive are removed on every exit path.
func (d *Deployer) Deploy(ctx context.Context, opts Options) (*Report, error) {
	startTime := time.Now()

	report := &Report{
		RunID:    uuid.NewString(),
		DeployID: d.cfg.ID,
		Method:   d.cfg.Method,
		Origin:   d.cfg.Origin,
		DryRun:   opts.DryRun,
	}

	projectDir := opts.ProjectDir
	if projectDir == "" {
		projectDir = "."
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return report, fmt.Errorf("resolving project directory: %w", err)
	}

	maxSize, err := d.cfg.ChunkSizeBytes()
	if err != nil {
		return report, err
	}
	report.ChunkSize = maxSize

	ws, err := workspace.New(projectDir, d.cfg.WorkDir, d.cfg.ArchiveName, d.logger)
	if err != nil {
		return report, err
	}

	d.logger.Info("deployment started",
		"run_id", report.RunID,
		"id", report.DeployID,
		"method", report.Method,
		"origin", report.Origin,
		"project", projectDir,
		"dry_run", opts.DryRun,
	)

	rec := d.startRecord(report, projectDir, startTime)

	err = ws.Run(func() error {
		return d.run(ctx, ws, projectDir, opts, report, rec)
	})
	report.Duration = time.Since(startTime)
	d.finishRecord(rec, report, err)

	if err != nil {
		report.State = remote.Failed
		d.Tracker.Fail(err)
		d.logger.Error("deployment failed", "run_id", report.RunID, "error", err, "duration", report.Duration)
		return report, err
	}

	report.State = remote.Completed
	d.Tracker.SetPhase(PhaseComplete, "deployment complete")
	d.logger.Info("deployment completed",
		"run_id", report.RunID,
		"chunks", report.ChunksSent,
		"extracted", report.Extracted,
		"duration", report.Duration,
	)
	return report, nil
}

func (d *Deployer) run(ctx context.Context, ws *workspace.Workspace, projectDir string, opts Options, report *Report, rec *store.Deployment) error {
	d.Tracker.SetPhase(PhasePackaging, "packaging project")
	matcher, err := d.loadMatcher(projectDir, ws)
	if err != nil {
		return err
	}

	manifest, err := archive.NewBuilder(d.logger).Build(ctx, projectDir, ws.Archive, matcher)
	if err != nil {
		return err
	}
	report.Files, report.Dirs, report.Excluded = manifest.Files, manifest.Dirs, manifest.Excluded
	report.ArchiveSize = manifest.Size

	d.Tracker.SetPhase(PhaseChunking, "splitting archive")
	set, err := chunk.Split(ctx, ws.Archive, ws.Dir, report.ChunkSize)
	if err != nil {
		return err
	}
	if err := chunk.Validate(set.Chunks, set.MaxSize); err != nil {
		return fmt.Errorf("validating chunks: %w", err)
	}
	if err := os.Remove(ws.Archive); err != nil {
		d.logger.Warn("removing archive after split", "path", ws.Archive, "error", err)
	}
	if err := chunk.WriteManifest(chunk.NewManifest(set, report.DeployID, report.RunID), filepath.Join(ws.Dir, chunk.ManifestName)); err != nil {
		return err
	}

	report.ArchiveID = set.ArchiveID
	report.TotalChunks = len(set.Chunks)
	report.Chunks = set.Chunks
	d.Tracker.SetTotals(len(set.Chunks), set.ArchiveSize)
	d.logger.Info("archive split", "chunks", len(set.Chunks), "chunk_size", report.ChunkSize, "archive_id", set.ArchiveID)

	if rec != nil {
		rec.ArchiveID, rec.ArchiveSize, rec.TotalChunks, rec.FilesPacked = set.ArchiveID, set.ArchiveSize, len(set.Chunks), manifest.Files
		d.updateRecord(rec)
	}

	if opts.DryRun {
		if _, err := chunk.Verify(ws.Dir); err != nil {
			return fmt.Errorf("verifying chunks: %w", err)
		}
		d.logger.Info("dry run, nothing transferred", "chunks", len(set.Chunks))
		return nil
	}

	var outcome *remote.Outcome
	switch d.cfg.Method {
	case config.MethodSSH:
		outcome, err = d.deliverSSH(ctx, set, report, rec)
	default:
		outcome, err = d.deliverHTTP(ctx, set, report, rec)
	}
	if err != nil {
		return err
	}

	report.Messages = outcome.Messages
	report.Package, report.Destination, report.Extracted = outcome.Package, outcome.Destination, outcome.Extracted

	if d.cfg.Finalize {
		if err := d.finalize(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

// loadMatcher builds the ignore rules, adding the work directory and
// archive when they are not at their default names.
func (d *Deployer) loadMatcher(projectDir string, ws *workspace.Workspace) (*ignore.Matcher, error) {
	file := d.cfg.IgnoreFile
	if file != "" && !filepath.IsAbs(file) {
		file = filepath.Join(projectDir, file)
	}
	m, err := ignore.Load(projectDir, file)
	if err != nil {
		return nil, err
	}

	var extra []string
	if rel, ok := safety.RelativeTo(projectDir, ws.Dir); ok {
		extra = append(extra, "/"+rel, "/"+rel+"/")
	}
	if rel, ok := safety.RelativeTo(projectDir, ws.Archive); ok {
		extra = append(extra, "/"+rel)
	}
	return m.With(extra...)
}

func (d *Deployer) client() *transport.Client {
	return transport.NewClient(d.logger, transport.Options{
		InsecureTLS: d.cfg.InsecureTLS,
		Timeout:     d.cfg.Timeout,
	})
}

func (d *Deployer) sshOptions() transport.SSHOptions {
	return transport.SSHOptions{
		Host:           d.cfg.SSH.Host,
		Port:           d.cfg.SSH.Port,
		User:           d.cfg.SSH.User,
		KeyFile:        d.cfg.SSH.Key,
		KnownHostsFile: d.cfg.SSH.KnownHosts,
	}
}

// deliverHTTP uploads the chunks in order, one request at a time, and
// stops at the first rejected chunk.
func (d *Deployer) deliverHTTP(ctx context.Context, set *chunk.Set, report *Report, rec *store.Deployment) (*remote.Outcome, error) {
	var runner *lazyRunner
	var orch *remote.Orchestrator
	if d.cfg.SSH.Configured() {
		runner = &lazyRunner{dial: func(ctx context.Context) (RemoteSession, error) {
			return d.Dial(ctx, d.sshOptions(), d.logger)
		}}
		defer runner.Close()
		orch = remote.New(runner, d.cfg.SSH.RemotePrefix, d.logger)
	} else {
		orch = remote.New(nil, d.cfg.SSH.RemotePrefix, d.logger)
	}

	client := d.client()
	endpoint := transport.UpdateEndpoint(d.cfg.Origin)
	d.Tracker.SetPhase(PhaseUploading, fmt.Sprintf("uploading %d chunks", len(set.Chunks)))

	for _, c := range set.Chunks {
		res, err := client.UploadChunk(ctx, endpoint, d.cfg.ID, c)
		if err != nil {
			code := transport.StatusCode(err)
			d.recordChunk(rec, c, code, nil, 0, err)
			d.Tracker.ChunkFailed(c, code, err)
			orch.Fail(err)
			return nil, err
		}

		report.ChunksSent++
		d.recordChunk(rec, c, res.StatusCode, res.Body, res.Duration, nil)
		d.Tracker.ChunkSent(c, res.StatusCode)
		d.logger.Info("chunk uploaded", "seq", c.Seq, "total", c.Total, "size", c.Size)
		orch.Observe(c.Seq, c.Total, res.Body)
	}

	if _, ok := orch.Pending(); ok && runner != nil {
		d.Tracker.SetPhase(PhaseExtracting, "extracting on remote host")
	}
	return orch.Complete(ctx)
}

// deliverSSH places the chunks over SFTP and assembles and extracts them
// with remote commands.
func (d *Deployer) deliverSSH(ctx context.Context, set *chunk.Set, report *Report, rec *store.Deployment) (*remote.Outcome, error) {
	sess, err := d.Dial(ctx, d.sshOptions(), d.logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			d.logger.Debug("closing ssh session", "error", err)
		}
	}()

	d.Tracker.SetPhase(PhaseUploading, fmt.Sprintf("placing %d chunks", len(set.Chunks)))
	orch := remote.New(nil, d.cfg.SSH.RemotePrefix, d.logger)
	outcome, err := orch.PlaceAndExtract(ctx, sess, remote.PlaceRequest{
		Chunks:      set.Chunks,
		StagingDir:  d.cfg.SSH.StagingDir,
		Package:     path.Join(d.cfg.SSH.StagingDir, set.ArchiveName),
		Destination: d.cfg.SSH.Destination,
		OnPlaced: func(c chunk.Chunk, _ int64) {
			report.ChunksSent++
			d.recordChunk(rec, c, 0, nil, 0, nil)
			d.Tracker.ChunkSent(c, 0)
			d.logger.Info("chunk placed", "seq", c.Seq, "total", c.Total, "size", c.Size)
			if c.Last() {
				d.Tracker.SetPhase(PhaseExtracting, "extracting on remote host")
			}
		},
	})
	if err != nil {
		if report.ChunksSent < len(set.Chunks) {
			c := set.Chunks[report.ChunksSent]
			d.recordChunk(rec, c, 0, nil, 0, err)
			d.Tracker.ChunkFailed(c, 0, err)
		}
		return nil, err
	}
	return outcome, nil
}

func (d *Deployer) finalize(ctx context.Context, report *Report) error {
	d.Tracker.SetPhase(PhaseFinalizing, "finalizing deployment")
	res, err := d.client().Finalize(ctx, transport.FinalizeEndpoint(d.cfg.Origin), transport.FinalizeRequest{
		ID:          d.cfg.ID,
		Method:      d.cfg.Method,
		Package:     report.Package,
		Destination: report.Destination,
	})
	if err != nil {
		return err
	}

	switch a := parseAckQuiet(res.Body).(type) {
	case remote.MessageAck:
		report.Finalized = a.Message
	case remote.ExtractAck:
		report.Finalized = a.Message
	case remote.UnknownAck:
		report.Finalized = a.Raw
	}
	d.logger.Info("deployment finalized", "response", report.Finalized)
	return nil
}

func parseAckQuiet(body []byte) remote.Ack {
	a, _ := remote.ParseAck(body)
	return a
}

// lazyRunner dials on first use, so HTTP runs that never receive an
// extraction instruction never open an SSH connection.
type lazyRunner struct {
	dial func(ctx context.Context) (RemoteSession, error)
	sess RemoteSession
}

func (r *lazyRunner) Run(ctx context.Context, cmd string) (*transport.CommandResult, error) {
	if r.sess == nil {
		s, err := r.dial(ctx)
		if err != nil {
			return nil, err
		}
		r.sess = s
	}
	return r.sess.Run(ctx, cmd)
}

func (r *lazyRunner) Close() {
	if r.sess != nil {
		_ = r.sess.Close()
	}
}

// ============================================================================
// History
// ============================================================================

const maxRecordedResponse = 2048

func (d *Deployer) startRecord(report *Report, projectDir string, start time.Time) *store.Deployment {
	if d.recorder == nil {
		return nil
	}
	rec := &store.Deployment{
		RunID:      report.RunID,
		DeployID:   report.DeployID,
		Method:     report.Method,
		Origin:     report.Origin,
		ProjectDir: projectDir,
		ChunkSize:  report.ChunkSize,
		StartTime:  start,
		Status:     store.StatusRunning,
	}
	if err := d.recorder.CreateDeployment(rec); err != nil {
		d.logger.Warn("recording deployment failed", "error", err)
		return nil
	}
	return rec
}

func (d *Deployer) updateRecord(rec *store.Deployment) {
	if err := d.recorder.UpdateDeployment(rec); err != nil {
		d.logger.Warn("updating deployment record failed", "error", err)
	}
}

func (d *Deployer) finishRecord(rec *store.Deployment, report *Report, runErr error) {
	if rec == nil {
		return
	}
	rec.EndTime = time.Now()
	rec.ChunksSent = report.ChunksSent
	rec.Extracted = report.Extracted
	rec.Destination = report.Destination
	switch {
	case runErr != nil:
		rec.Status = store.StatusFailed
		rec.ErrorMessage = runErr.Error()
	case report.DryRun:
		rec.Status = store.StatusDryRun
	default:
		rec.Status = store.StatusSucceeded
	}
	d.updateRecord(rec)
}

func (d *Deployer) recordChunk(rec *store.Deployment, c chunk.Chunk, statusCode int, body []byte, took time.Duration, err error) {
	if rec == nil {
		return
	}
	cr := &store.DeploymentChunk{
		DeploymentID: rec.ID,
		Seq:          c.Seq,
		Name:         c.Name,
		Size:         c.Size,
		SHA256:       c.SHA256,
		StatusCode:   statusCode,
		Response:     truncate(string(body), maxRecordedResponse),
		DurationMS:   took.Milliseconds(),
		Status:       store.StatusSucceeded,
	}
	if err != nil {
		cr.Status = store.StatusFailed
		cr.ErrorMessage = err.Error()
		var he *transport.HTTPError
		if errors.As(err, &he) {
			cr.Response = truncate(he.Body, maxRecordedResponse)
		}
	}
	if err := d.recorder.AddDeploymentChunk(cr); err != nil {
		d.logger.Warn("recording chunk failed", "seq", c.Seq, "error", err)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
