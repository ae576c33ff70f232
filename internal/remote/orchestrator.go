package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/BadgerOps/ziploy/internal/chunk"
	"github.com/BadgerOps/ziploy/internal/transport"
)

// State is the orchestrator's position in a run.
type State int

const (
	Uploading State = iota
	Informational
	Extracting
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Uploading:
		return "uploading"
	case Informational:
		return "informational"
	case Extracting:
		return "extracting"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Runner executes a remote shell command.
type Runner interface {
	Run(ctx context.Context, cmd string) (*transport.CommandResult, error)
}

// Placer copies a local file to a remote path.
type Placer interface {
	Put(ctx context.Context, local, remotePath string) (int64, error)
}

// Session is the remote shell used in SSH mode.
type Session interface {
	Runner
	Placer
}

// ExtractionError reports a remote command that exited non-zero.
type ExtractionError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExtractionError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("remote command exited with status %d: %s", e.ExitCode, e.Command)
	}
	return fmt.Sprintf("remote command exited with status %d: %s: %s", e.ExitCode, e.Command, truncate(out, 400))
}

// Outcome summarizes what the orchestrator did once uploads finished.
type Outcome struct {
	Package     string
	Destination string
	Extracted   bool
	Messages    []string
	Command     *transport.CommandResult
}

// Orchestrator interprets acknowledgments in upload order and runs the
// remote extraction once every chunk has been accepted. It is not safe
// for concurrent use.
type Orchestrator struct {
	runner  Runner
	prefix  string
	logger  *slog.Logger
	state   State
	pending *ExtractAck
	seq     int
	out     Outcome
}

// New creates an orchestrator. runner may be nil, in which case extract
// acknowledgments are left to the remote side.
func New(runner Runner, remotePrefix string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, prefix: remotePrefix, logger: logger}
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Observe interprets the acknowledgment body of chunk seq.
func (o *Orchestrator) Observe(seq, total int, body []byte) Ack {
	a, err := ParseAck(body)
	if err != nil {
		o.logger.Warn("acknowledgment is not JSON", "seq", seq, "total", total, "body", truncate(string(body), 400))
	}
	if o.state == Failed || o.state == Completed {
		return a
	}

	switch a := a.(type) {
	case ExtractAck:
		if o.pending != nil {
			o.logger.Warn("extraction instruction superseded",
				"seq", o.seq, "package", o.pending.Package, "destination", o.pending.Destination, "by_seq", seq)
		}
		o.pending = &a
		o.seq = seq
		o.logger.Info("extraction requested", "seq", seq, "package", a.Package, "destination", a.Destination)
		if a.Message != "" {
			o.out.Messages = append(o.out.Messages, a.Message)
		}
	case MessageAck:
		o.state = Informational
		o.logger.Info("remote response", "seq", seq, "total", total, "message", a.Message)
		o.out.Messages = append(o.out.Messages, a.Message)
	case UnknownAck:
		if err == nil && a.Raw != "" {
			o.logger.Info("remote response", "seq", seq, "total", total, "body", truncate(a.Raw, 400))
		}
	}
	return a
}

// Pending returns the extraction instruction that Complete would act on.
func (o *Orchestrator) Pending() (ExtractAck, bool) {
	if o.pending == nil {
		return ExtractAck{}, false
	}
	return *o.pending, true
}

// Complete finishes the run after the last chunk was accepted.
func (o *Orchestrator) Complete(ctx context.Context) (*Outcome, error) {
	if o.state == Failed {
		return nil, errors.New("orchestrator already failed")
	}
	if o.pending == nil {
		o.state = Completed
		return &o.out, nil
	}

	pkg := RemotePath(o.prefix, o.pending.Package)
	dest := RemotePath(o.prefix, o.pending.Destination)
	o.out.Package, o.out.Destination = pkg, dest

	if o.runner == nil {
		o.logger.Info("no remote shell configured, extraction left to the remote plugin", "package", pkg, "destination", dest)
		o.state = Completed
		return &o.out, nil
	}

	if err := o.extract(ctx, pkg, dest); err != nil {
		return nil, err
	}
	o.state = Completed
	return &o.out, nil
}

func (o *Orchestrator) extract(ctx context.Context, pkg, dest string) error {
	o.state = Extracting
	cmd := ExtractCommand(pkg, dest)
	o.logger.Info("running remote extraction", "package", pkg, "destination", dest)

	res, err := o.runner.Run(ctx, cmd)
	if err != nil {
		o.Fail(err)
		return fmt.Errorf("remote extraction: %w", err)
	}
	o.out.Command = res
	if res.ExitCode != 0 {
		xerr := &ExtractionError{Command: cmd, ExitCode: res.ExitCode, Output: string(res.Output)}
		o.Fail(xerr)
		return xerr
	}
	o.out.Extracted = true
	o.logger.Info("remote extraction completed", "destination", dest, "duration", res.Duration)
	return nil
}

// Fail moves the orchestrator to Failed.
func (o *Orchestrator) Fail(err error) {
	if o.state != Failed {
		o.logger.Debug("orchestrator failed", "state", o.state.String(), "error", err)
	}
	o.state = Failed
}

// PlaceRequest describes an SSH mode delivery.
type PlaceRequest struct {
	Chunks      []chunk.Chunk
	StagingDir  string
	Package     string
	Destination string
	// OnPlaced is called after each chunk lands on the remote host.
	OnPlaced func(c chunk.Chunk, n int64)
}

// PlaceAndExtract copies the chunks into the staging directory in order,
// joins them into the package, extracts it and removes the staging files.
// The first failure stops the sequence.
func (o *Orchestrator) PlaceAndExtract(ctx context.Context, sess Session, req PlaceRequest) (*Outcome, error) {
	staging := RemotePath(o.prefix, req.StagingDir)
	pkg := RemotePath(o.prefix, req.Package)
	if req.Package == "" && len(req.Chunks) > 0 {
		pkg = path.Join(staging, strings.TrimSuffix(req.Chunks[0].Name, path.Ext(req.Chunks[0].Name)))
	}
	dest := RemotePath(o.prefix, req.Destination)

	parts := make([]string, 0, len(req.Chunks))
	for _, c := range req.Chunks {
		remotePath := path.Join(staging, c.Name)
		n, err := sess.Put(ctx, c.Path, remotePath)
		if err != nil {
			o.Fail(err)
			return nil, fmt.Errorf("placing chunk %d of %d: %w", c.Seq, c.Total, err)
		}
		parts = append(parts, remotePath)
		o.logger.Debug("chunk placed", "seq", c.Seq, "total", c.Total, "remote", remotePath)
		if req.OnPlaced != nil {
			req.OnPlaced(c, n)
		}
	}

	cmd := AssembleCommand(parts, pkg)
	res, err := sess.Run(ctx, cmd)
	if err != nil {
		o.Fail(err)
		return nil, fmt.Errorf("assembling package: %w", err)
	}
	if res.ExitCode != 0 {
		xerr := &ExtractionError{Command: cmd, ExitCode: res.ExitCode, Output: string(res.Output)}
		o.Fail(xerr)
		return nil, xerr
	}

	o.runner = sess
	o.pending = &ExtractAck{Package: pkg, Destination: dest}
	o.out.Package, o.out.Destination = pkg, dest
	if err := o.extract(ctx, pkg, dest); err != nil {
		return nil, err
	}

	cleanup := append(parts, pkg)
	if res, err := sess.Run(ctx, RemoveCommand(cleanup...)); err != nil || res.ExitCode != 0 {
		o.logger.Warn("removing remote staging files failed", "dir", staging, "error", err)
	}

	o.state = Completed
	return &o.out, nil
}
