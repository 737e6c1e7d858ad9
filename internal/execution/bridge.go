// Package execution sequences remote code runs for a room: one run at a
// time client-wide, gated on environment readiness, with a single automatic
// environment start when the service reports no environment.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/metrics"
	"github.com/agentworkforce/relaynote/internal/runlog"
)

// CellDelimiter opens each block's section in a whole-notebook program.
const CellDelimiter = "# %%"

const (
	defaultStartTimeout = 60 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

var ErrEmptyNotebook = errors.New("notebook has no blocks to run")

var tracer = otel.Tracer("relaynote.execution")

type Logger interface {
	Printf(format string, args ...any)
}

// BlockSource is the slice of the block store the bridge reads content from
// and writes run state to. *blockstore.Store satisfies it.
type BlockSource interface {
	Block(id string) (blockstore.Block, bool)
	Ordered() []blockstore.Block
	SetRunState(id string, running bool, output, errText string) bool
}

type Options struct {
	Room    string
	Service Service
	Blocks  BlockSource
	RunLog  *runlog.Log
	Metrics *metrics.Collectors
	Logger  Logger
	// AutoStart starts the environment when a run is requested before the
	// environment is known to be ready.
	AutoStart    bool
	StartTimeout time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	NewID        func() string
}

type Bridge struct {
	room         string
	service      Service
	blocks       BlockSource
	runs         *runlog.Log
	metrics      *metrics.Collectors
	logger       Logger
	autoStart    bool
	startTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string

	starts singleflight.Group

	mu        sync.Mutex
	running   bool
	runSeq    uint64
	current   string
	cancelled bool
	stopped   bool
	status    Status
	ready     bool
}

func NewBridge(opts Options) *Bridge {
	b := &Bridge{
		room:         strings.TrimSpace(opts.Room),
		service:      opts.Service,
		blocks:       opts.Blocks,
		runs:         opts.RunLog,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		autoStart:    opts.AutoStart,
		startTimeout: opts.StartTimeout,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		newID:        opts.NewID,
	}
	if b.startTimeout <= 0 {
		b.startTimeout = defaultStartTimeout
	}
	if b.pollInterval <= 0 {
		b.pollInterval = defaultPollInterval
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if b.runs == nil {
		b.runs = runlog.NewLog(uuid.NewString(), nil, opts.Logger)
	}
	return b
}

func (b *Bridge) Room() string {
	return b.room
}

func (b *Bridge) RunLog() *runlog.Log {
	return b.runs
}

func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Status is the last environment status seen.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// RefreshStatus asks the execution service for the environment status and
// updates the readiness bookkeeping. On error the previous status is kept.
func (b *Bridge) RefreshStatus(ctx context.Context) (Status, error) {
	status, err := b.service.Status(ctx, b.room)
	if err != nil {
		return Status{}, err
	}
	b.setStatus(status)
	return status, nil
}

// StartEnvironment starts the room's environment and waits until it reports
// ready. Concurrent callers share one start request.
func (b *Bridge) StartEnvironment(ctx context.Context) error {
	_, err, _ := b.starts.Do(b.room, func() (any, error) {
		return nil, b.start(ctx)
	})
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	b.metrics.ObserveEnvironmentStart()
	b.logf("starting environment for room %s", b.room)
	if err := b.service.Start(ctx, b.room); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.startTimeout)
	defer cancel()
	for {
		status, err := b.RefreshStatus(ctx)
		if err != nil {
			return err
		}
		if status.Ready() {
			return nil
		}
		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &EnvironmentNotReadyError{
				Room:   b.room,
				Reason: fmt.Sprintf("venv %q, container %q after start", status.Venv, status.Container),
			}
		case <-timer.C:
		}
	}
}

// Stop asks the service to stop the environment. Locally the run slot is
// released and the environment is marked not alive whether or not the
// request succeeds.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	current := ""
	if b.running {
		b.stopped = true
		current = b.current
	}
	b.running = false
	b.ready = false
	b.status = Status{}
	b.mu.Unlock()
	if current != "" {
		b.blocks.SetRunState(current, false, "", "")
	}
	return b.service.Stop(ctx, b.room)
}

// Cancel discards the pending output of an in-flight run of blockID, used
// when the block is deleted remotely. It reports whether a run was
// cancelled.
func (b *Bridge) Cancel(blockID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.current == "" || b.current != blockID {
		return false
	}
	b.cancelled = true
	return true
}

// RunSingle runs one block's content as read from the block store at call
// time.
func (b *Bridge) RunSingle(ctx context.Context, blockID string) (runlog.Entry, error) {
	seq, err := b.acquire(blockID)
	if err != nil {
		return runlog.Entry{}, err
	}
	defer b.release(seq)

	block, ok := b.blocks.Block(blockID)
	if !ok {
		return runlog.Entry{}, fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
	}
	if err := b.ensureReady(ctx); err != nil {
		return runlog.Entry{}, err
	}
	b.blocks.SetRunState(blockID, true, "", "")
	return b.run(ctx, seq, blockID, block.Content)
}

// RunAll runs every block in position order as one program. The single
// output is attributed to the invocation, not to individual blocks.
func (b *Bridge) RunAll(ctx context.Context) (runlog.Entry, error) {
	seq, err := b.acquire("")
	if err != nil {
		return runlog.Entry{}, err
	}
	defer b.release(seq)

	blocks := b.blocks.Ordered()
	if len(blocks) == 0 {
		return runlog.Entry{}, ErrEmptyNotebook
	}
	if err := b.ensureReady(ctx); err != nil {
		return runlog.Entry{}, err
	}
	return b.run(ctx, seq, "", Program(blocks))
}

// Program concatenates blocks in the given order, each opened by a
// delimiter line naming its id and language.
func Program(blocks []blockstore.Block) string {
	var sb strings.Builder
	for i, block := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s [%s] %s\n", CellDelimiter, block.ID, block.Language)
		sb.WriteString(block.Content)
		if !strings.HasSuffix(block.Content, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (b *Bridge) run(ctx context.Context, seq uint64, blockID, code string) (runlog.Entry, error) {
	entry := runlog.Entry{
		ID:        b.newID(),
		BlockID:   blockID,
		Command:   code,
		Status:    runlog.StatusRunning,
		Timestamp: b.now(),
	}
	ctx, span := tracer.Start(ctx, "execution.Run",
		trace.WithAttributes(
			attribute.String("relaynote.room", b.room),
			attribute.String("relaynote.block_id", blockID),
			attribute.String("relaynote.run_id", entry.ID),
		),
	)
	defer span.End()

	result, err := b.execWithRetry(ctx, code)
	entry.Duration = b.now().Sub(entry.Timestamp)
	entry.Output = result.Output

	var runErr error
	switch {
	case err != nil:
		entry.Status = runlog.StatusFailed
		entry.Error = err.Error()
		if errors.Is(err, ErrEnvironmentNotReady) {
			runErr = err
		} else {
			runErr = &ExecutionError{RunID: entry.ID, BlockID: blockID, Err: err}
		}
	case result.Error != "":
		entry.Status = runlog.StatusFailed
		entry.Error = result.Error
		runErr = &ExecutionError{RunID: entry.ID, BlockID: blockID, Output: result.Output, Err: errors.New(result.Error)}
	default:
		entry.Status = runlog.StatusSucceeded
	}

	b.mu.Lock()
	sameRun := b.runSeq == seq
	cancelled := sameRun && b.cancelled
	stopped := !sameRun || b.stopped
	b.mu.Unlock()
	switch {
	case cancelled:
		entry.Status = runlog.StatusCancelled
		runErr = nil
	case stopped:
		entry.Status = runlog.StatusStopped
	case blockID != "":
		b.blocks.SetRunState(blockID, false, entry.Output, entry.Error)
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("relaynote.run_status", entry.Status))
	b.metrics.ObserveRun(entry.Status, entry.Duration)
	b.runs.Append(ctx, entry)
	return entry, runErr
}

// execWithRetry retries exactly once, and only after the service reported a
// missing environment and a start succeeded.
func (b *Bridge) execWithRetry(ctx context.Context, code string) (Result, error) {
	result, err := b.service.Exec(ctx, b.room, code)
	if err == nil || !errors.Is(err, ErrEnvironmentNotReady) {
		return result, err
	}
	b.markNotReady()
	if startErr := b.StartEnvironment(ctx); startErr != nil {
		return Result{}, startErr
	}
	return b.service.Exec(ctx, b.room, code)
}

func (b *Bridge) ensureReady(ctx context.Context) error {
	if b.IsReady() {
		return nil
	}
	status, err := b.RefreshStatus(ctx)
	if err != nil {
		return err
	}
	if status.Ready() {
		return nil
	}
	if b.autoStart {
		return b.StartEnvironment(ctx)
	}
	return &EnvironmentNotReadyError{
		Room:   b.room,
		Reason: fmt.Sprintf("venv %q, container %q", status.Venv, status.Container),
	}
}

func (b *Bridge) acquire(blockID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return 0, ErrExecutionBusy
	}
	b.running = true
	b.runSeq++
	b.current = blockID
	b.cancelled = false
	b.stopped = false
	return b.runSeq, nil
}

func (b *Bridge) release(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runSeq != seq {
		return
	}
	b.running = false
	b.current = ""
}

func (b *Bridge) setStatus(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.ready = status.Ready()
}

func (b *Bridge) markNotReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
}

func (b *Bridge) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
