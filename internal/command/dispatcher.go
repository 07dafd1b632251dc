package command

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whiskerlink/whisker-bridge/internal/backend"
	"github.com/whiskerlink/whisker-bridge/internal/model"
	"github.com/whiskerlink/whisker-bridge/internal/state"
)

const defaultConfirmTimeout = 60 * time.Second

// Status is the lifecycle state of one submitted command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusTimedOut  Status = "timed-out"
	StatusFailed    Status = "failed"
)

// SubmissionError wraps a backend failure during command submission. The
// prior confirmed state stays untouched in that case.
type SubmissionError struct {
	Serial string
	Kind   string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return "command submission failed"
	}
	return fmt.Sprintf("command %q for %s failed: %v", e.Kind, e.Serial, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Handle tracks one submitted command until it reaches a terminal status.
type Handle struct {
	ID     string
	Serial string
	Kind   string

	mu       sync.Mutex
	status   Status
	done     chan struct{}
	deadline time.Time
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) resolve(status Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusPending {
		return false
	}
	h.status = status
	close(h.done)
	return true
}

// Sender issues encoded commands; satisfied by backend.Dispatcher.
type Sender interface {
	Send(ctx context.Context, spec backend.RequestSpec) (*backend.Response, error)
}

// Dispatcher submits device commands, applies the optimistic command-echo
// merge and confirms commands observationally against later poll or push
// merges.
type Dispatcher struct {
	sender    Sender
	store     *state.Store
	accountID func() string
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string][]*pendingCommand
	watchCtx context.Context
	hooked   bool
	closed   bool
}

type pendingCommand struct {
	handle *Handle
	deltas map[string]any
	timer  *time.Timer
}

func NewDispatcher(sender Sender, store *state.Store, accountID func() string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:    sender,
		store:     store,
		accountID: accountID,
		timeout:   defaultConfirmTimeout,
		logger:    logger.With("component", "command"),
		pending:   make(map[string][]*pendingCommand),
	}
}

// WithConfirmTimeout overrides the confirmation deadline for new commands.
func (d *Dispatcher) WithConfirmTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Start attaches the confirmation watcher to the store's merge feed. The
// store notifies on every applied merge, not only on ones that produced a
// diff: a poll or push that reports exactly the optimistically echoed values
// is a confirmation even though it changes nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.watchCtx = ctx
	d.closed = false
	register := !d.hooked
	d.hooked = true
	d.mu.Unlock()
	if register {
		d.store.NotifyMerges(d.observeMerge)
	}
}

// Close stops confirming pending commands. Their deadline timers still fire,
// so in-flight Await calls resolve as timed-out instead of hanging.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// observeMerge runs on every applied merge. The optimistic echo itself never
// confirms a command.
func (d *Dispatcher) observeMerge(serial string, source model.UpdateSource) {
	if source == model.SourceCommandEcho {
		return
	}
	d.mu.Lock()
	running := !d.closed && d.watchCtx != nil && d.watchCtx.Err() == nil
	d.mu.Unlock()
	if !running {
		return
	}
	d.confirmFromState(serial)
}

// Submit sends one command and registers it for confirmation. On success the
// desired deltas are merged immediately as command-echo so readers see the
// intended state before the device confirms.
func (d *Dispatcher) Submit(ctx context.Context, serial, kind string, deltas map[string]any) (*Handle, error) {
	descriptor, ok := d.store.Descriptor(serial)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownDevice, serial)
	}

	spec := backend.RequestSpec{
		Op:        backend.OpSendCommand,
		Family:    descriptor.Family,
		AccountID: d.accountID(),
		Device:    descriptor,
		Command:   kind,
		Params:    deltas,
	}
	if _, err := d.sender.Send(ctx, spec); err != nil {
		return nil, &SubmissionError{Serial: serial, Kind: kind, Err: err}
	}

	if len(deltas) > 0 {
		d.store.Merge(serial, deltas, model.SourceCommandEcho, 0)
	}

	handle := &Handle{
		ID:       uuid.NewString(),
		Serial:   serial,
		Kind:     kind,
		status:   StatusPending,
		done:     make(chan struct{}),
		deadline: time.Now().Add(d.timeout),
	}
	pending := &pendingCommand{handle: handle, deltas: copyDeltas(deltas)}
	pending.timer = time.AfterFunc(d.timeout, func() {
		if handle.resolve(StatusTimedOut) {
			d.logger.Warn("command confirmation deadline elapsed", "serial", serial, "command", kind)
			d.remove(handle)
		}
	})

	d.mu.Lock()
	d.pending[serial] = append(d.pending[serial], pending)
	d.mu.Unlock()

	d.logger.Info("command submitted", "serial", serial, "command", kind, "id", handle.ID)
	return handle, nil
}

// Await blocks until the command reaches a terminal status or ctx is
// canceled. Cancellation stops the wait only; the command itself keeps
// running toward confirmation or timeout.
func (d *Dispatcher) Await(ctx context.Context, handle *Handle) (Status, error) {
	select {
	case <-handle.done:
		return handle.Status(), nil
	case <-ctx.Done():
		return handle.Status(), ctx.Err()
	}
}

func (d *Dispatcher) confirmFromState(serial string) {
	current, ok := d.store.Get(serial)
	if !ok {
		return
	}

	d.mu.Lock()
	candidates := append([]*pendingCommand(nil), d.pending[serial]...)
	d.mu.Unlock()

	for _, pending := range candidates {
		if !deltasSatisfied(current.Attributes, pending.deltas) {
			continue
		}
		if pending.handle.resolve(StatusConfirmed) {
			pending.timer.Stop()
			d.logger.Info("command confirmed", "serial", serial, "command", pending.handle.Kind)
			d.remove(pending.handle)
		}
	}
}

func (d *Dispatcher) remove(handle *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.pending[handle.Serial][:0]
	for _, pending := range d.pending[handle.Serial] {
		if pending.handle != handle {
			kept = append(kept, pending)
		}
	}
	if len(kept) == 0 {
		delete(d.pending, handle.Serial)
	} else {
		d.pending[handle.Serial] = kept
	}
}

func deltasSatisfied(attrs, deltas map[string]any) bool {
	if len(deltas) == 0 {
		return true
	}
	for key, want := range deltas {
		got, ok := attrs[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func copyDeltas(deltas map[string]any) map[string]any {
	out := make(map[string]any, len(deltas))
	for key, value := range deltas {
		out[key] = value
	}
	return out
}
