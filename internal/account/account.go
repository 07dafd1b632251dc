package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/backend"
	"github.com/whiskerlink/whisker-bridge/internal/command"
	"github.com/whiskerlink/whisker-bridge/internal/credentials"
	"github.com/whiskerlink/whisker-bridge/internal/model"
	"github.com/whiskerlink/whisker-bridge/internal/realtime"
	"github.com/whiskerlink/whisker-bridge/internal/session"
	"github.com/whiskerlink/whisker-bridge/internal/state"
)

// Config carries every backend endpoint the account talks to.
type Config struct {
	IdentityURL      string
	RESTBaseURL      string
	RESTAPIKey       string
	LR4GraphQLURL    string
	FeederGraphQLURL string
	// Realtime endpoints per GraphQL family; empty disables the channel.
	LR4RealtimeURL    string
	FeederRealtimeURL string

	ConfirmTimeout time.Duration
}

// Account is the public session surface: one authenticated cloud session,
// the unified device state view and the command path.
type Account struct {
	cfg    Config
	logger *slog.Logger

	creds    *credentials.Store
	session  *session.Manager
	backend  *backend.Dispatcher
	store    *state.Store
	commands *command.Dispatcher
	channels []*realtime.Manager

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New assembles an account from config. Nothing touches the network until
// Connect.
func New(cfg Config, logger *slog.Logger) *Account {
	creds := credentials.NewStore()
	sess := session.NewManager(session.Config{BaseURL: cfg.IdentityURL}, creds, logger.With("component", "session"))
	store := state.NewStore(logger.With("component", "state"))

	dispatcher := backend.NewDispatcher(sess, logger.With("component", "backend"))
	dispatcher.Register(model.FamilyLitterBoxV3, backend.NewRESTAdapter(cfg.RESTBaseURL, cfg.RESTAPIKey))
	dispatcher.Register(model.FamilyLitterBoxV4, backend.NewGraphQLAdapter(cfg.LR4GraphQLURL, model.FamilyLitterBoxV4))
	dispatcher.Register(model.FamilyFeeder, backend.NewGraphQLAdapter(cfg.FeederGraphQLURL, model.FamilyFeeder))

	a := &Account{
		cfg:     cfg,
		logger:  logger,
		creds:   creds,
		session: sess,
		backend: dispatcher,
		store:   store,
	}
	a.commands = command.NewDispatcher(dispatcher, store, creds.AccountID, logger)
	if cfg.ConfirmTimeout > 0 {
		a.commands.WithConfirmTimeout(cfg.ConfirmTimeout)
	}

	if cfg.LR4RealtimeURL != "" {
		a.channels = append(a.channels, realtime.NewManager(
			realtime.Config{URL: cfg.LR4RealtimeURL, Family: model.FamilyLitterBoxV4}, sess, store, logger))
	}
	if cfg.FeederRealtimeURL != "" {
		a.channels = append(a.channels, realtime.NewManager(
			realtime.Config{URL: cfg.FeederRealtimeURL, Family: model.FamilyFeeder}, sess, store, logger))
	}
	return a
}

// Credentials exposes the token store, e.g. to persist refreshed tokens.
func (a *Account) Credentials() *credentials.Store {
	return a.creds
}

// Store exposes the device state store for read access.
func (a *Account) Store() *state.Store {
	return a.store
}

// Connect authenticates, loads the device set and starts the realtime
// channels and the command confirmation watcher.
//
// With cached tokens present, username/password may be empty: a silent
// refresh is attempted first and a session-expired failure is surfaced
// rather than silently re-prompting.
func (a *Account) Connect(ctx context.Context, username, password string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if !a.creds.ValidFor(0) {
		if a.creds.HasRefreshToken() {
			if _, err := a.session.ForceRefresh(ctx); err != nil {
				return err
			}
		} else {
			if username == "" || password == "" {
				return &session.AuthError{Kind: session.KindSessionExpired, Err: errors.New("username and password required")}
			}
			if err := a.session.Login(ctx, username, password); err != nil {
				return err
			}
		}
	}

	if err := a.RefreshDevices(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	a.commands.Start(runCtx)
	for _, ch := range a.channels {
		ch.Start(runCtx)
	}
	a.logger.Info("account connected", "devices", len(a.store.Descriptors()))
	return nil
}

// RefreshDevices polls every family for its device snapshots and merges them
// with source=poll. A family that fails leaves the others intact; the error
// is returned only when every family failed.
func (a *Account) RefreshDevices(ctx context.Context) error {
	var (
		failures []string
		loaded   int
	)
	for _, family := range model.Families() {
		resp, err := a.backend.Send(ctx, backend.RequestSpec{
			Op:        backend.OpListDevices,
			Family:    family,
			AccountID: a.creds.AccountID(),
		})
		if err != nil {
			var apiErr *backend.APIError
			if errors.As(err, &apiErr) && apiErr.Kind == backend.KindPartialData && resp != nil {
				a.logger.Warn("partial device list", "family", string(family), "detail", apiErr.Detail)
			} else {
				a.logger.Error("device list failed", "family", string(family), "err", err)
				failures = append(failures, fmt.Sprintf("%s: %v", family, err))
				continue
			}
		}
		for _, device := range resp.Devices {
			a.store.UpsertDescriptor(device.Descriptor())
			a.store.Merge(device.Serial, device.Attributes, model.SourcePoll, 0)
			loaded++
		}
	}
	if loaded == 0 && len(failures) == len(model.Families()) {
		return fmt.Errorf("device refresh failed for every family: %s", strings.Join(failures, "; "))
	}
	return nil
}

// ListDevices returns the known device descriptors.
func (a *Account) ListDevices() []model.Descriptor {
	return a.store.Descriptors()
}

// GetState returns the current merged state for one device.
func (a *Account) GetState(serial string) (model.DeviceState, error) {
	current, ok := a.store.Get(serial)
	if !ok {
		return model.DeviceState{}, fmt.Errorf("%w: %s", model.ErrUnknownDevice, serial)
	}
	return current, nil
}

// GetActivity fetches recent activity history for one device from its
// backend. limit caps the number of entries; zero means the backend default.
func (a *Account) GetActivity(ctx context.Context, serial string, limit int) (map[string]any, error) {
	desc, ok := a.store.Descriptor(serial)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownDevice, serial)
	}
	params := map[string]any{}
	if limit > 0 {
		params["limit"] = limit
	}
	resp, err := a.backend.Send(ctx, backend.RequestSpec{
		Op:        backend.OpGetActivity,
		Family:    desc.Family,
		AccountID: a.creds.AccountID(),
		Device:    desc,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Subscribe returns a cancelable ordered stream of change events.
func (a *Account) Subscribe(buffer int) *state.Subscription {
	return a.store.Subscribe(buffer)
}

// SendCommand submits a device command; see command.Dispatcher.Submit.
func (a *Account) SendCommand(ctx context.Context, serial, kind string, params map[string]any) (*command.Handle, error) {
	return a.commands.Submit(ctx, serial, kind, params)
}

// AwaitConfirmation blocks until the command resolves or ctx is canceled.
func (a *Account) AwaitConfirmation(ctx context.Context, handle *command.Handle) (command.Status, error) {
	return a.commands.Await(ctx, handle)
}

// Disconnect stops channels and watchers and drops the session.
func (a *Account) Disconnect() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasConnected := a.connected
	a.connected = false
	a.mu.Unlock()

	if !wasConnected {
		return
	}
	for _, ch := range a.channels {
		ch.Close()
	}
	a.commands.Close()
	if cancel != nil {
		cancel()
	}
	a.logger.Info("account disconnected")
}
