package state

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

// Store keeps the authoritative attribute map per device and detects changes
// by structural diff. Merges for different devices run in parallel; merges
// for the same device are serialized on the device entry lock.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceEntry
	subs    *subscriberSet
	hooks   []MergeHook
	logger  *slog.Logger
}

// MergeHook observes every applied merge, including ones whose diff came up
// empty and therefore emitted no change event. Dropped stale pushes are not
// reported. Hooks run on the merging goroutine and must not block.
type MergeHook func(serial string, source model.UpdateSource)

type deviceEntry struct {
	mu         sync.Mutex
	descriptor model.Descriptor
	attrs      map[string]any
	stamp      int64
	updatedAt  time.Time
	source     model.UpdateSource
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		devices: make(map[string]*deviceEntry),
		subs:    newSubscriberSet(logger),
		logger:  logger,
	}
}

// UpsertDescriptor registers a device. Descriptors are immutable after
// creation; repeated upserts for a known serial are ignored.
func (s *Store) UpsertDescriptor(d model.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.Serial]; ok {
		return
	}
	s.devices[d.Serial] = &deviceEntry{descriptor: d, attrs: make(map[string]any)}
}

// Descriptor returns the registered descriptor for serial.
func (s *Store) Descriptor(serial string) (model.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.devices[serial]
	if !ok {
		return model.Descriptor{}, false
	}
	return entry.descriptor, true
}

// Descriptors returns every registered descriptor sorted by serial.
func (s *Store) Descriptors() []model.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Descriptor, 0, len(s.devices))
	for _, entry := range s.devices {
		out = append(out, entry.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// DescriptorsByFamily returns registered descriptors of one family.
func (s *Store) DescriptorsByFamily(family model.DeviceFamily) []model.Descriptor {
	all := s.Descriptors()
	out := all[:0]
	for _, d := range all {
		if d.Family == family {
			out = append(out, d)
		}
	}
	return out
}

// Get returns a copy of the current state for serial. Readers always see a
// fully merged snapshot.
func (s *Store) Get(serial string) (model.DeviceState, bool) {
	s.mu.RLock()
	entry, ok := s.devices[serial]
	s.mu.RUnlock()
	if !ok {
		return model.DeviceState{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshotLocked(entry), true
}

// Merge applies incoming attributes per key, emitting one change event when
// anything differed. Keys absent from the incoming map are left untouched.
//
// Push merges carry the sender's sequence or timestamp normalized to stamp;
// a push older than the stored stamp is dropped without touching state. Poll
// and command-echo merges are always applied and move the stored stamp
// forward so later stale pushes are still rejected.
func (s *Store) Merge(serial string, incoming map[string]any, source model.UpdateSource, stamp int64) *model.ChangeEvent {
	s.mu.Lock()
	entry, ok := s.devices[serial]
	if !ok {
		entry = &deviceEntry{descriptor: model.Descriptor{Serial: serial}, attrs: make(map[string]any)}
		s.devices[serial] = entry
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	if stamp == 0 {
		stamp = now.UnixNano()
	}

	entry.mu.Lock()
	if source == model.SourcePush && stamp < entry.stamp {
		stored := entry.stamp
		entry.mu.Unlock()
		s.logger.Debug("dropped stale push", "serial", serial, "stamp", stamp, "stored", stored)
		return nil
	}

	var changes []model.Change
	for key, value := range incoming {
		old, had := entry.attrs[key]
		if had && reflect.DeepEqual(old, value) {
			continue
		}
		changes = append(changes, model.Change{Attribute: key, Old: old, New: value})
		entry.attrs[key] = value
	}
	entry.stamp = stamp
	entry.updatedAt = now
	entry.source = source
	entry.mu.Unlock()

	defer s.notifyMerged(serial, source)

	if len(changes) == 0 {
		return nil
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Attribute < changes[j].Attribute })
	event := &model.ChangeEvent{Serial: serial, Changes: changes, Source: source, Timestamp: now}
	s.subs.broadcast(*event)
	return event
}

// NotifyMerges registers a hook for applied merges. A merge that confirms
// attributes already at their target values emits no change event, so
// observers that care about every applied update hook in here instead of
// Subscribe.
func (s *Store) NotifyMerges(hook MergeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Store) notifyMerged(serial string, source model.UpdateSource) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(serial, source)
	}
}

// Subscribe returns an ordered stream of change events. Close releases it.
func (s *Store) Subscribe(buffer int) *Subscription {
	return s.subs.add(buffer)
}

func snapshotLocked(entry *deviceEntry) model.DeviceState {
	attrs := make(map[string]any, len(entry.attrs))
	for key, value := range entry.attrs {
		attrs[key] = value
	}
	return model.DeviceState{
		Serial:     entry.descriptor.Serial,
		Attributes: attrs,
		UpdatedAt:  entry.updatedAt,
		Source:     entry.source,
	}
}
