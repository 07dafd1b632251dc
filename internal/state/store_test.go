package state

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

func testStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMergeReportsOnlyChangedAttributes(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR3-001", Family: model.FamilyLitterBoxV3})

	event := store.Merge("LR3-001", map[string]any{"power": "on", "cycleCount": 4.0}, model.SourcePoll, 0)
	if event == nil {
		t.Fatalf("expected initial merge to report changes")
	}
	if len(event.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(event.Changes))
	}

	event = store.Merge("LR3-001", map[string]any{"power": "on", "cycleCount": 5.0}, model.SourcePoll, 0)
	if event == nil {
		t.Fatalf("expected merge to report changes")
	}
	if len(event.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(event.Changes))
	}
	change := event.Changes[0]
	if change.Attribute != "cycleCount" {
		t.Fatalf("expected cycleCount change, got %s", change.Attribute)
	}
	if change.Old != 4.0 || change.New != 5.0 {
		t.Fatalf("expected 4 -> 5, got %v -> %v", change.Old, change.New)
	}
}

func TestMergeIdenticalPayloadIsSilent(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR4-001", Family: model.FamilyLitterBoxV4})

	payload := map[string]any{"power": "on", "nightLight": true}
	if event := store.Merge("LR4-001", payload, model.SourcePush, 10); event == nil {
		t.Fatalf("expected first merge to change state")
	}
	if event := store.Merge("LR4-001", payload, model.SourcePush, 20); event != nil {
		t.Fatalf("expected identical payload to produce no event, got %+v", event)
	}
}

func TestMergeHooksFireOnEveryAppliedMerge(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR4-005", Family: model.FamilyLitterBoxV4})

	var (
		mu      sync.Mutex
		applied []model.UpdateSource
	)
	store.NotifyMerges(func(serial string, source model.UpdateSource) {
		mu.Lock()
		defer mu.Unlock()
		if serial == "LR4-005" {
			applied = append(applied, source)
		}
	})

	payload := map[string]any{"power": "on"}
	store.Merge("LR4-005", payload, model.SourceCommandEcho, 0)
	// Identical payload: no change event, but the hook still observes it.
	if event := store.Merge("LR4-005", payload, model.SourcePoll, 0); event != nil {
		t.Fatalf("expected no change event, got %+v", event)
	}
	// A stale push is dropped and must not reach the hook.
	store.Merge("LR4-005", map[string]any{"power": "off"}, model.SourcePush, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 2 || applied[0] != model.SourceCommandEcho || applied[1] != model.SourcePoll {
		t.Fatalf("expected hook to see [command-echo poll], got %v", applied)
	}
}

func TestMergeRejectsStalePush(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR4-002", Family: model.FamilyLitterBoxV4})

	store.Merge("LR4-002", map[string]any{"power": "on"}, model.SourcePush, 200)
	if event := store.Merge("LR4-002", map[string]any{"power": "off"}, model.SourcePush, 100); event != nil {
		t.Fatalf("expected stale push to be dropped, got %+v", event)
	}

	current, ok := store.Get("LR4-002")
	if !ok {
		t.Fatalf("expected device state")
	}
	if current.Attributes["power"] != "on" {
		t.Fatalf("expected stale push to leave power on, got %v", current.Attributes["power"])
	}
}

func TestGetBeforeFirstMerge(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "F-001", Family: model.FamilyFeeder})

	current, ok := store.Get("F-001")
	if !ok {
		t.Fatalf("expected known device to be readable before first merge")
	}
	if len(current.Attributes) != 0 {
		t.Fatalf("expected empty attributes, got %v", current.Attributes)
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatalf("expected unknown serial to report not ok")
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR3-002", Family: model.FamilyLitterBoxV3})
	store.Merge("LR3-002", map[string]any{"power": "on"}, model.SourcePoll, 0)

	first, _ := store.Get("LR3-002")
	first.Attributes["power"] = "mutated"

	second, _ := store.Get("LR3-002")
	if second.Attributes["power"] != "on" {
		t.Fatalf("expected stored state to be isolated from caller mutation")
	}
}

func TestSubscriptionReceivesOrderedEvents(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR4-003", Family: model.FamilyLitterBoxV4})

	sub := store.Subscribe(8)
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		store.Merge("LR4-003", map[string]any{"cycleCount": float64(i)}, model.SourcePush, int64(i))
	}

	for i := 1; i <= 3; i++ {
		select {
		case event := <-sub.Events():
			if got := event.Changes[0].New; got != float64(i) {
				t.Fatalf("event %d: expected cycleCount %d, got %v", i, i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "LR4-004", Family: model.FamilyLitterBoxV4})

	sub := store.Subscribe(1)
	sub.Close()
	store.Merge("LR4-004", map[string]any{"power": "on"}, model.SourcePush, 1)

	if _, open := <-sub.Events(); open {
		t.Fatalf("expected events channel to be closed")
	}
}

func TestConcurrentMergesDistinctDevices(t *testing.T) {
	store := testStore()
	const devices = 8
	const merges = 50

	for i := 0; i < devices; i++ {
		store.UpsertDescriptor(model.Descriptor{
			Serial: fmt.Sprintf("LR4-%03d", i),
			Family: model.FamilyLitterBoxV4,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			for j := 1; j <= merges; j++ {
				store.Merge(serial, map[string]any{"cycleCount": float64(j)}, model.SourcePoll, 0)
			}
		}(fmt.Sprintf("LR4-%03d", i))
	}
	wg.Wait()

	for i := 0; i < devices; i++ {
		serial := fmt.Sprintf("LR4-%03d", i)
		current, ok := store.Get(serial)
		if !ok {
			t.Fatalf("expected state for %s", serial)
		}
		if current.Attributes["cycleCount"] != float64(merges) {
			t.Fatalf("%s: expected final cycleCount %d, got %v", serial, merges, current.Attributes["cycleCount"])
		}
	}
}

func TestDescriptorsSortedAndFiltered(t *testing.T) {
	store := testStore()
	store.UpsertDescriptor(model.Descriptor{Serial: "B-2", Family: model.FamilyFeeder})
	store.UpsertDescriptor(model.Descriptor{Serial: "A-1", Family: model.FamilyLitterBoxV4})

	all := store.Descriptors()
	if len(all) != 2 || all[0].Serial != "A-1" || all[1].Serial != "B-2" {
		t.Fatalf("expected sorted descriptors, got %+v", all)
	}

	feeders := store.DescriptorsByFamily(model.FamilyFeeder)
	if len(feeders) != 1 || feeders[0].Serial != "B-2" {
		t.Fatalf("expected one feeder descriptor, got %+v", feeders)
	}
}
