package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jmrl23/capstone-backend/internal/cache"
	"github.com/jmrl23/capstone-backend/internal/directory"
	"github.com/jmrl23/capstone-backend/internal/mqtt"
	"github.com/jmrl23/capstone-backend/internal/store"
	"github.com/jmrl23/capstone-backend/internal/topic"
)

type publication struct {
	topic   string
	payload string
}

type fakeBroker struct {
	mu        sync.Mutex
	published []publication
}

func (b *fakeBroker) Subscribe(string, mqtt.Handler) error { return nil }
func (b *fakeBroker) Unsubscribe(string) error             { return nil }

func (b *fakeBroker) Publish(t string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publication{topic: t, payload: string(payload)})
	return nil
}

func (b *fakeBroker) publications() []publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publication(nil), b.published...)
}

type fanoutCall struct {
	raw     string
	channel topic.Channel
	key     string
	payload string
}

type fakeFanout struct {
	mu    sync.Mutex
	calls []fanoutCall
}

func (f *fakeFanout) BroadcastDevice(_ context.Context, raw string, ch topic.Channel, key string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fanoutCall{raw: raw, channel: ch, key: key, payload: string(payload)})
}

func newTestEngine(t *testing.T) (*Engine, *fakeBroker, *fakeFanout, *directory.Devices, *store.Repo) {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	devices := directory.NewDevices(repo, cache.NewMemory(time.Minute))
	broker := &fakeBroker{}
	fanout := &fakeFanout{}
	return New(broker, devices, fanout), broker, fanout, devices, repo
}

func registerDevice(t *testing.T, repo *store.Repo, key string) *store.Device {
	t.Helper()
	ctx := context.Background()
	user := &store.User{DisplayName: "owner"}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	dev := &store.Device{DeviceKey: key, UserID: &user.ID}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return dev
}

func TestUnknownDeviceKeyIsNoOp(t *testing.T) {
	ctx := context.Background()
	engine, broker, fanout, _, repo := newTestEngine(t)

	for _, raw := range []string{
		"sync-request:DEV-NONE",
		"press:DEV-NONE",
		"ring-command:DEV-NONE",
		"sync-broadcast:DEV-NONE",
	} {
		engine.HandleMessage(ctx, raw, []byte("ON"))
	}

	if pubs := broker.publications(); len(pubs) != 0 {
		t.Fatalf("publishes for unknown key: %+v", pubs)
	}
	if len(fanout.calls) != 0 {
		t.Fatalf("fanout for unknown key: %+v", fanout.calls)
	}
	presses, err := repo.ListPresses(ctx, uuid.New(), time.Time{}, time.Time{})
	if err != nil || len(presses) != 0 {
		t.Fatalf("unexpected press rows: (%v, %v)", presses, err)
	}
}

func TestSyncRequestEmitsStateAndBroadcast(t *testing.T) {
	ctx := context.Background()
	engine, broker, _, _, repo := newTestEngine(t)
	registerDevice(t, repo, "DEV-1")

	engine.HandleMessage(ctx, "sync-request:DEV-1", nil)

	pubs := broker.publications()
	if len(pubs) != 2 {
		t.Fatalf("publication count = %d, want 2: %+v", len(pubs), pubs)
	}
	if pubs[0].topic != "sync-internal:DEV-1" || pubs[0].payload != "0" {
		t.Fatalf("internal sync publication = %+v", pubs[0])
	}
	if pubs[1].topic != "sync-broadcast:DEV-1" || pubs[1].payload != "" {
		t.Fatalf("broadcast publication = %+v", pubs[1])
	}
}

func TestSyncRequestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, broker, _, _, repo := newTestEngine(t)
	registerDevice(t, repo, "DEV-1")

	engine.HandleMessage(ctx, "sync-request:DEV-1", nil)
	engine.HandleMessage(ctx, "sync-request:DEV-1", nil)

	pubs := broker.publications()
	if len(pubs) != 4 {
		t.Fatalf("publication count = %d, want 4", len(pubs))
	}
	if pubs[0] != pubs[2] || pubs[1] != pubs[3] {
		t.Fatalf("repeated sync-request diverged: %+v", pubs)
	}
}

func TestSyncRequestReflectsRingingState(t *testing.T) {
	ctx := context.Background()
	engine, broker, _, devices, repo := newTestEngine(t)
	dev := registerDevice(t, repo, "DEV-1")

	if _, err := devices.SetRinging(ctx, dev.ID, true); err != nil {
		t.Fatalf("set ringing: %v", err)
	}
	engine.HandleMessage(ctx, "sync-request:DEV-1", nil)

	pubs := broker.publications()
	if len(pubs) == 0 || pubs[0].payload != "1" {
		t.Fatalf("ringing state not reflected: %+v", pubs)
	}
}

func TestPressAppendsAndTriggersSync(t *testing.T) {
	ctx := context.Background()
	engine, broker, _, devices, repo := newTestEngine(t)
	dev := registerDevice(t, repo, "DEV-1")

	engine.HandleMessage(ctx, "press:DEV-1", nil)

	view, err := devices.GetByID(ctx, dev.ID, false)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if len(view.Presses) != 1 {
		t.Fatalf("press count = %d, want 1", len(view.Presses))
	}
	pubs := broker.publications()
	if len(pubs) != 1 || pubs[0].topic != "sync-request:DEV-1" || pubs[0].payload != "" {
		t.Fatalf("press emission = %+v", pubs)
	}
}

func TestRingCommandPayloadValidation(t *testing.T) {
	ctx := context.Background()
	engine, broker, _, devices, repo := newTestEngine(t)
	dev := registerDevice(t, repo, "DEV-1")

	// Only the exact payloads act.
	for _, bad := range []string{"on", "off", "1", "0", "", "True"} {
		engine.HandleMessage(ctx, "ring-command:DEV-1", []byte(bad))
	}
	if pubs := broker.publications(); len(pubs) != 0 {
		t.Fatalf("malformed ring payloads emitted: %+v", pubs)
	}
	view, err := devices.GetByID(ctx, dev.ID, false)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if view.IsRinging {
		t.Fatal("malformed ring payload mutated state")
	}

	engine.HandleMessage(ctx, "ring-command:DEV-1", []byte("ON"))
	view, err = devices.GetByID(ctx, dev.ID, false)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if !view.IsRinging {
		t.Fatal("ring ON not applied")
	}
	pubs := broker.publications()
	if len(pubs) != 1 || pubs[0].topic != "sync-request:DEV-1" {
		t.Fatalf("ring emission = %+v", pubs)
	}

	engine.HandleMessage(ctx, "ring-command:DEV-1", []byte("OFF"))
	view, err = devices.GetByID(ctx, dev.ID, false)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if view.IsRinging {
		t.Fatal("ring OFF not applied")
	}
}

func TestBroadcastChannelTriggersFanout(t *testing.T) {
	ctx := context.Background()
	engine, broker, fanout, _, repo := newTestEngine(t)
	registerDevice(t, repo, "DEV-1")

	engine.HandleMessage(ctx, "sync-broadcast:DEV-1", []byte("hello"))

	if pubs := broker.publications(); len(pubs) != 0 {
		t.Fatalf("broadcast arrival must not republish: %+v", pubs)
	}
	if len(fanout.calls) != 1 {
		t.Fatalf("fanout calls = %d, want 1", len(fanout.calls))
	}
	call := fanout.calls[0]
	if call.raw != "sync-broadcast:DEV-1" || call.channel != topic.SyncBroadcast || call.key != "DEV-1" || call.payload != "hello" {
		t.Fatalf("fanout call = %+v", call)
	}
}

func TestUnknownChannelIsNoOp(t *testing.T) {
	ctx := context.Background()
	engine, broker, fanout, _, repo := newTestEngine(t)
	registerDevice(t, repo, "DEV-1")

	engine.HandleMessage(ctx, "firmware-debug:DEV-1", []byte("x"))
	engine.HandleMessage(ctx, "sync-internal:DEV-1", []byte("1"))

	if pubs := broker.publications(); len(pubs) != 0 {
		t.Fatalf("unexpected publications: %+v", pubs)
	}
	if len(fanout.calls) != 0 {
		t.Fatalf("unexpected fanout: %+v", fanout.calls)
	}
}
