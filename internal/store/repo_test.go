package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return repo
}

func TestClaimAndReleaseDevice(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	u1 := &User{DisplayName: "one"}
	u2 := &User{DisplayName: "two"}
	if err := repo.CreateUser(ctx, u1); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := repo.CreateUser(ctx, u2); err != nil {
		t.Fatalf("create user: %v", err)
	}

	dev := &Device{DeviceKey: "DEV-CLAIM"}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create device: %v", err)
	}

	if err := repo.ClaimDevice(ctx, dev.ID, u1.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// A second claim must lose: the device is no longer unowned.
	if err := repo.ClaimDevice(ctx, dev.ID, u2.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("competing claim: %v", err)
	}

	// Release by the wrong owner is a not-found, not a transfer.
	if err := repo.ReleaseDevice(ctx, dev.ID, u2.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("release by non-owner: %v", err)
	}
	if err := repo.ReleaseDevice(ctx, dev.ID, u1.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := repo.GetDevice(ctx, dev.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.UserID != nil {
		t.Fatalf("released device still owned by %v", got.UserID)
	}
}

func TestSetRingingAndPresses(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	dev := &Device{DeviceKey: "DEV-RING"}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create device: %v", err)
	}

	if err := repo.SetRinging(ctx, dev.ID, true); err != nil {
		t.Fatalf("set ringing: %v", err)
	}
	view, err := repo.GetDeviceView(ctx, dev.ID)
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if !view.IsRinging {
		t.Fatal("ringing flag not persisted")
	}

	if err := repo.AddPress(ctx, dev.ID); err != nil {
		t.Fatalf("add press: %v", err)
	}
	if err := repo.AddPress(ctx, dev.ID); err != nil {
		t.Fatalf("add press: %v", err)
	}
	view, err = repo.GetDeviceView(ctx, dev.ID)
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if len(view.Presses) != 2 {
		t.Fatalf("press count = %d, want 2", len(view.Presses))
	}

	if err := repo.SetRinging(ctx, uuid.New(), true); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("set ringing on unknown id: %v", err)
	}
}

func TestListPressesRange(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	dev := &Device{DeviceKey: "DEV-RANGE"}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create device: %v", err)
	}
	if err := repo.AddPress(ctx, dev.ID); err != nil {
		t.Fatalf("add press: %v", err)
	}

	all, err := repo.ListPresses(ctx, dev.ID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list presses: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("press count = %d, want 1", len(all))
	}

	past, err := repo.ListPresses(ctx, dev.ID, time.Time{}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list presses: %v", err)
	}
	if len(past) != 0 {
		t.Fatalf("out-of-range press returned: %d", len(past))
	}
}

func TestPressWindowStart(t *testing.T) {
	now := time.Date(2026, time.September, 17, 10, 30, 0, 0, time.UTC)
	want := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if got := PressWindowStart(now); !got.Equal(want) {
		t.Fatalf("PressWindowStart = %v, want %v", got, want)
	}
}

func TestFindDeviceByKey(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	dev := &Device{DeviceKey: "DEV-FIND"}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("create device: %v", err)
	}

	got, err := repo.FindDeviceByKey(ctx, "DEV-FIND")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != dev.ID {
		t.Fatalf("find = %+v", got)
	}

	missing, err := repo.FindDeviceByKey(ctx, "DEV-NONE")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown key, got %+v", missing)
	}
}
