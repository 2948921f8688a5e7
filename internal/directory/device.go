package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jmrl23/capstone-backend/internal/cache"
	"github.com/jmrl23/capstone-backend/internal/store"
	"github.com/jmrl23/capstone-backend/internal/topic"
)

var (
	ErrNotFound   = errors.New("device not found")
	ErrConflict   = errors.New("device already registered to a different user")
	ErrInvalidKey = errors.New("invalid device key")
)

// Devices fronts the device tables with cache-aside reads. Reads populate
// the cache on miss; mutations write storage synchronously and then delete
// the affected entries so the next read is fresh.
type Devices struct {
	repo  *store.Repo
	cache cache.Cache
}

func NewDevices(repo *store.Repo, c cache.Cache) *Devices {
	return &Devices{repo: repo, cache: c}
}

func deviceIDKey(id uuid.UUID) string       { return "device:id:" + id.String() }
func deviceKeyKey(key string) string        { return "device:key:" + key }
func deviceListKey(userID uuid.UUID) string { return "device:list:" + userID.String() }

// GetByID returns the device view for an id. With forceRefresh the cache
// entry is dropped first so the view reflects a mutation that just happened.
func (d *Devices) GetByID(ctx context.Context, id uuid.UUID, forceRefresh bool) (*store.DeviceView, error) {
	cacheKey := deviceIDKey(id)
	if forceRefresh {
		if err := d.cache.Delete(ctx, cacheKey); err != nil {
			return nil, fmt.Errorf("invalidate device cache: %w", err)
		}
	} else {
		b, err := d.cache.Get(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if b != nil {
			var view store.DeviceView
			if err := json.Unmarshal(b, &view); err == nil {
				return &view, nil
			}
			// Undecodable entry, fall through to storage.
			slog.Warn("dropping corrupt device cache entry", "key", cacheKey)
		}
	}

	view, err := d.repo.GetDeviceView(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if b, err := json.Marshal(view); err == nil {
		_ = d.cache.Set(ctx, cacheKey, b)
	}
	return view, nil
}

// GetByKey resolves a device by its broker key. The key→id mapping is cached
// separately; device keys only change through re-registration, so repeated
// broker lookups stay off storage even across id-entry expiry.
func (d *Devices) GetByKey(ctx context.Context, key string) (*store.DeviceView, error) {
	cacheKey := deviceKeyKey(key)
	if b, err := d.cache.Get(ctx, cacheKey); err != nil {
		return nil, err
	} else if b != nil {
		if id, err := uuid.Parse(string(b)); err == nil {
			return d.GetByID(ctx, id, false)
		}
	}

	dev, err := d.repo.FindDeviceByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, ErrNotFound
	}
	_ = d.cache.Set(ctx, cacheKey, []byte(dev.ID.String()))
	return d.GetByID(ctx, dev.ID, false)
}

// ListByUser returns the user's current devices. The cached value is only
// the id list; each device view goes through GetByID so a freshly mutated
// device is not served stale from the list entry.
func (d *Devices) ListByUser(ctx context.Context, userID uuid.UUID) ([]*store.DeviceView, error) {
	cacheKey := deviceListKey(userID)
	var ids []uuid.UUID
	if b, err := d.cache.Get(ctx, cacheKey); err != nil {
		return nil, err
	} else if b != nil {
		if err := json.Unmarshal(b, &ids); err != nil {
			ids = nil
		}
	}
	if ids == nil {
		var err error
		ids, err = d.repo.ListDeviceIDsByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(ids); err == nil {
			_ = d.cache.Set(ctx, cacheKey, b)
		}
	}

	views := make([]*store.DeviceView, 0, len(ids))
	for _, id := range ids {
		view, err := d.GetByID(ctx, id, false)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Authorize reports whether the user currently owns the device with the
// given key. Callers treat both false and an error as "drop the request";
// non-owners never learn whether the device exists.
func (d *Devices) Authorize(ctx context.Context, userID uuid.UUID, deviceKey string) (bool, error) {
	views, err := d.ListByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, view := range views {
		if view.DeviceKey == deviceKey {
			return true, nil
		}
	}
	return false, nil
}

// Register binds a device key to a user. An existing key owned by another
// user is a conflict; owned by the same user it is a no-op; unowned devices
// are claimed, and unknown keys create a new owned device.
func (d *Devices) Register(ctx context.Context, userID uuid.UUID, deviceKey string) (*store.DeviceView, error) {
	if !topic.ValidKey(deviceKey) {
		return nil, ErrInvalidKey
	}

	existing, err := d.repo.FindDeviceByKey(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != nil && *existing.UserID != userID {
			return nil, ErrConflict
		}
		if existing.UserID != nil {
			return d.GetByID(ctx, existing.ID, false)
		}
		if err := d.repo.ClaimDevice(ctx, existing.ID, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Lost a claim race; the key now belongs to someone else.
				return nil, ErrConflict
			}
			return nil, err
		}
		if err := d.cache.Delete(ctx, deviceListKey(userID)); err != nil {
			return nil, err
		}
		return d.GetByID(ctx, existing.ID, true)
	}

	dev := &store.Device{DeviceKey: deviceKey, UserID: &userID}
	if err := d.repo.CreateDevice(ctx, dev); err != nil {
		return nil, err
	}
	if err := d.cache.Delete(ctx, deviceListKey(userID)); err != nil {
		return nil, err
	}
	return d.GetByID(ctx, dev.ID, false)
}

// Unregister clears ownership for the device. The device row stays; only
// the losing user's list entry and the device entry are invalidated.
func (d *Devices) Unregister(ctx context.Context, id, userID uuid.UUID) (*store.DeviceView, error) {
	if err := d.repo.ReleaseDevice(ctx, id, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := d.cache.Delete(ctx, deviceListKey(userID)); err != nil {
		return nil, err
	}
	return d.GetByID(ctx, id, true)
}

// SetRinging flips the ringing flag and returns the refreshed view.
func (d *Devices) SetRinging(ctx context.Context, id uuid.UUID, state bool) (*store.DeviceView, error) {
	if err := d.repo.SetRinging(ctx, id, state); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d.GetByID(ctx, id, true)
}

// AddPress appends a press event and returns the refreshed view.
func (d *Devices) AddPress(ctx context.Context, id uuid.UUID) (*store.DeviceView, error) {
	if _, err := d.GetByID(ctx, id, false); err != nil {
		return nil, err
	}
	if err := d.repo.AddPress(ctx, id); err != nil {
		return nil, err
	}
	return d.GetByID(ctx, id, true)
}

// ListPresses exposes windowed press-history queries for the HTTP layer.
// Range queries bypass the cache; only whole-device views are cached.
func (d *Devices) ListPresses(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]store.DevicePress, error) {
	return d.repo.ListPresses(ctx, deviceID, from, to)
}
