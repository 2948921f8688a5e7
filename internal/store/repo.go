package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	if !m.HasTable(&User{}) {
		if err := m.CreateTable(&User{}); err != nil {
			return fmt.Errorf("create table users: %w", err)
		}
	}
	if !m.HasTable(&Device{}) {
		if err := m.CreateTable(&Device{}); err != nil {
			return fmt.Errorf("create table devices: %w", err)
		}
	}
	if !m.HasTable(&DevicePress{}) {
		if err := m.CreateTable(&DevicePress{}); err != nil {
			return fmt.Errorf("create table device_presses: %w", err)
		}
	}

	// Indexes (names come from struct tags)
	if !m.HasIndex(&Device{}, "DeviceKey") {
		_ = m.CreateIndex(&Device{}, "DeviceKey")
	}
	if !m.HasIndex(&Device{}, "UserID") {
		_ = m.CreateIndex(&Device{}, "UserID")
	}
	if !m.HasIndex(&DevicePress{}, "DeviceID") {
		_ = m.CreateIndex(&DevicePress{}, "DeviceID")
	}
	return nil
}

// PressWindowStart is the lower bound applied to press history reads: the
// first day of the month five months before now.
func PressWindowStart(now time.Time) time.Time {
	t := now.UTC().AddDate(0, -5, 0)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// --- Users ---

func (r *Repo) CreateUser(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *Repo) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var row User
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// --- Devices ---

func (r *Repo) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var row Device
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// GetDeviceView loads the device row together with its press history,
// bounded to the recent window.
func (r *Repo) GetDeviceView(ctx context.Context, id uuid.UUID) (*DeviceView, error) {
	dev, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	var presses []DevicePress
	if err := r.db.WithContext(ctx).
		Where("device_id = ? AND created_at >= ?", id, PressWindowStart(time.Now())).
		Order("created_at asc").
		Find(&presses).Error; err != nil {
		return nil, err
	}
	return &DeviceView{Device: *dev, Presses: presses}, nil
}

// FindDeviceByKey returns the device row for a key, or nil when no device
// has that key.
func (r *Repo) FindDeviceByKey(ctx context.Context, key string) (*Device, error) {
	var row Device
	err := r.db.WithContext(ctx).First(&row, "device_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListDeviceIDsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).
		Select("id").
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (r *Repo) CreateDevice(ctx context.Context, dev *Device) error {
	if dev.ID == uuid.Nil {
		dev.ID = uuid.New()
	}
	dev.DeviceKey = strings.TrimSpace(dev.DeviceKey)
	if dev.DeviceKey == "" {
		return errors.New("device.device_key is required")
	}
	return r.db.WithContext(ctx).Create(dev).Error
}

// ClaimDevice assigns an unowned device to a user. The WHERE guard keeps the
// single-owner invariant even if two claims race.
func (r *Repo) ClaimDevice(ctx context.Context, id, userID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ? AND user_id IS NULL", id).
		Update("user_id", userID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReleaseDevice clears ownership. The owner must match; devices are never
// hard-deleted.
func (r *Repo) ReleaseDevice(ctx context.Context, id, userID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("user_id", nil)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) SetRinging(ctx context.Context, id uuid.UUID, state bool) error {
	res := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", id).
		Update("is_ringing", state)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) AddPress(ctx context.Context, deviceID uuid.UUID) error {
	press := &DevicePress{ID: uuid.New(), DeviceID: deviceID}
	return r.db.WithContext(ctx).Create(press).Error
}

// ListPresses returns press events for a device filtered by an optional
// closed time range. Zero bounds are ignored.
func (r *Repo) ListPresses(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]DevicePress, error) {
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at <= ?", to)
	}
	var rows []DevicePress
	if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
