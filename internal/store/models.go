package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type User struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DisplayName string         `json:"display_name"`
	ImageURL    string         `json:"image_url"`
	Meta        datatypes.JSON `json:"meta" gorm:"type:jsonb"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (User) TableName() string { return "cb_users" }

type Device struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceKey string         `json:"device_key" gorm:"uniqueIndex;not null"`
	UserID    *uuid.UUID     `json:"user_id" gorm:"type:uuid;index"`
	User      *User          `json:"-" gorm:"foreignKey:UserID"`
	IsRinging bool           `json:"is_ringing" gorm:"not null;default:false"`
	Meta      datatypes.JSON `json:"meta" gorm:"type:jsonb"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Device) TableName() string { return "cb_devices" }

// DevicePress is an append-only press event. Rows are never updated or
// deleted; reads are windowed by CreatedAt.
type DevicePress struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID  uuid.UUID `json:"device_id" gorm:"type:uuid;index;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (DevicePress) TableName() string { return "cb_device_presses" }

// DeviceView is the record shape handed to clients: the device row plus its
// recent press history.
type DeviceView struct {
	Device
	Presses []DevicePress `json:"presses"`
}
