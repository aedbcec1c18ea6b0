package model

import "time"

// Device is a pre-provisioned irrigation controller and its ownership state.
type Device struct {
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	Name          string     `gorm:"size:256;not null;default:''" json:"name"`
	SerialKey     string     `gorm:"size:128;not null" json:"-"`
	OwnerID       string     `gorm:"size:128;index;not null;default:''" json:"ownerId,omitempty"`
	Registered    bool       `gorm:"not null;default:false" json:"registered"`
	RegisteredAt  *time.Time `json:"registeredAt,omitempty"`
	ProvisionedAt time.Time  `gorm:"not null" json:"provisionedAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DisplayName falls back to the device id when no name was provisioned.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// DeviceStatus is the derived liveness view of a device.
type DeviceStatus struct {
	DeviceID   string     `json:"deviceId"`
	LastActive *time.Time `json:"lastActive"`
	Online     bool       `json:"online"`
}
