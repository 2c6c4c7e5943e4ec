package models

import (
	"time"

	"gorm.io/gorm"
)

// LocationLog records each accepted location update for a vehicle.
type LocationLog struct {
	gorm.Model
	VehicleID  uint      `json:"vehicle_id" gorm:"index"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}
