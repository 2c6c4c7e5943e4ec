// internal/models/vehicle.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// Vehicle types
const (
	TypeTwoWheeler  = "two_wheeler"
	TypeFourWheeler = "four_wheeler"
)

// Vehicle statuses
const (
	StatusIdle        = "idle"
	StatusDispatched  = "dispatched"
	StatusInTransit   = "in_transit"
	StatusReturning   = "returning"
	StatusMaintenance = "maintenance"
)

type Vehicle struct {
	gorm.Model
	RegistrationNo string `json:"registration_no" gorm:"uniqueIndex"`
	VehicleType    string `json:"vehicle_type"` // "two_wheeler" or "four_wheeler"
	Status         string `json:"status" gorm:"default:idle"`

	DriverName  string `json:"driver_name"`
	DriverPhone string `json:"driver_phone"`

	// Capacity limits and current load. Weight in kg, volume in liters.
	MaxWeight     float64 `json:"max_weight"`
	MaxVolume     float64 `json:"max_volume"`
	CurrentWeight float64 `json:"current_weight"`
	CurrentVolume float64 `json:"current_volume"`

	// Last known position, refreshed by the location-update path
	LastLat        float64   `json:"last_lat"`
	LastLng        float64   `json:"last_lng"`
	LastLocationAt time.Time `json:"last_location_at"`

	// Route geometry stored as WKB; exposed to clients as GeoJSON
	RouteGeometry []byte `json:"-" gorm:"type:bytea"`

	// Consolidation tolerances. Data only; no matching engine lives here.
	MaxDeviationKm      float64 `json:"max_deviation_km"`
	MaxDeviationMinutes int     `json:"max_deviation_minutes"`
	AllowConsolidation  bool    `json:"allow_consolidation"`

	// Performance counters
	TrustScore           float64 `json:"trust_score" gorm:"default:100"`
	TotalDeliveries      int     `json:"total_deliveries"`
	SuccessfulDeliveries int     `json:"successful_deliveries"`
	LateDeliveries       int     `json:"late_deliveries"`
}

// SpareWeight returns the unused weight capacity in kg.
func (v *Vehicle) SpareWeight() float64 {
	return v.MaxWeight - v.CurrentWeight
}

// SpareVolume returns the unused volume capacity in liters.
func (v *Vehicle) SpareVolume() float64 {
	return v.MaxVolume - v.CurrentVolume
}

// UtilizationPercentage is the greater of weight- and volume-based usage,
// as a percentage of the corresponding limit.
func (v *Vehicle) UtilizationPercentage() float64 {
	var byWeight, byVolume float64
	if v.MaxWeight > 0 {
		byWeight = v.CurrentWeight / v.MaxWeight
	}
	if v.MaxVolume > 0 {
		byVolume = v.CurrentVolume / v.MaxVolume
	}
	if byWeight > byVolume {
		return byWeight * 100
	}
	return byVolume * 100
}

// DeliverySuccessRate is 100 for a vehicle with no recorded deliveries.
func (v *Vehicle) DeliverySuccessRate() float64 {
	if v.TotalDeliveries == 0 {
		return 100
	}
	return float64(v.SuccessfulDeliveries) / float64(v.TotalDeliveries) * 100
}
