package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fleet_dispatch/internal/models"
)

var (
	// ErrValidation marks input that fails a field or invariant check.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks a status change the transition table forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrVehicleInMaintenance marks operations not permitted while a
	// vehicle is under maintenance.
	ErrVehicleInMaintenance = errors.New("vehicle is under maintenance")
)

// VehicleService owns all reads and writes against the vehicles table.
type VehicleService struct {
	db *gorm.DB
}

func NewVehicleService(db *gorm.DB) *VehicleService {
	return &VehicleService{db: db}
}

// UpdateVehicleInput is the whitelist of fields a partial update may touch.
// Nil pointers leave the stored value untouched. Registration number is
// deliberately absent: it is immutable after create.
type UpdateVehicleInput struct {
	VehicleType          *string  `json:"vehicle_type"`
	Status               *string  `json:"status"`
	DriverName           *string  `json:"driver_name"`
	DriverPhone          *string  `json:"driver_phone"`
	MaxWeight            *float64 `json:"max_weight"`
	MaxVolume            *float64 `json:"max_volume"`
	CurrentWeight        *float64 `json:"current_weight"`
	CurrentVolume        *float64 `json:"current_volume"`
	RouteGeometry        *string  `json:"route_geometry"`
	MaxDeviationKm       *float64 `json:"max_deviation_km"`
	MaxDeviationMinutes  *int     `json:"max_deviation_minutes"`
	AllowConsolidation   *bool    `json:"allow_consolidation"`
	TrustScore           *float64 `json:"trust_score"`
	TotalDeliveries      *int     `json:"total_deliveries"`
	SuccessfulDeliveries *int     `json:"successful_deliveries"`
	LateDeliveries       *int     `json:"late_deliveries"`
}

// FleetStats is the aggregate view over the whole fleet.
type FleetStats struct {
	TotalVehicles  int64   `json:"total_vehicles"`
	ActiveVehicles int64   `json:"active_vehicles"`
	AvgUtilization float64 `json:"avg_utilization"`
}

// validateVehicle checks the invariants every stored record must satisfy.
func validateVehicle(v *models.Vehicle) error {
	if v.RegistrationNo == "" {
		return fmt.Errorf("%w: registration_no is required", ErrValidation)
	}
	if !IsValidType(v.VehicleType) {
		return fmt.Errorf("%w: unknown vehicle_type %q", ErrValidation, v.VehicleType)
	}
	if !IsValidStatus(v.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, v.Status)
	}
	if v.MaxWeight <= 0 || v.MaxVolume <= 0 {
		return fmt.Errorf("%w: capacity limits must be positive", ErrValidation)
	}
	if v.CurrentWeight < 0 || v.CurrentWeight > v.MaxWeight {
		return fmt.Errorf("%w: current_weight must be within [0, max_weight]", ErrValidation)
	}
	if v.CurrentVolume < 0 || v.CurrentVolume > v.MaxVolume {
		return fmt.Errorf("%w: current_volume must be within [0, max_volume]", ErrValidation)
	}
	if v.TrustScore < 0 || v.TrustScore > 100 {
		return fmt.Errorf("%w: trust_score must be within [0, 100]", ErrValidation)
	}
	if v.TotalDeliveries < 0 || v.SuccessfulDeliveries < 0 || v.LateDeliveries < 0 {
		return fmt.Errorf("%w: delivery counters must not be negative", ErrValidation)
	}
	if v.SuccessfulDeliveries+v.LateDeliveries > v.TotalDeliveries {
		return fmt.Errorf("%w: successful + late deliveries exceed total", ErrValidation)
	}
	return nil
}

// Create persists a new vehicle and returns the stored record.
func (s *VehicleService) Create(ctx context.Context, v *models.Vehicle) error {
	if v.Status == "" {
		v.Status = models.StatusIdle
	}
	if err := validateVehicle(v); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(v).Error
}

// FindAll returns every vehicle on record.
func (s *VehicleService) FindAll(ctx context.Context) ([]models.Vehicle, error) {
	var vehicles []models.Vehicle
	if err := s.db.WithContext(ctx).Order("id").Find(&vehicles).Error; err != nil {
		return nil, err
	}
	return vehicles, nil
}

// FindOne returns the vehicle for an ID; gorm.ErrRecordNotFound if absent.
func (s *VehicleService) FindOne(ctx context.Context, id uint) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := s.db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// FindActive returns vehicles that are dispatched or in transit.
func (s *VehicleService) FindActive(ctx context.Context) ([]models.Vehicle, error) {
	var vehicles []models.Vehicle
	err := s.db.WithContext(ctx).
		Where("status IN ?", ActiveStatuses).
		Order("id").
		Find(&vehicles).Error
	if err != nil {
		return nil, err
	}
	return vehicles, nil
}

// Update applies a partial update after checking the transition table and
// the record invariants, and returns the refreshed record.
func (s *VehicleService) Update(ctx context.Context, id uint, in UpdateVehicleInput, routeWKB []byte) (*models.Vehicle, error) {
	v, err := s.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Status != nil {
		if !IsValidStatus(*in.Status) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, *in.Status)
		}
		if !CanTransition(v.Status, *in.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, *in.Status)
		}
	}

	updates := map[string]interface{}{}
	applyUpdates(v, in, routeWKB, updates)

	if err := validateVehicle(v); err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return v, nil
	}

	if err := s.db.WithContext(ctx).Model(v).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.FindOne(ctx, id)
}

// applyUpdates copies set fields onto the record and into the column map.
func applyUpdates(v *models.Vehicle, in UpdateVehicleInput, routeWKB []byte, updates map[string]interface{}) {
	if in.VehicleType != nil {
		v.VehicleType = *in.VehicleType
		updates["vehicle_type"] = *in.VehicleType
	}
	if in.Status != nil {
		v.Status = *in.Status
		updates["status"] = *in.Status
	}
	if in.DriverName != nil {
		v.DriverName = *in.DriverName
		updates["driver_name"] = *in.DriverName
	}
	if in.DriverPhone != nil {
		v.DriverPhone = *in.DriverPhone
		updates["driver_phone"] = *in.DriverPhone
	}
	if in.MaxWeight != nil {
		v.MaxWeight = *in.MaxWeight
		updates["max_weight"] = *in.MaxWeight
	}
	if in.MaxVolume != nil {
		v.MaxVolume = *in.MaxVolume
		updates["max_volume"] = *in.MaxVolume
	}
	if in.CurrentWeight != nil {
		v.CurrentWeight = *in.CurrentWeight
		updates["current_weight"] = *in.CurrentWeight
	}
	if in.CurrentVolume != nil {
		v.CurrentVolume = *in.CurrentVolume
		updates["current_volume"] = *in.CurrentVolume
	}
	if in.RouteGeometry != nil {
		v.RouteGeometry = routeWKB
		updates["route_geometry"] = routeWKB
	}
	if in.MaxDeviationKm != nil {
		v.MaxDeviationKm = *in.MaxDeviationKm
		updates["max_deviation_km"] = *in.MaxDeviationKm
	}
	if in.MaxDeviationMinutes != nil {
		v.MaxDeviationMinutes = *in.MaxDeviationMinutes
		updates["max_deviation_minutes"] = *in.MaxDeviationMinutes
	}
	if in.AllowConsolidation != nil {
		v.AllowConsolidation = *in.AllowConsolidation
		updates["allow_consolidation"] = *in.AllowConsolidation
	}
	if in.TrustScore != nil {
		v.TrustScore = *in.TrustScore
		updates["trust_score"] = *in.TrustScore
	}
	if in.TotalDeliveries != nil {
		v.TotalDeliveries = *in.TotalDeliveries
		updates["total_deliveries"] = *in.TotalDeliveries
	}
	if in.SuccessfulDeliveries != nil {
		v.SuccessfulDeliveries = *in.SuccessfulDeliveries
		updates["successful_deliveries"] = *in.SuccessfulDeliveries
	}
	if in.LateDeliveries != nil {
		v.LateDeliveries = *in.LateDeliveries
		updates["late_deliveries"] = *in.LateDeliveries
	}
}

// UpdateLocation writes a new position and timestamp for a vehicle and
// appends a LocationLog row, in one transaction. Vehicles under
// maintenance do not report positions.
func (s *VehicleService) UpdateLocation(ctx context.Context, id uint, lat, lng float64) (*models.Vehicle, error) {
	if lat < -90 || lat > 90 {
		return nil, fmt.Errorf("%w: latitude must be within [-90, 90]", ErrValidation)
	}
	if lng < -180 || lng > 180 {
		return nil, fmt.Errorf("%w: longitude must be within [-180, 180]", ErrValidation)
	}

	v, err := s.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status == models.StatusMaintenance {
		return nil, ErrVehicleInMaintenance
	}

	now := time.Now()
	if !now.After(v.LastLocationAt) {
		// Clock went backwards or two updates landed in the same tick;
		// keep the stored timestamp strictly increasing.
		now = v.LastLocationAt.Add(time.Millisecond)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"last_lat":         lat,
			"last_lng":         lng,
			"last_location_at": now,
		}
		if err := tx.Model(v).Updates(updates).Error; err != nil {
			return err
		}
		entry := models.LocationLog{
			VehicleID:  v.ID,
			Lat:        lat,
			Lng:        lng,
			RecordedAt: now,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return s.FindOne(ctx, id)
}

// Locations returns the most recent position log entries for a vehicle.
func (s *VehicleService) Locations(ctx context.Context, id uint, limit int) ([]models.LocationLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.FindOne(ctx, id); err != nil {
		return nil, err
	}
	var logs []models.LocationLog
	err := s.db.WithContext(ctx).
		Where("vehicle_id = ?", id).
		Order("recorded_at desc").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// Delete removes a vehicle; gorm.ErrRecordNotFound if absent.
func (s *VehicleService) Delete(ctx context.Context, id uint) error {
	v, err := s.FindOne(ctx, id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(v).Error
}

// Stats aggregates fleet-wide counts and the average weight utilization
// computed database-side.
func (s *VehicleService) Stats(ctx context.Context) (*FleetStats, error) {
	stats := &FleetStats{}

	if err := s.db.WithContext(ctx).Model(&models.Vehicle{}).Count(&stats.TotalVehicles).Error; err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Model(&models.Vehicle{}).
		Where("status IN ?", ActiveStatuses).
		Count(&stats.ActiveVehicles).Error
	if err != nil {
		return nil, err
	}

	row := s.db.WithContext(ctx).Model(&models.Vehicle{}).
		Select("COALESCE(AVG(current_weight / NULLIF(max_weight, 0) * 100), 0)").
		Row()
	if err := row.Scan(&stats.AvgUtilization); err != nil {
		return nil, err
	}
	return stats, nil
}
