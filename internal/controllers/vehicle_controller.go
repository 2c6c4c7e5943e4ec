package controllers

import (
	"encoding/binary"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"

	"fleet_dispatch/internal/config"
	"fleet_dispatch/internal/models"
	"fleet_dispatch/internal/services"
)

func vehicleService() *services.VehicleService {
	return services.NewVehicleService(config.DB)
}

// VehicleResponse mirrors models.Vehicle but carries the route payload as a
// GeoJSON string and includes the derived capacity figures.
type VehicleResponse struct {
	models.Vehicle
	RouteGeometry         string  `json:"route_geometry,omitempty"`
	SpareWeight           float64 `json:"spare_weight"`
	SpareVolume           float64 `json:"spare_volume"`
	UtilizationPercentage float64 `json:"utilization_percentage"`
	DeliverySuccessRate   float64 `json:"delivery_success_rate"`
}

func toVehicleResponse(v models.Vehicle) VehicleResponse {
	jsonGeom, _ := convertWKBToGeoJSON(v.RouteGeometry)
	return VehicleResponse{
		Vehicle:               v,
		RouteGeometry:         jsonGeom,
		SpareWeight:           v.SpareWeight(),
		SpareVolume:           v.SpareVolume(),
		UtilizationPercentage: v.UtilizationPercentage(),
		DeliverySuccessRate:   v.DeliverySuccessRate(),
	}
}

func toVehicleResponses(vehicles []models.Vehicle) []VehicleResponse {
	out := make([]VehicleResponse, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, toVehicleResponse(v))
	}
	return out
}

// parseAndConvertGeometry parses a GeoJSON string into a geom.T and returns WKB bytes
func parseAndConvertGeometry(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	var g geom.T
	if err := gjson.Unmarshal([]byte(raw), &g); err != nil {
		return nil, err
	}
	return wkb.Marshal(g, binary.LittleEndian)
}

// convertWKBToGeoJSON converts WKB bytes into a GeoJSON string
func convertWKBToGeoJSON(wkbBytes []byte) (string, error) {
	if len(wkbBytes) == 0 {
		return "", nil
	}
	g, err := wkb.Unmarshal(wkbBytes)
	if err != nil {
		return "", err
	}
	b, err := gjson.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// vehicleID parses the :id path parameter.
func vehicleID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid vehicle id"})
		return 0, false
	}
	return uint(id), true
}

// writeServiceError maps service errors onto the HTTP error contract.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
	case errors.Is(err, services.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrVehicleInMaintenance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logrus.WithError(err).Error("Vehicle operation failed.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// CreateVehicle registers a new vehicle; status defaults to idle.
func CreateVehicle(c *gin.Context) {
	var input struct {
		RegistrationNo      string   `json:"registration_no" binding:"required"`
		VehicleType         string   `json:"vehicle_type" binding:"required,oneof=two_wheeler four_wheeler"`
		MaxWeight           float64  `json:"max_weight" binding:"required,gt=0"`
		MaxVolume           float64  `json:"max_volume" binding:"required,gt=0"`
		DriverName          string   `json:"driver_name"`
		DriverPhone         string   `json:"driver_phone"`
		CurrentWeight       float64  `json:"current_weight" binding:"gte=0"`
		CurrentVolume       float64  `json:"current_volume" binding:"gte=0"`
		RouteGeometry       string   `json:"route_geometry"`
		MaxDeviationKm      float64  `json:"max_deviation_km" binding:"gte=0"`
		MaxDeviationMinutes int      `json:"max_deviation_minutes" binding:"gte=0"`
		AllowConsolidation  bool     `json:"allow_consolidation"`
		TrustScore          *float64 `json:"trust_score" binding:"omitempty,gte=0,lte=100"`
	}

	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid vehicle input: " + err.Error()})
		return
	}

	wkbGeom, err := parseAndConvertGeometry(input.RouteGeometry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid route geometry: " + err.Error()})
		return
	}

	vehicle := models.Vehicle{
		RegistrationNo:      input.RegistrationNo,
		VehicleType:         input.VehicleType,
		Status:              models.StatusIdle,
		DriverName:          input.DriverName,
		DriverPhone:         input.DriverPhone,
		MaxWeight:           input.MaxWeight,
		MaxVolume:           input.MaxVolume,
		CurrentWeight:       input.CurrentWeight,
		CurrentVolume:       input.CurrentVolume,
		RouteGeometry:       wkbGeom,
		MaxDeviationKm:      input.MaxDeviationKm,
		MaxDeviationMinutes: input.MaxDeviationMinutes,
		AllowConsolidation:  input.AllowConsolidation,
		TrustScore:          100,
	}
	if input.TrustScore != nil {
		vehicle.TrustScore = *input.TrustScore
	}

	if err := vehicleService().Create(c.Request.Context(), &vehicle); err != nil {
		if pgErr, ok := err.(*pq.Error); (ok && pgErr.Code == "23505") || errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "registration_no already in use"})
			return
		}
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"vehicle": toVehicleResponse(vehicle)})
}

// ListVehicles returns every vehicle on record.
func ListVehicles(c *gin.Context) {
	vehicles, err := vehicleService().FindAll(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toVehicleResponses(vehicles)})
}

// ListActiveVehicles returns vehicles that are dispatched or in transit.
func ListActiveVehicles(c *gin.Context) {
	vehicles, err := vehicleService().FindActive(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toVehicleResponses(vehicles)})
}

// GetVehicleStats returns fleet-wide aggregate figures.
func GetVehicleStats(c *gin.Context) {
	stats, err := vehicleService().Stats(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetVehicle returns one vehicle by id.
func GetVehicle(c *gin.Context) {
	id, ok := vehicleID(c)
	if !ok {
		return
	}
	vehicle, err := vehicleService().FindOne(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vehicle": toVehicleResponse(*vehicle)})
}

// GetVehicleLocations returns the recent position log for a vehicle.
func GetVehicleLocations(c *gin.Context) {
	id, ok := vehicleID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := vehicleService().Locations(c.Request.Context(), id, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}

// UpdateVehicle applies a partial update through the field whitelist.
func UpdateVehicle(c *gin.Context) {
	id, ok := vehicleID(c)
	if !ok {
		return
	}

	var input services.UpdateVehicleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid update: " + err.Error()})
		return
	}

	var wkbGeom []byte
	if input.RouteGeometry != nil {
		var err error
		wkbGeom, err = parseAndConvertGeometry(*input.RouteGeometry)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid route geometry: " + err.Error()})
			return
		}
	}

	vehicle, err := vehicleService().Update(c.Request.Context(), id, input, wkbGeom)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	EventGateway.EmitVehicleUpdated(toVehicleResponse(*vehicle))
	c.JSON(http.StatusOK, gin.H{"vehicle": toVehicleResponse(*vehicle)})
}

// UpdateVehicleLocation writes a new position for a vehicle.
func UpdateVehicleLocation(c *gin.Context) {
	id, ok := vehicleID(c)
	if !ok {
		return
	}

	var input struct {
		Lat *float64 `json:"lat" binding:"required"`
		Lng *float64 `json:"lng" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid location input: " + err.Error()})
		return
	}

	vehicle, err := vehicleService().UpdateLocation(c.Request.Context(), id, *input.Lat, *input.Lng)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	EventGateway.EmitVehicleUpdated(toVehicleResponse(*vehicle))
	c.JSON(http.StatusOK, gin.H{"vehicle": toVehicleResponse(*vehicle)})
}

// DeleteVehicle removes a vehicle record.
func DeleteVehicle(c *gin.Context) {
	id, ok := vehicleID(c)
	if !ok {
		return
	}
	if err := vehicleService().Delete(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}

	EventGateway.EmitVehicleUpdated(gin.H{"id": id, "deleted": true})
	c.JSON(http.StatusOK, gin.H{"message": "Vehicle deleted"})
}
