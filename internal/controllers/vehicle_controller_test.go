package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fleet_dispatch/internal/config"
	"fleet_dispatch/internal/middleware"
	"fleet_dispatch/internal/models"
)

func setupVehicleAPI(t *testing.T) *gin.Engine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Vehicle{}, &models.LocationLog{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	config.DB = db

	gin.SetMode(gin.TestMode)
	r := gin.New()
	vehicles := r.Group("/vehicles")
	vehicles.Use(middleware.RequireAuth())
	{
		vehicles.POST("", CreateVehicle)
		vehicles.GET("", ListVehicles)
		vehicles.GET("/active", ListActiveVehicles)
		vehicles.GET("/stats", GetVehicleStats)
		vehicles.GET("/:id", GetVehicle)
		vehicles.GET("/:id/locations", GetVehicleLocations)
		vehicles.PATCH("/:id", UpdateVehicle)
		vehicles.PATCH("/:id/location", UpdateVehicleLocation)
		vehicles.DELETE("/:id", DeleteVehicle)
	}
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, err := middleware.GenerateToken(1, "dispatcher", "dispatcher")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createTestVehicle(t *testing.T, r *gin.Engine, reg string) uint {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/vehicles", gin.H{
		"registration_no": reg,
		"vehicle_type":    "four_wheeler",
		"max_weight":      100,
		"max_volume":      200,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create %s: status = %d, body = %s", reg, w.Code, w.Body.String())
	}
	var resp struct {
		Vehicle struct {
			ID uint `json:"ID"`
		} `json:"vehicle"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.Vehicle.ID
}

func TestVehicleAPIRequiresAuth(t *testing.T) {
	r := setupVehicleAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/vehicles", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestVehicleAPICreateAndRead(t *testing.T) {
	r := setupVehicleAPI(t)
	id := createTestVehicle(t, r, "KDB 100A")

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/vehicles/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Vehicle struct {
			RegistrationNo        string  `json:"registration_no"`
			Status                string  `json:"status"`
			SpareWeight           float64 `json:"spare_weight"`
			UtilizationPercentage float64 `json:"utilization_percentage"`
			DeliverySuccessRate   float64 `json:"delivery_success_rate"`
		} `json:"vehicle"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Vehicle.RegistrationNo != "KDB 100A" || resp.Vehicle.Status != "idle" {
		t.Fatalf("unexpected vehicle: %+v", resp.Vehicle)
	}
	if resp.Vehicle.SpareWeight != 100 || resp.Vehicle.DeliverySuccessRate != 100 {
		t.Fatalf("derived fields missing: %+v", resp.Vehicle)
	}

	// Unknown id.
	w = doJSON(t, r, http.MethodGet, "/vehicles/9999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d, want 404", w.Code)
	}

	// Bad enum value is caught by binding.
	w = doJSON(t, r, http.MethodPost, "/vehicles", gin.H{
		"registration_no": "KDB 101B",
		"vehicle_type":    "three_wheeler",
		"max_weight":      100,
		"max_volume":      200,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad type: status = %d, want 400", w.Code)
	}
}

func TestVehicleAPIRouteGeometry(t *testing.T) {
	r := setupVehicleAPI(t)

	line := `{"type":"LineString","coordinates":[[36.82,-1.29],[36.85,-1.30]]}`
	w := doJSON(t, r, http.MethodPost, "/vehicles", gin.H{
		"registration_no": "KDB 108J",
		"vehicle_type":    "four_wheeler",
		"max_weight":      100,
		"max_volume":      200,
		"route_geometry":  line,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create with route: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Vehicle struct {
			ID            uint   `json:"ID"`
			RouteGeometry string `json:"route_geometry"`
		} `json:"vehicle"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Vehicle.RouteGeometry, "LineString") {
		t.Fatalf("route_geometry = %q, want a LineString", resp.Vehicle.RouteGeometry)
	}

	// Garbage geometry is refused.
	w = doJSON(t, r, http.MethodPatch, fmt.Sprintf("/vehicles/%d", resp.Vehicle.ID), gin.H{
		"route_geometry": `{"type":"Nonsense"}`,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad geometry: status = %d, want 400", w.Code)
	}
}

func TestVehicleAPIDuplicateRegistration(t *testing.T) {
	r := setupVehicleAPI(t)
	createTestVehicle(t, r, "KDB 102C")

	w := doJSON(t, r, http.MethodPost, "/vehicles", gin.H{
		"registration_no": "KDB 102C",
		"vehicle_type":    "two_wheeler",
		"max_weight":      40,
		"max_volume":      60,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: status = %d, want 409, body = %s", w.Code, w.Body.String())
	}
}

func TestVehicleAPIStatusTransitions(t *testing.T) {
	r := setupVehicleAPI(t)
	id := createTestVehicle(t, r, "KDB 103D")
	path := fmt.Sprintf("/vehicles/%d", id)

	// idle -> returning is not in the table.
	w := doJSON(t, r, http.MethodPatch, path, gin.H{"status": "returning"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition: status = %d, want 422, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPatch, path, gin.H{"status": "dispatched"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispatch: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestVehicleAPILocationUpdate(t *testing.T) {
	r := setupVehicleAPI(t)
	id := createTestVehicle(t, r, "KDB 104E")

	w := doJSON(t, r, http.MethodPatch, fmt.Sprintf("/vehicles/%d/location", id), gin.H{
		"lat": 12.34,
		"lng": 56.78,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("location: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Vehicle struct {
			LastLat float64 `json:"last_lat"`
			LastLng float64 `json:"last_lng"`
		} `json:"vehicle"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Vehicle.LastLat != 12.34 || resp.Vehicle.LastLng != 56.78 {
		t.Fatalf("stored position = %+v", resp.Vehicle)
	}

	// The ping shows up in the location log.
	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/vehicles/%d/locations", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("locations: status = %d", w.Code)
	}
	var logsResp struct {
		Data []models.LocationLog `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &logsResp); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logsResp.Data) != 1 {
		t.Fatalf("log entries = %d, want 1", len(logsResp.Data))
	}

	// Missing coordinates are refused before touching the service.
	w = doJSON(t, r, http.MethodPatch, fmt.Sprintf("/vehicles/%d/location", id), gin.H{"lat": 1.0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing lng: status = %d, want 400", w.Code)
	}
}

func TestVehicleAPIActiveAndStats(t *testing.T) {
	r := setupVehicleAPI(t)
	idleID := createTestVehicle(t, r, "KDB 105F")
	activeID := createTestVehicle(t, r, "KDB 106G")
	_ = idleID

	w := doJSON(t, r, http.MethodPatch, fmt.Sprintf("/vehicles/%d", activeID), gin.H{"status": "dispatched"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispatch: status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/vehicles/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("active: status = %d", w.Code)
	}
	var listResp struct {
		Data []struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	if len(listResp.Data) != 1 || listResp.Data[0].Status != "dispatched" {
		t.Fatalf("active set = %+v", listResp.Data)
	}

	w = doJSON(t, r, http.MethodGet, "/vehicles/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status = %d", w.Code)
	}
	var statsResp struct {
		Stats struct {
			TotalVehicles  int64 `json:"total_vehicles"`
			ActiveVehicles int64 `json:"active_vehicles"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &statsResp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if statsResp.Stats.TotalVehicles != 2 || statsResp.Stats.ActiveVehicles != 1 {
		t.Fatalf("stats = %+v", statsResp.Stats)
	}
}

func TestVehicleAPIDelete(t *testing.T) {
	r := setupVehicleAPI(t)
	id := createTestVehicle(t, r, "KDB 107H")

	w := doJSON(t, r, http.MethodDelete, fmt.Sprintf("/vehicles/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/vehicles/%d", id), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", w.Code)
	}
}
