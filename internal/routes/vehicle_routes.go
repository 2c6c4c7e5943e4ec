package routes

import (
	"fleet_dispatch/internal/controllers"
	"fleet_dispatch/internal/middleware"

	"github.com/gin-gonic/gin"
)

func VehicleRoutes(r *gin.Engine) {
	vehicles := r.Group("/vehicles")
	vehicles.Use(middleware.RequireAuth())
	{
		vehicles.POST("", controllers.CreateVehicle)
		vehicles.GET("", controllers.ListVehicles)
		vehicles.GET("/active", controllers.ListActiveVehicles)
		vehicles.GET("/stats", controllers.GetVehicleStats)
		vehicles.GET("/:id", controllers.GetVehicle)
		vehicles.GET("/:id/locations", controllers.GetVehicleLocations)
		vehicles.PATCH("/:id", controllers.UpdateVehicle)
		vehicles.PATCH("/:id/location", controllers.UpdateVehicleLocation)
		vehicles.DELETE("/:id", controllers.DeleteVehicle)
	}
}
