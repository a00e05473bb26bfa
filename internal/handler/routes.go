package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/chattar-api/internal/middleware"
)

// RegisterAuthRoutes mounts the account endpoints on rg.
func RegisterAuthRoutes(rg *gin.RouterGroup, h *AuthHandler, verifier middleware.AccessVerifier) {
	rg.POST("/register", h.Register)
	rg.POST("/login", h.Login)
	rg.POST("/refresh", h.Refresh)
	rg.POST("/logout", middleware.OptionalJWT(verifier), h.Logout)

	protected := rg.Group("")
	protected.Use(middleware.JWT(verifier))
	protected.POST("/logout-all", h.LogoutAll)
	protected.GET("/me", h.Me)
	protected.GET("/sessions", h.Sessions)
	protected.PUT("/status", h.UpdateStatus)
	protected.POST("/add-device-key", h.AddDeviceKey)
	protected.GET("/device-keys", h.DeviceKeys)
}

// RegisterOpsRoutes mounts health, readiness and metrics endpoints.
func RegisterOpsRoutes(r gin.IRoutes, h *MetricsHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.Prometheus)
}
