package main

import (
	"support-platform/internal/auth"
	"support-platform/internal/httpapi"
	"support-platform/internal/rbac"
	"support-platform/internal/signaling"

	"github.com/gin-gonic/gin"
)

// Keep this file free of business logic. Handlers delegate to internal modules.

func registerPublicRoutes(r *gin.Engine, h httpapi.Handlers) {
	r.GET("/healthz", h.Healthz)
}

// registerAuthRoutes exposes token issuance outside production only.
func registerAuthRoutes(r *gin.Engine, h httpapi.Handlers, production bool) {
	if production {
		return
	}
	r.POST("/v1/auth/login", h.Login)
}

func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, router *signaling.Router) {
	// Browsers cannot set headers on the upgrade request; RequireAccessToken
	// also reads ?access_token= for this route.
	r.GET("/ws", authMW, router.ServeWS)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.IdentityFrom(c.Request.Context())
			c.JSON(200, gin.H{"user_id": id.UserID, "role": id.Role, "name": id.Name})
		})

		// CALLS routes
		// Participant checks happen in the handler.
		callsGroup := v1.Group("/calls")
		{
			callsGroup.GET("/:session_id",
				rbac.RequireAnyRole(rbac.RoleCustomer, rbac.RoleAgent, rbac.RoleSupervisor),
				h.GetCall)
			callsGroup.POST("/:session_id/insights",
				rbac.RequireAnyRole(rbac.RoleAnalyst),
				h.PushInsight)
		}

		// PRESENCE routes
		presenceGroup := v1.Group("/presence")
		presenceGroup.Use(rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor))
		{
			presenceGroup.GET("/agents", h.ListAgents)
		}

		// REPORTS routes
		reports := v1.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			reports.GET("/calls", h.CallsReport)
		}
	}
}
