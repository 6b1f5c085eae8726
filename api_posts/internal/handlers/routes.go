package handlers

import (
	"github.com/gin-gonic/gin"

	"layeredge/pkg/middleware"
)

// Register mounts the public post, user and submission routes and the token
// guarded breaker admin routes.
func Register(r gin.IRouter, posts *PostsHandler, users *UsersHandler, submissions *SubmissionHandler, admin *AdminHandler, adminToken string) {
	api := r.Group("/api")
	api.POST("/posts/lookup", posts.Lookup)
	api.POST("/posts/verify", posts.Verify)
	api.POST("/posts/engagement", posts.Engagement)
	api.POST("/users/lookup", users.Lookup)
	api.POST("/submissions", submissions.Handle)

	adm := r.Group("/admin", middleware.AdminAuthMiddleware(adminToken))
	adm.GET("/breakers/:name", admin.GetBreaker)
	adm.POST("/breakers/:name/override", admin.Override)
	adm.POST("/breakers/:name/reset", admin.Reset)
}
