package http

import (
	"classmesh/internal/infrastructure/middleware"
	"classmesh/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the control API engine with the standard middleware
// chain in front of the handler's routes.
func NewRouter(cfg *config.Config, handler *ControlHandler, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(ClassifyError, logger),
	)
	handler.SetupRoutes(router)
	return router
}
