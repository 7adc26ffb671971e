package router

import (
	"github.com/gin-gonic/gin"

	"github.com/omsbridge/bridge/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	telegramHandler := handler.NewTelegramHandler(deps)
	keyHandler := handler.NewKeyHandler(deps)
	meterHandler := handler.NewMeterHandler(deps)

	r.GET("/healthz", healthHandler.Health)

	// Gateway-facing ingest
	v1 := r.Group("/v1")
	{
		v1.POST("/telegrams", telegramHandler.Ingest)
	}

	// Operator admin surface
	api := r.Group("/api")
	{
		keys := api.Group("/keys")
		{
			keys.GET("", keyHandler.ListKeys)
			keys.PUT("/:meter_id", keyHandler.SetKey)
			keys.DELETE("/:meter_id", keyHandler.DeleteKey)
		}

		meters := api.Group("/meters")
		{
			meters.GET("/known", meterHandler.ListKnown)
			meters.GET("/pending", meterHandler.ListPending)
			meters.DELETE("/pending/:meter_id", meterHandler.DismissPending)
			meters.GET("/:meter_id/telegrams", telegramHandler.ListTelegrams)
			meters.GET("/:meter_id/telegrams/:telegram_id", telegramHandler.GetTelegram)
		}

		api.POST("/broker/test", healthHandler.BrokerTest)
	}

	return r
}
