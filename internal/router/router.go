package router

import (
	"github.com/gin-gonic/gin"
	"github.com/wheval/sendpay-sub000/internal/config"
	"github.com/wheval/sendpay-sub000/internal/handler"
)

// Setup 初始化路由
func Setup(
	cfg *config.Config,
	webhookHandler *handler.WebhookHandler,
	withdrawalHandler *handler.WithdrawalHandler,
	onrampHandler *handler.OnrampHandler,
	bankAccountHandler *handler.BankAccountHandler,
) *gin.Engine {
	r := gin.Default()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "sendpay-settlement",
		})
	})

	// 通道回调（签名校验在处理器内完成）
	r.POST("/webhook", webhookHandler.Handle)

	// API版本组（需要鉴权）
	v1 := r.Group("/api/v1")
	v1.Use(handler.AuthMiddleware(cfg.Auth.JwtSecret))
	{
		withdrawals := v1.Group("/withdrawals")
		{
			withdrawals.POST("/sign", withdrawalHandler.Sign)
			withdrawals.POST("/:reference/submitted", withdrawalHandler.Submitted)
		}

		onramps := v1.Group("/onramps")
		{
			onramps.POST("", onrampHandler.Initiate)
		}

		transactions := v1.Group("/transactions")
		{
			transactions.GET("", withdrawalHandler.GetTransactions)
			transactions.GET("/:reference", withdrawalHandler.GetTransaction)
		}

		bankAccounts := v1.Group("/bank-accounts")
		{
			bankAccounts.POST("", bankAccountHandler.Create)
			bankAccounts.GET("", bankAccountHandler.List)
			bankAccounts.DELETE("/:id", bankAccountHandler.Delete)
		}
	}

	return r
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
