package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/middlewares"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// PubSubPushEnvelope is the body Pub/Sub push subscriptions POST.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type processFunc func(ctx context.Context, msg config.PubSubMessage) error

type routerOptions struct {
	Logger *logrus.Logger
	// Ready gates every route except /healthz until DB and Redis are connected.
	Ready   func() bool
	Process processFunc
}

func dependenciesReady() bool {
	return config.GetDB() != nil && config.GetRedisDB() != nil
}

// matchEventsPubSubHandler acks malformed pushes with 204 and answers 500
// when processing failed so Pub/Sub redelivers.
func matchEventsPubSubHandler(process processFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		if token := os.Getenv("PUBSUB_PUSH_TOKEN"); token != "" && c.Query("token") != token {
			c.Status(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server", "matchEventsPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server", "matchEventsPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PubSubMessage
		if err := json.Unmarshal(envelope.Message.Data, &m); err != nil {
			config.LogError(logger, "server", "matchEventsPubSubHandler", "Unmarshal pubsub message", string(envelope.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		if m.BusinessId == "" || m.ReferenceType == "" {
			config.LogError(logger, "server", "matchEventsPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("business_id/reference_type required"))
			c.Status(http.StatusNoContent)
			return
		}
		if m.CorrelationId == "" {
			m.CorrelationId = envelope.Message.ID
		}

		ctx := c.Request.Context()
		// Best effort: the MySQL advisory lock in the processor is what serializes
		// a purchase order. The redis lock only keeps concurrent pushes from
		// queueing on it.
		if locker := config.GetRedisLock(); locker != nil {
			lock, err := locker.Obtain(ctx, fmt.Sprintf("lock:match:%s:%d", m.BusinessId, m.PurchaseOrderId), 30*time.Second, nil)
			switch {
			case errors.Is(err, redislock.ErrNotObtained):
				logger.WithFields(logrus.Fields{
					"field":             "matchEventsPubSubHandler",
					"business_id":       m.BusinessId,
					"purchase_order_id": m.PurchaseOrderId,
					"message_id":        envelope.Message.ID,
				}).Info("purchase order busy; asking Pub/Sub to redeliver")
				c.Status(http.StatusTooManyRequests)
				return
			case err != nil:
				logger.WithFields(logrus.Fields{"field": "matchEventsPubSubHandler"}).Warn("redis lock unavailable; proceeding without it: " + err.Error())
			default:
				defer func() { _ = lock.Release(context.Background()) }()
			}
		}

		if err := process(ctx, m); err != nil {
			config.LogError(logger, "server", "matchEventsPubSubHandler", "ProcessMessage", m, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func newRouter(opts routerOptions) *gin.Engine {
	logger := opts.Logger
	ready := opts.Ready
	if ready == nil {
		ready = dependenciesReady
	}

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		// deny all unless configured
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "X-Correlation-Id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	r.Use(cors.New(corsConfig))

	if enabled, limit, window := config.RateLimit(); enabled {
		r.Use(middlewares.NewRateLimiter(limit, window).Middleware())
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/login", loginHandler)
	if opts.Process != nil {
		r.POST("/pubsub", matchEventsPubSubHandler(opts.Process))
	}

	api := r.Group("/", middlewares.RequireUser())
	api.POST("/logout", logoutHandler)

	api.POST("/suppliers", createSupplierHandler)
	api.GET("/suppliers", listSuppliersHandler)
	api.GET("/suppliers/:id", getSupplierHandler)
	api.PUT("/suppliers/:id", updateSupplierHandler)

	api.POST("/purchase-orders", createPurchaseOrderHandler)
	api.GET("/purchase-orders", listPurchaseOrdersHandler)
	api.GET("/purchase-orders/:id", getPurchaseOrderHandler)
	api.PUT("/purchase-orders/:id", updatePurchaseOrderHandler)
	api.POST("/purchase-orders/:id/status", updatePurchaseOrderStatusHandler)
	api.POST("/purchase-orders/:id/rematch", rematchPurchaseOrderHandler)
	api.GET("/purchase-orders/:id/deliveries", listPurchaseOrderDeliveriesHandler)
	api.GET("/purchase-orders/:id/invoices", listPurchaseOrderInvoicesHandler)
	api.GET("/purchase-orders/:id/discrepancies", listPurchaseOrderDiscrepanciesHandler)

	api.POST("/deliveries", createDeliveryHandler)
	api.GET("/deliveries/:id", getDeliveryHandler)
	api.PUT("/deliveries/:id", updateDeliveryHandler)

	api.POST("/invoices", createInvoiceHandler)
	api.GET("/invoices/:id", getInvoiceHandler)
	api.PUT("/invoices/:id", updateInvoiceHandler)
	api.GET("/invoices/:id/match-summary", invoiceMatchSummaryHandler)
	api.GET("/invoices/:id/discrepancies", listInvoiceDiscrepanciesHandler)
	api.POST("/invoices/:id/rematch", rematchInvoiceHandler)
	api.POST("/invoices/:id/approve", approveInvoiceHandler)
	api.POST("/invoices/:id/reject", rejectInvoiceHandler)

	api.POST("/discrepancies", flagQualityIssueHandler)
	api.GET("/discrepancies/:id", getDiscrepancyHandler)
	api.POST("/discrepancies/:id/review", reviewDiscrepancyHandler)
	api.POST("/discrepancies/:id/resolve", resolveDiscrepancyHandler)
	api.POST("/discrepancies/:id/waive", waiveDiscrepancyHandler)
	api.GET("/discrepancies/:id/evidence", listEvidenceHandler)
	api.POST("/discrepancies/:id/evidence", uploadEvidenceHandler)
	api.POST("/discrepancies/:id/evidence/sign", signEvidenceUploadHandler)
	api.POST("/discrepancies/:id/evidence/complete", completeEvidenceUploadHandler)
	api.DELETE("/evidence/:id", deleteEvidenceHandler)

	api.GET("/histories/:type/:id", listHistoriesHandler)

	api.GET("/reports/discrepancy-register", discrepancyRegisterHandler)
	api.GET("/reports/discrepancy-register/export", exportDiscrepancyRegisterHandler)
	api.GET("/reports/supplier-matching", supplierMatchingReportHandler)

	api.GET("/internal/ops/outbox/:type/:id", outboxStatusHandler)
	api.POST("/internal/ops/outbox/:type/:id/reprocess", outboxReprocessHandler)

	r.NoRoute(customNotFoundHandler)
	return r
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	process := func(ctx context.Context, msg config.PubSubMessage) error {
		return workflow.NewProcessor(config.GetDB(), logger).ProcessMessage(ctx, msg)
	}

	// Start listening before dependencies connect; app routes answer 503 until then.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(routerOptions{Logger: logger, Process: process}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if err := config.ConnectDatabaseWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	if err := config.ConnectRedisWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Fatal(err.Error())
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate DDL can block tables; large deployments run it as a job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if config.OutboxDirectProcessing() {
		go workflow.NewOutboxDirectProcessor(db, logger, workflow.NewProcessor(db, logger)).Run(workerCtx)
	} else {
		go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	}
	if config.PubSubPullWorker() {
		go func() {
			if err := config.ReceiveMatchEvents(workerCtx, process); err != nil && !errors.Is(err, context.Canceled) {
				config.LogError(logger, "server", "main", "ReceiveMatchEvents", nil, err)
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop workers before draining so they take no new rows
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && logger != nil {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
