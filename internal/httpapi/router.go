// Package httpapi — HTTP API маркетплейса на gin: платежи, заказы, возвраты и
// административные операции.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/guard"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
	"github.com/vladislavdragonenkov/marketplace/internal/service/refund"
	"github.com/vladislavdragonenkov/marketplace/internal/service/timeline"
	"github.com/vladislavdragonenkov/marketplace/internal/service/ttn"
)

// Deps — сервисы, которые обслуживает API.
type Deps struct {
	Auth        *Authenticator
	Ingress     *payment.Ingress
	Decider     *policy.Decider
	Payments    *payment.CheckoutService
	Health      *payment.HealthService
	Checkout    *checkout.Service
	Refunds     *refund.Service
	Timeline    *timeline.Service
	Machine     domain.StateMachine
	TTN         *ttn.Orchestrator
	Guard       *guard.Guard
	Jobs        *scheduler.Scheduler
	Idempotency domain.IdempotencyRepository
	Clock       clock.Clock
	Logger      *log.Entry
}

// Config — параметры HTTP-слоя.
type Config struct {
	CORSOrigins []string
}

type handler struct {
	deps Deps
}

// NewRouter собирает gin-роутер со всеми маршрутами /api/v2.
func NewRouter(deps Deps, cfg Config) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "httpapi")
	}
	deps.Clock = clock.OrDefault(deps.Clock)
	h := &handler{deps: deps}

	r := gin.New()
	r.Use(Recovery(deps.Logger), RequestLogger(deps.Logger), CORS(cfg.CORSOrigins))
	r.NoRoute(func(c *gin.Context) {
		writeStatus(c, http.StatusNotFound, codeNotFound, "route not found")
	})

	api := r.Group("/api/v2")
	api.POST("/payments/webhook/:provider", h.paymentWebhook)

	authed := api.Group("")
	authed.Use(Authenticate(deps.Auth))
	idem := Idempotency(deps.Idempotency, deps.Clock)

	authed.POST("/payments/policy/preview", h.policyPreview)
	authed.POST("/payments/deposit/create", idem, h.createDeposit)
	authed.POST("/payments/full/create", idem, h.createFull)
	authed.POST("/orders", idem, h.placeOrder)
	authed.GET("/orders/:order_id/tracking", h.orderTracking)
	authed.GET("/orders/:order_id/timeline", h.orderTimeline)
	authed.POST("/refunds/request/:order_id", idem, h.requestRefund)

	admin := authed.Group("/admin")
	admin.Use(RequireAdmin())
	admin.POST("/refunds/approve/:order_id", idem, h.approveRefund)
	admin.POST("/refunds/reject/:order_id", idem, h.rejectRefund)
	admin.POST("/orders/:order_id/transition", idem, h.transitionOrder)
	admin.POST("/orders/:order_id/ttn", h.createTTN)
	admin.POST("/payments/reconciliation/run", h.runJob(scheduler.JobReconciliation))
	admin.POST("/payments/retry/run", h.runJob(scheduler.JobPaymentRetry))
	admin.GET("/payments/health", h.paymentsHealth)
	admin.GET("/jobs", h.listJobs)
	admin.POST("/jobs/:name/run", h.runNamedJob)
	admin.GET("/guard/incidents", h.listIncidents)
	admin.POST("/guard/incidents/:key/mute", h.muteIncident)
	admin.POST("/guard/incidents/:key/resolve", h.resolveIncident)

	return r
}
