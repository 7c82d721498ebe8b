package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes registers every endpoint. Operational endpoints sit at the root;
// the console surface lives under /api/v1.
func (s *Server) routes() {
	if s.deps.Health != nil {
		s.Router.GET("/healthz", gin.WrapH(s.deps.Health))
	}
	if s.deps.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.Hub != nil {
		s.Router.GET("/ws", gin.WrapH(s.deps.Hub))
	}

	v1 := s.Router.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/signal", s.getSignal)
		v1.GET("/signal/:tf", s.getSignalTF)
		v1.GET("/indicators/:tf", s.getIndicators)
		v1.GET("/bars/:tf", s.getBars)
		v1.GET("/quote", s.getQuote)
		v1.GET("/order", s.getOrder)
		v1.GET("/position", s.getPosition)
		v1.GET("/audits", s.getAudits)
		v1.GET("/fills", s.getFills)
		v1.GET("/orders/:id/transitions", s.getTransitions)
		v1.GET("/missed", s.getMissed)
		v1.POST("/orders", s.submitOrder)
		v1.POST("/orders/cancel", s.cancelOrder)
		v1.GET("/flow", s.getFlow)
		v1.POST("/flow/enter", s.flowEnter)
	}
}
