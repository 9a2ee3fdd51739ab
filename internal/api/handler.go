package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trend-core/internal/engine"
	"trend-core/internal/events"
	"trend-core/internal/monitor"
	"trend-core/pkg/db"
)

// Server wires HTTP endpoints around the trading session.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	DB      *db.Database
	Metrics *monitor.Metrics
	Auth    AuthConfig
	Meta    SystemMeta
	log     zerolog.Logger
	limits  *ipLimiter
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Venue       string `json:"venue"`
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	UseMockFeed bool   `json:"use_mock_feed"`
	Version     string `json:"version"`
}

func NewServer(svc engine.Service, bus *events.Bus, database *db.Database, metrics *monitor.Metrics, auth AuthConfig, meta SystemMeta, log zerolog.Logger) *Server {
	r := gin.New()

	s := &Server{
		Router:  r,
		Engine:  svc,
		Bus:     bus,
		DB:      database,
		Metrics: metrics,
		Auth:    auth,
		Meta:    meta,
		log:     log.With().Str("component", "api").Logger(),
		limits:  newIPLimiter(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.log, metrics))
	r.Use(RateLimitMiddleware(s.limits, s.log))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/positions", s.getPositions)
			protected.GET("/trailing", s.getTrailing)
			protected.GET("/killswitch", s.getKillSwitch)
			protected.POST("/killswitch/trip", s.tripKillSwitch)

			protected.GET("/history/positions", s.getPositionHistory)
			protected.GET("/history/stops", s.getStopHistory)
			protected.GET("/history/killswitch", s.getKillSwitchHistory)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status()
	if st.Halted {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "halted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

