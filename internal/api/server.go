package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/ai"
	"claimcheck/internal/claim"
	"claimcheck/internal/history"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
)

// Config defines server dependencies.
type Config struct {
	DBPath         string
	SilentDB       bool
	AllowedOrigins []string
	Scoring        scoring.Config
	TermsPath      string
	HistoryCSV     string
	AIConfig       ai.Config
	DisableAI      bool
	JobWorkers     int
	// Clock stamps verdicts and submissions; defaults to time.Now.
	Clock func() time.Time
}

// Server wires HTTP handlers with persistence and adjudication.
type Server struct {
	db             *store.Database
	history        *history.Service
	engine         *scoring.Engine
	termsPath      string
	allowedOrigins []string
	explainer      ai.Explainer
	notifier       *Notifier
	jobWorkers     int
	clock          func() time.Time

	graphMu sync.RWMutex
	graphs  map[string]cachedGraph

	claimLocks sync.Map

	jobMu sync.Mutex
	jobs  map[string]*readjudicationJob
	jobWG sync.WaitGroup
}

type cachedGraph struct {
	hash  string
	graph *policy.Graph
}

// NewServer constructs the API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path required")
	}
	db, err := store.Open(cfg.DBPath, cfg.SilentDB)
	if err != nil {
		return nil, err
	}
	if n, err := db.MarkInterruptedJobs(); err != nil {
		logrus.WithError(err).Warn("mark interrupted jobs")
	} else if n > 0 {
		logrus.WithField("jobs", n).Info("marked jobs interrupted by restart")
	}

	var terms *scoring.PatternSignal
	if path := strings.TrimSpace(cfg.TermsPath); path != "" {
		terms, err = scoring.LoadPatternSignal(path, cfg.Scoring.SignalThreshold)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("fraud terms: %w", err)
		}
	}
	engine := scoring.NewEngine(cfg.Scoring, scoring.DefaultSignals(cfg.Scoring, terms)...)

	explainer := ai.Explainer(ai.Template{})
	if cfg.DisableAI {
		logrus.Info("AI explainer disabled via configuration, using template narratives")
	} else if client, err := ai.NewClient(cfg.AIConfig); err == nil {
		explainer = ai.WithFallback(client, ai.Template{})
		logrus.WithField("model", cfg.AIConfig.Model).Info("AI explainer enabled")
	} else if errors.Is(err, ai.ErrDisabled) {
		logrus.Info("AI explainer not configured, using template narratives")
	} else {
		_ = db.Close()
		return nil, fmt.Errorf("ai client: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	server := &Server{
		db:             db,
		history:        history.NewService(db),
		engine:         engine,
		termsPath:      cfg.TermsPath,
		allowedOrigins: cfg.AllowedOrigins,
		explainer:      explainer,
		notifier:       NewNotifier(),
		jobWorkers:     cfg.JobWorkers,
		clock:          clock,
		graphs:         make(map[string]cachedGraph),
		jobs:           make(map[string]*readjudicationJob),
	}

	if trimmed := strings.TrimSpace(cfg.HistoryCSV); trimmed != "" {
		if _, err := server.history.LoadFromCSV(trimmed); err != nil {
			logrus.WithError(err).Warn("load history samples")
		}
	}

	logrus.WithFields(logrus.Fields{
		"signals":         engine.Signals(),
		"fraud_threshold": engine.Threshold(),
	}).Info("fraud signal engine configured")
	return server, nil
}

// Close cancels running jobs, waits for them to stop and closes the database.
func (s *Server) Close() error {
	s.jobMu.Lock()
	for _, job := range s.jobs {
		job.cancel()
	}
	s.jobMu.Unlock()
	s.jobWG.Wait()
	return s.db.Close()
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	r.GET("/api/healthz", s.handleHealth)
	r.GET("/api/config", s.handleConfig)

	api := r.Group("/api")
	{
		api.POST("/policies", s.handleUploadPolicy)
		api.GET("/policies", s.handleListPolicies)
		api.GET("/policies/:id", s.handleGetPolicy)
		api.DELETE("/policies/:id", s.handleDeletePolicy)
		api.GET("/policies/:id/summary", s.handlePolicySummary)
		api.GET("/policies/:id/graph", s.handlePolicyGraph)
		api.GET("/policies/:id/clauses", s.handlePolicyClauses)
		api.GET("/policies/:id/exclusions", s.handlePolicyExclusions)
		api.GET("/policies/:id/coverage", s.handlePolicyCoverage)
		api.POST("/policies/:id/readjudicate", s.handleReadjudicate)

		api.POST("/claims", s.handleSubmitClaim)
		api.GET("/claims", s.handleListClaims)
		api.GET("/claims/:id", s.handleGetClaim)
		api.DELETE("/claims/:id", s.handleCancelClaim)
		api.POST("/claims/:id/validate", s.handleValidateClaim)
		api.GET("/claims/:id/status", s.handleClaimStatus)
		api.PUT("/claims/:id/status", s.handleUpdateStatus)
		api.GET("/claims/:id/fraud-report", s.handleFraudReport)
		api.GET("/claims/:id/verdicts", s.handleListVerdicts)

		api.GET("/dashboard/stats", s.handleDashboardStats)
		api.GET("/dashboard/recent-claims", s.handleRecentClaims)
		api.GET("/dashboard/claims-trend", s.handleClaimsTrend)
		api.GET("/dashboard/policy-expiry-alerts", s.handleExpiryAlerts)

		api.GET("/jobs/:id", s.handleJobStatus)
		api.DELETE("/jobs/:id", s.handleCancelJob)
		api.GET("/events", s.handleEvents)
	}

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleConfig(c *gin.Context) {
	statuses := make([]gin.H, 0, len(claim.Statuses()))
	for _, st := range claim.Statuses() {
		statuses = append(statuses, gin.H{"status": st, "description": st.Description(), "next": st.Next(), "terminal": st.Terminal()})
	}
	c.JSON(http.StatusOK, gin.H{
		"fraud_threshold":     s.engine.Threshold(),
		"signals":             s.engine.Signals(),
		"terms_path":          s.termsPath,
		"history_samples":     s.history.Count(),
		"explainer_enabled":   s.explainer != nil && s.explainer.Enabled(),
		"claim_statuses":      statuses,
		"adjudication_stages": adjudication.Stages(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}

	client := s.notifier.Register(conn)
	logrus.WithField("remote", conn.RemoteAddr().String()).Info("events websocket connected")
	defer s.notifier.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("remote", conn.RemoteAddr().String()).Info("events websocket closed")
			} else {
				logrus.WithError(err).Warn("events websocket unexpected close")
			}
			break
		}
	}
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// renderFailure maps domain errors onto HTTP status codes.
func (s *Server) renderFailure(c *gin.Context, err error) {
	s.renderError(c, statusForError(err), err)
}

func statusForError(err error) int {
	var (
		graphErr      *policy.GraphError
		setupErr      *adjudication.SetupError
		transitionErr *claim.TransitionError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &graphErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &setupErr):
		if errors.Is(err, adjudication.ErrUnknownPolicy) {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case errors.As(err, &transitionErr), errors.Is(err, store.ErrStatusConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pageParams(c *gin.Context) (offset, limit int) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 0 {
		page = 0
	}
	pageSize, _ := strconv.Atoi(c.Query("pageSize"))
	if pageSize <= 0 {
		pageSize = 25
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return page * pageSize, pageSize
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// claimLock serializes lifecycle changes of one claim.
func (s *Server) claimLock(claimID string) *sync.Mutex {
	mu, _ := s.claimLocks.LoadOrStore(claimID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
