// Package dashboard serves a read-only loopback view of the supervisor's
// state: sessions, prompts, audit tail, decision trace, and an integrity
// check. It opens the database in read-only mode and never mutates
// supervisor state.
package dashboard

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/redact"
	"github.com/atlasbridge/atlasbridge/internal/trace"
)

// verifyCooldown throttles integrity verification; a full chain walk reads
// every audit row.
const verifyCooldown = 10 * time.Second

// SessionLister exposes live session state; the session manager implements
// it. nil means DB-only mode (daemon not running in-process).
type SessionLister interface {
	ListJSON() []map[string]any
}

// Server is the loopback dashboard.
type Server struct {
	db        *sql.DB
	tracePath string
	sessions  SessionLister
	log       *logger.Logger

	mu         sync.Mutex
	lastVerify time.Time

	httpServer *http.Server
}

// New creates a dashboard server over a read-only database connection.
func New(roDB *sql.DB, tracePath string, sessions SessionLister, log *logger.Logger) *Server {
	return &Server{db: roDB, tracePath: tracePath, sessions: sessions, log: log}
}

// Start binds addr and serves until the context ends. Non-loopback
// addresses are refused outright.
func (s *Server) Start(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid dashboard address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("dashboard must bind a loopback address, got %q", host)
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard listen failed: %w", err)
	}
	s.log.Info("dashboard listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	{
		api.GET("/sessions", s.handleSessions)
		api.GET("/sessions/:id/prompts", s.handleSessionPrompts)
		api.GET("/audit", s.handleAuditTail)
		api.GET("/trace", s.handleTraceTail)
		api.POST("/integrity/verify", s.handleVerify)
	}
	return router
}

// handleSessions lists sessions: live ones when a manager is attached,
// otherwise persisted rows.
func (s *Server) handleSessions(c *gin.Context) {
	if s.sessions != nil {
		c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.ListJSON()})
		return
	}
	rows, err := s.db.Query(`
		SELECT session_id, tool, cwd, status, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT 100`)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read sessions"})
		return
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]gin.H, 0)
	for rows.Next() {
		var id, tool, cwd, status, createdAt, updatedAt string
		if err := rows.Scan(&id, &tool, &cwd, &status, &createdAt, &updatedAt); err != nil {
			continue
		}
		sessions = append(sessions, gin.H{
			"session_id": id, "tool": tool, "cwd": cwd, "status": status,
			"created_at": createdAt, "updated_at": updatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleSessionPrompts lists a session's prompts, excerpts redacted.
func (s *Server) handleSessionPrompts(c *gin.Context) {
	rows, err := s.db.Query(`
		SELECT prompt_id, prompt_type, confidence, excerpt, state, created_at, expires_at
		FROM prompts WHERE session_id = ? ORDER BY created_at DESC LIMIT 100`,
		c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read prompts"})
		return
	}
	defer func() { _ = rows.Close() }()

	prompts := make([]gin.H, 0)
	for rows.Next() {
		var id, ptype, confidence, excerpt, state, createdAt, expiresAt string
		if err := rows.Scan(&id, &ptype, &confidence, &excerpt, &state, &createdAt, &expiresAt); err != nil {
			continue
		}
		prompts = append(prompts, gin.H{
			"prompt_id": id, "prompt_type": ptype, "confidence": confidence,
			"excerpt": redact.Redact(excerpt), "state": state,
			"created_at": createdAt, "expires_at": expiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

// handleAuditTail returns the newest audit events, payloads redacted.
func (s *Server) handleAuditTail(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 500)
	rows, err := s.db.Query(`
		SELECT id, event_type, COALESCE(session_id,''), COALESCE(prompt_id,''), payload, created_at, hash
		FROM audit_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit events"})
		return
	}
	defer func() { _ = rows.Close() }()

	events := make([]gin.H, 0)
	for rows.Next() {
		var id, eventType, sessionID, promptID, payload, createdAt, hash string
		if err := rows.Scan(&id, &eventType, &sessionID, &promptID, &payload, &createdAt, &hash); err != nil {
			continue
		}
		events = append(events, gin.H{
			"id": id, "event_type": eventType, "session_id": sessionID,
			"prompt_id": promptID, "payload": redact.Redact(payload),
			"created_at": createdAt, "hash": hash,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleTraceTail returns the newest decision-trace entries.
func (s *Server) handleTraceTail(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 500)
	entries, err := trace.Tail(s.tracePath, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read trace"})
		return
	}
	if entries == nil {
		entries = []trace.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleVerify runs audit and trace chain verification, at most once per
// cooldown window.
func (s *Server) handleVerify(c *gin.Context) {
	s.mu.Lock()
	if since := time.Since(s.lastVerify); since < verifyCooldown {
		s.mu.Unlock()
		c.Header("Retry-After", strconv.Itoa(int((verifyCooldown - since).Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "verification ran recently; try again shortly",
		})
		return
	}
	s.lastVerify = time.Now()
	s.mu.Unlock()

	auditResult, err := audit.Verify(s.db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit verification failed"})
		return
	}
	traceResult, err := trace.Verify(s.tracePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trace verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audit": auditResult,
		"trace": traceResult,
		"ok":    auditResult.OK && traceResult.OK,
	})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
