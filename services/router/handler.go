package router

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the router over HTTP.
type Handler struct {
	router *Router
	logger *slog.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(r *Router, logger *slog.Logger) *Handler {
	return &Handler{router: r, logger: logger.With("component", "http")}
}

// Register mounts the API routes on a gin engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.GET("/healthz", h.health)

	v1 := engine.Group("/v1")
	{
		v1.POST("/chat", h.chat)
		v1.POST("/chat/stream", h.chatStream)
		v1.GET("/providers", h.providers)
		v1.POST("/providers/:id/breaker/reset", h.resetBreaker)
		v1.GET("/budgets", h.budgets)
		v1.GET("/streams", h.streams)
		v1.DELETE("/streams/:id", h.cancelStream)
		v1.GET("/events", h.events)
		v1.GET("/decisions", h.decisions)
	}
}

// httpStatusFor maps a router error kind to an HTTP status.
func httpStatusFor(kind Kind) int {
	switch kind {
	case KindBudgetExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoProvidersAvailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCapabilityUnsupported, KindNotConfigured:
		return http.StatusBadRequest
	case KindStreamCanceled:
		return 499 // client closed request
	default:
		return http.StatusBadGateway
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Kind     string         `json:"kind"`
	Message  string         `json:"message"`
	Provider string         `json:"provider,omitempty"`
	Decision *RouteDecision `json:"decision,omitempty"`
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var re *Error
	if !errors.As(err, &re) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody{Kind: "unknown", Message: err.Error()}})
		return
	}
	c.JSON(httpStatusFor(re.Kind), gin.H{"error": errorBody{
		Kind:     re.Kind.String(),
		Message:  re.Error(),
		Provider: re.Provider,
		Decision: re.Decision,
	}})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// chat handles a non-streaming completion.
func (h *Handler) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{Kind: "invalid_request", Message: err.Error()}})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{Kind: "invalid_request", Message: "messages must not be empty"}})
		return
	}

	resp, decision, err := h.router.Route(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("route failed", "request_id", decision.ID, "error", err)
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": resp, "decision": decision})
}

// chatStream handles a streaming completion over SSE. Client disconnects
// cancel the session; the provider connection is released promptly.
func (h *Handler) chatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{Kind: "invalid_request", Message: err.Error()}})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{Kind: "invalid_request", Message: "messages must not be empty"}})
		return
	}

	session, err := h.router.RouteStream(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer session.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Stream-ID", session.ID())
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			session.Cancel()
			return
		case chunk, ok := <-session.Chunks():
			if !ok {
				writeSSE(c.Writer, "done", gin.H{"stream_id": session.ID()})
				return
			}
			if chunk.Err != nil {
				var re *Error
				body := errorBody{Kind: "unknown", Message: chunk.Err.Error()}
				if errors.As(chunk.Err, &re) {
					body = errorBody{Kind: re.Kind.String(), Message: re.Error(), Provider: re.Provider, Decision: re.Decision}
				}
				writeSSE(c.Writer, "error", body)
				return
			}
			writeSSE(c.Writer, "chunk", chunk)
		}
	}
}

// writeSSE writes one SSE event and flushes.
func writeSSE(w gin.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	io.WriteString(w, "event: "+event+"\n")
	io.WriteString(w, "data: "+string(data)+"\n\n")
	w.Flush()
}

func (h *Handler) providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.router.ProviderStatuses()})
}

func (h *Handler) resetBreaker(c *gin.Context) {
	id := c.Param("id")
	if !h.router.ResetBreaker(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Kind: "not_configured", Message: "unknown provider " + id}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": id, "breaker": BreakerClosed.String()})
}

func (h *Handler) budgets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"budgets": h.router.BudgetStatuses()})
}

func (h *Handler) streams(c *gin.Context) {
	ids := h.router.ActiveStreams()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"streams": ids})
}

func (h *Handler) cancelStream(c *gin.Context) {
	id := c.Param("id")
	if !h.router.CancelStream(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Kind: "unknown", Message: "no active stream " + id}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": id, "canceled": true})
}

func (h *Handler) events(c *gin.Context) {
	if h.router.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Kind: "unknown", Message: "audit store not configured"}})
		return
	}
	events, err := h.router.store.RecentEvents(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody{Kind: "unknown", Message: err.Error()}})
		return
	}
	if events == nil {
		events = []Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) decisions(c *gin.Context) {
	if h.router.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Kind: "unknown", Message: "audit store not configured"}})
		return
	}
	decisions, err := h.router.store.RecentDecisions(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody{Kind: "unknown", Message: err.Error()}})
		return
	}
	if decisions == nil {
		decisions = []RouteDecision{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
