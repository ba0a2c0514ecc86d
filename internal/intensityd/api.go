package intensityd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"trading-intensity/internal/intensity"
	"trading-intensity/internal/logger"
	"trading-intensity/internal/model"
)

const maxHistory = 1000

// Router builds the HTTP API.
//
//	GET  /healthz                          dependency health
//	GET  /metrics                          Prometheus metrics
//	GET  /ws                               WebSocket result stream
//	GET  /v1/intensity                     latest result of every instrument
//	GET  /v1/intensity/:exchange/:token    latest result, ?history=N for archived results
//	GET  /v1/intensity/:exchange/:token/stats
//	GET  /v1/replay/:exchange/:token       buffered WS envelopes, ?from=&to= sequence range
//	POST /v1/intensity/peek                live preview for a posted book
//	POST /reload                           partial indicator config update
func (svc *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), svc.requestLogger())

	r.GET("/healthz", gin.WrapH(svc.health))
	r.GET("/metrics", gin.WrapH(svc.prom.Handler()))
	r.GET("/ws", gin.WrapF(svc.hub.ServeWS))

	v1 := r.Group("/v1/intensity")
	v1.GET("", svc.handleLatestAll)
	v1.GET("/:exchange/:token", svc.handleLatest)
	v1.GET("/:exchange/:token/stats", svc.handleStats)
	v1.POST("/peek", svc.handlePeek)
	r.GET("/v1/replay/:exchange/:token", svc.handleReplay)

	r.POST("/reload", svc.handleReload)
	return r
}

// requestLogger tags each request with a trace id and logs it once served.
func (svc *Service) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := logger.WithTraceID(c.Request.Context(), uuid.NewString())
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		fields := append(logger.LogWithTrace(ctx),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
		if len(c.Errors) > 0 {
			svc.logger.Warn("request error", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		svc.logger.Debug("request", fields...)
	}
}

func (svc *Service) handleLatestAll(c *gin.Context) {
	all := svc.latestAll()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]model.IntensityResult, 0, len(keys))
	for _, k := range keys {
		results = append(results, all[k])
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (svc *Service) handleLatest(c *gin.Context) {
	exchange, token := c.Param("exchange"), c.Param("token")
	key := exchange + ":" + token

	if raw := c.Query("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistory {
			c.JSON(http.StatusBadRequest, gin.H{"error": "history must be between 1 and " + strconv.Itoa(maxHistory)})
			return
		}
		if svc.history == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result history unavailable"})
			return
		}
		results, err := svc.history.ReadResults(exchange, token, n)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "results": results})
		return
	}

	res, ok := svc.latestResult(key)
	if ok {
		c.JSON(http.StatusOK, res)
		return
	}
	if svc.persisted != nil {
		data, err := svc.persisted.ReadLatest(c.Request.Context(), exchange, token)
		if err != nil {
			_ = c.Error(err)
		} else if data != nil {
			c.Data(http.StatusOK, "application/json; charset=utf-8", data)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no estimate for " + key})
}

// handleReplay serves buffered WebSocket envelopes so clients can fill
// sequence gaps. Without a range the newest 100 are returned.
func (svc *Service) handleReplay(c *gin.Context) {
	res := model.IntensityResult{Exchange: c.Param("exchange"), Token: c.Param("token")}
	channel := res.PubSubChannel()
	seq := svc.hub.GetChannelSeq(channel)

	to, err := queryInt(c, "to", seq)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, err := queryInt(c, "from", to-99)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if from < 1 {
		from = 1
	}

	raw := svc.hub.GetReplayRange(channel, from, to)
	msgs := make([]json.RawMessage, len(raw))
	for i, m := range raw {
		msgs[i] = m
	}
	c.JSON(http.StatusOK, gin.H{"channel": channel, "seq": seq, "messages": msgs})
}

func queryInt(c *gin.Context, name string, def int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func (svc *Service) handleStats(c *gin.Context) {
	key := c.Param("exchange") + ":" + c.Param("token")

	svc.engineMu.Lock()
	stats, ok := svc.engine.Stats(key)
	svc.engineMu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument " + key})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "stats": stats})
}

func (svc *Service) handlePeek(c *gin.Context) {
	var book model.BookSnapshot
	if err := c.ShouldBindJSON(&book); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	res, ok := svc.peek(c.Request.Context(), book)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no preview for " + book.Key()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (svc *Service) handleReload(c *gin.Context) {
	var req ReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	res, err := svc.applyReload(req)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, intensity.ErrInvalidConfig) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"config":    res.Config,
		"preserved": res.Preserved,
		"rebuilt":   res.Rebuilt,
	})
}
