// Package server 提供缓存的管理接口：健康检查、统计、按键查看与删除、手动清理和 Prometheus 指标。
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fundcache/pkg/cache"
	"fundcache/pkg/logger"
	"fundcache/pkg/scheduler"
)

// Config 管理接口配置
type Config struct {
	Addr string `mapstructure:"addr"` // 监听地址，为空时不启动
	Mode string `mapstructure:"mode"` // debug, release, test
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JobLister 提供维护任务的状态快照
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// AdminServer 缓存管理接口
type AdminServer struct {
	config    Config
	cache     *cache.Cache
	gatherer  prometheus.Gatherer
	jobs      JobLister
	batchSize int
	log       *logrus.Entry
	server    *http.Server
}

// NewAdminServer 创建管理接口。gatherer 为空时不注册 /metrics。
func NewAdminServer(config Config, c *cache.Cache, gatherer prometheus.Gatherer, sweepBatchSize int) *AdminServer {
	return &AdminServer{
		config:    config,
		cache:     c,
		gatherer:  gatherer,
		batchSize: sweepBatchSize,
		log:       logger.WithComponent("AdminServer"),
	}
}

// WithJobs 暴露 /jobs，返回 s 便于链式调用
func (s *AdminServer) WithJobs(jobs JobLister) *AdminServer {
	s.jobs = jobs
	return s
}

// Router 构建路由
func (s *AdminServer) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.healthCheck)
	router.GET("/stats", s.getStats)

	entries := router.Group("/cache")
	{
		entries.GET("/:key", s.getEntry)
		entries.HEAD("/:key", s.headEntry)
		entries.DELETE("/:key", s.removeEntry)
		entries.DELETE("", s.clear)
	}

	lists := router.Group("/lists")
	{
		lists.GET("/:key", s.getRange)
		lists.GET("/:key/info", s.getListInfo)
	}

	router.POST("/sweep", s.sweep)

	if s.jobs != nil {
		router.GET("/jobs", s.listJobs)
	}

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

// Start 在后台启动 HTTP 服务
func (s *AdminServer) Start() error {
	if s.config.Mode != "" {
		gin.SetMode(s.config.Mode)
	}

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", s.config.Addr).Info("启动缓存管理接口")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("管理接口异常退出")
		}
	}()
	return nil
}

// Stop 优雅关闭
func (s *AdminServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("处理请求")
	}
}

func (s *AdminServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (s *AdminServer) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats(c.Request.Context()))
}

func (s *AdminServer) getEntry(c *gin.Context) {
	key := c.Param("key")
	var raw jsoniter.RawMessage
	if !s.cache.Get(c.Request.Context(), key, &raw) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "缓存中没有该键: " + key})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (s *AdminServer) headEntry(c *gin.Context) {
	if !s.cache.ContainsKey(c.Request.Context(), c.Param("key")) {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

func (s *AdminServer) removeEntry(c *gin.Context) {
	s.cache.Remove(c.Request.Context(), c.Param("key"))
	c.Status(http.StatusNoContent)
}

func (s *AdminServer) clear(c *gin.Context) {
	s.cache.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (s *AdminServer) getRange(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "offset 必须是整数"})
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "limit 必须是整数"})
		return
	}

	key := c.Param("key")
	items, ok := cache.GetRange[jsoniter.RawMessage](c.Request.Context(), s.cache, key, offset, limit)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "缓存中没有该分页列表: " + key})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":    key,
		"offset": offset,
		"count":  len(items),
		"items":  items,
	})
}

func (s *AdminServer) getListInfo(c *gin.Context) {
	key := c.Param("key")
	meta, ok := s.cache.ListInfo(c.Request.Context(), key)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "缓存中没有该分页列表: " + key})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *AdminServer) sweep(c *gin.Context) {
	batchSize, err := queryInt(c, "batch_size", s.batchSize)
	if err != nil || batchSize < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "batch_size 必须是非负整数"})
		return
	}
	result := s.cache.CleanupExpired(c.Request.Context(), batchSize)
	c.JSON(http.StatusOK, result)
}

func (s *AdminServer) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.Jobs()})
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
