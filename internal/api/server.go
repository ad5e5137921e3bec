package api

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
	"zkbridge/internal/decoder"
	"zkbridge/internal/errors"
	"zkbridge/internal/replay"
	"zkbridge/internal/validation"
	"zkbridge/pkg/models"
)

// BridgeReader L1 控制器的只读查询
type BridgeReader interface {
	ClaimableOf(ctx context.Context, user common.Address) (*uint256.Int, error)
	LedgerTotals(ctx context.Context) (*models.LedgerTotals, error)
	Relayers(ctx context.Context) ([]common.Address, error)
	Seen(ctx context.Context, ns replay.Namespace, h common.Hash) (bool, error)
}

// TimelockReader 时间锁的只读查询
type TimelockReader interface {
	GetAction(ctx context.Context, id common.Hash) (*models.TimelockAction, error)
	ListPending(ctx context.Context) iter.Seq2[common.Hash, error]
	MinimumDelay(ctx context.Context) (uint64, error)
}

// GovernanceReader 治理的只读查询
type GovernanceReader interface {
	GetProposal(ctx context.Context, id uint64) (*models.Proposal, error)
	Proposals(ctx context.Context) ([]*models.Proposal, error)
}

// PayloadDecoder 时间锁载荷解码
type PayloadDecoder interface {
	Decode(ctx context.Context, payload []byte) (*decoder.DecodedPayload, bool)
}

// HealthChecker 外部依赖健康状态
type HealthChecker interface {
	IsHealthy() bool
	GetStats() map[string]interface{}
}

// Services 查询接口依赖的组件，未配置的组件对应路由不注册
type Services struct {
	Bridge     BridgeReader
	Timelock   TimelockReader
	Governance GovernanceReader
	Decoder    PayloadDecoder
	Chain      HealthChecker
	Metrics    http.Handler
	Config     *ConfigManager
}

// Server 只读查询 API 服务器
type Server struct {
	cfg        *config.APIConfig
	services   Services
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	startedAt  time.Time
}

// NewServer 创建 API 服务器，并把日志钩子挂到 logger 上
func NewServer(cfg *config.APIConfig, services Services, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000) // 最多保存1000条日志
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		cfg:        cfg,
		services:   services,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	if s.cfg.EnableCORS {
		router.Use(cors())
	}
	s.setupRoutes(router)
	return router
}

// Start 启动 API 服务器，阻塞直到 Stop
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API服务器运行失败: %w", err)
	}
	return nil
}

// Stop 停止 API 服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 logrus 记录请求，替代 gin 默认的标准输出日志
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
		}).Debug("API请求")
	}
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.services.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.services.Metrics))
	}

	api := router.Group("/api/v1")
	if s.services.Bridge != nil {
		api.GET("/bridge/claimable/:user", s.getClaimable)
		api.GET("/bridge/totals", s.getTotals)
		api.GET("/bridge/relayers", s.getRelayers)
		api.GET("/bridge/seen/:kind/:hash", s.getSeen)
	}
	if s.services.Timelock != nil {
		api.GET("/timelock/actions/:id", s.getAction)
		api.GET("/timelock/pending", s.getPending)
		api.GET("/timelock/min-delay", s.getMinimumDelay)
	}
	if s.services.Governance != nil {
		api.GET("/dao/proposals", s.getProposals)
		api.GET("/dao/proposals/:id", s.getProposal)
	}

	api.GET("/logs", s.getLogs)
	api.DELETE("/logs", s.clearLogs)

	if s.services.Config != nil {
		api.GET("/config/:type", s.services.Config.GetConfig)
		api.PUT("/config/:type", s.services.Config.UpdateConfig)
	}
}

// healthCheck 健康检查，L1 节点不可用时返回 503
func (s *Server) healthCheck(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).String(),
		"service":   "zkbridge-api",
	}
	if s.services.Chain != nil {
		body["chain"] = s.services.Chain.GetStats()
		if !s.services.Chain.IsHealthy() {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *Server) getClaimable(c *gin.Context) {
	user, err := validation.ParseAddress(c.Param("user"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	amount, err := s.services.Bridge.ClaimableOf(c.Request.Context(), user)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":      user.Hex(),
		"claimable": amount.Dec(),
	})
}

func (s *Server) getTotals(c *gin.Context) {
	totals, err := s.services.Bridge.LedgerTotals(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals.ToKafkaMessage())
}

func (s *Server) getRelayers(c *gin.Context) {
	relayers, err := s.services.Bridge.Relayers(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	list := make([]string, 0, len(relayers))
	for _, r := range relayers {
		list = append(list, r.Hex())
	}
	c.JSON(http.StatusOK, gin.H{
		"relayers": list,
		"total":    len(list),
	})
}

func (s *Server) getSeen(c *gin.Context) {
	var ns replay.Namespace
	switch c.Param("kind") {
	case "proofs":
		ns = replay.Proofs
	case "commitments":
		ns = replay.Commitments
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的重放类型", "message": c.Param("kind")})
		return
	}
	h, err := validation.ParseHash(c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	seen, err := s.services.Bridge.Seen(c.Request.Context(), ns, h)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"kind": c.Param("kind"),
		"hash": h.Hex(),
		"seen": seen,
	})
}

func (s *Server) getAction(c *gin.Context) {
	id, err := validation.ParseHash(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	action, err := s.services.Timelock.GetAction(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := action.ToKafkaMessage()
	if s.services.Decoder != nil {
		if decoded, ok := s.services.Decoder.Decode(c.Request.Context(), action.Payload); ok {
			body["decoded"] = decoded
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getPending(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ids := make([]string, 0)
	truncated := false
	for id, err := range s.services.Timelock.ListPending(c.Request.Context()) {
		if err != nil {
			s.writeError(c, err)
			return
		}
		if len(ids) == limit {
			truncated = true
			break
		}
		ids = append(ids, id.Hex())
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":   ids,
		"total":     len(ids),
		"truncated": truncated,
	})
}

func (s *Server) getMinimumDelay(c *gin.Context) {
	delay, err := s.services.Timelock.MinimumDelay(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"minimum_delay": delay})
}

func (s *Server) getProposals(c *gin.Context) {
	proposals, err := s.services.Governance.Proposals(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	list := make([]map[string]interface{}, 0, len(proposals))
	for _, p := range proposals {
		list = append(list, p.ToKafkaMessage())
	}
	c.JSON(http.StatusOK, gin.H{
		"proposals": list,
		"total":     len(list),
	})
}

func (s *Server) getProposal(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "提案ID无效", "message": err.Error()})
		return
	}
	proposal, err := s.services.Governance.GetProposal(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proposal.ToKafkaMessage())
}

// getLogs 分页获取日志，可按级别和组件过滤
func (s *Server) getLogs(c *gin.Context) {
	filter := LogFilter{Level: c.Query("level"), Component: c.Query("component")}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(filter, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":      logs,
		"total":     total,
		"page":      page,
		"pageSize":  pageSize,
		"level":     filter.Level,
		"component": filter.Component,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// writeError 按错误类型映射 HTTP 状态码
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	if bridgeErr, ok := errors.AsBridgeError(err); ok {
		body["code"] = bridgeErr.Code
		switch bridgeErr.Type {
		case errors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case errors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrorTypeAuthorization:
			status = http.StatusForbidden
		case errors.ErrorTypeStateConflict:
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.WithField("component", "api").WithError(err).Error("查询失败")
	}
	c.JSON(status, body)
}
