package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"zkbridge/internal/config"
)

// ConfigStore 键值配置源，由 config.DatabaseConfig 实现
type ConfigStore interface {
	ListConfigs(configType string) (map[string]string, error)
	GetConfig(configType, key string) (string, error)
	UpdateConfig(configType, key, value string) error
}

// ConfigManager 数据库配置覆盖项的查询和修改，修改在下次启动时生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{store: store, logger: logger}
}

type configUpdate struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// GetConfig 查询配置，带 key 参数时只返回单项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	configType := c.Param("type")

	key := c.Query("key")
	if key != "" {
		cm.getEntry(c, configType, key)
		return
	}

	entries, err := cm.store.ListConfigs(configType)
	if err != nil {
		respondError(c, http.StatusBadRequest, "获取配置失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config_type": configType, "configs": entries})
}

func (cm *ConfigManager) getEntry(c *gin.Context, configType, key string) {
	value, err := cm.store.GetConfig(configType, key)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		respondError(c, http.StatusNotFound, "配置不存在", err)
	case err != nil:
		respondError(c, http.StatusInternalServerError, "获取配置失败", err)
	default:
		c.JSON(http.StatusOK, gin.H{"config_type": configType, "key": key, "value": value})
	}
}

// UpdateConfig 修改一项配置，取值先按加载规则校验
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	configType := c.Param("type")

	var req configUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	if err := config.ValidateEntry(configType, req.Key, req.Value); err != nil {
		respondError(c, http.StatusBadRequest, "配置取值无效", err)
		return
	}
	if err := cm.store.UpdateConfig(configType, req.Key, req.Value); err != nil {
		respondError(c, http.StatusInternalServerError, "更新配置失败", err)
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"component":   "api",
		"config_type": configType,
		"key":         req.Key,
	}).Info("配置已更新，重启后生效")

	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功",
		"config":  gin.H{"type": configType, "key": req.Key, "value": req.Value},
	})
}

func respondError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{"error": message, "message": err.Error()})
}
