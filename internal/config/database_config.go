package config

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// 配置表
var configTables = map[string]string{
	"bridge":   "bridge_config",
	"timelock": "timelock_config",
	"dao":      "dao_config",
	"system":   "system_config",
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// Apply 用数据库中的配置覆盖 config
func (dc *DatabaseConfig) Apply(config *Config) error {
	if config.Bridge == nil {
		config.Bridge = GetDefaultConfig().Bridge
	}
	if config.Timelock == nil {
		config.Timelock = GetDefaultConfig().Timelock
	}
	if config.DAO == nil {
		config.DAO = GetDefaultConfig().DAO
	}

	if err := dc.loadBridgeConfig(config.Bridge); err != nil {
		return fmt.Errorf("加载跨链桥配置失败: %w", err)
	}
	if err := dc.loadTimelockConfig(config.Timelock); err != nil {
		return fmt.Errorf("加载时间锁配置失败: %w", err)
	}
	if err := dc.loadDAOConfig(config.DAO); err != nil {
		return fmt.Errorf("加载治理配置失败: %w", err)
	}

	relayers, err := dc.loadRelayers()
	if err != nil {
		return fmt.Errorf("加载中继者列表失败: %w", err)
	}
	if len(relayers) > 0 {
		config.Bridge.Relayers = relayers
	}
	return nil
}

// loadBridgeConfig 加载跨链桥配置
func (dc *DatabaseConfig) loadBridgeConfig(config *BridgeConfig) error {
	values, err := dc.ListConfigs("bridge")
	if err != nil {
		return err
	}

	for key, value := range values {
		switch key {
		case "local_chain_id":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				config.LocalChainID = v
			}
		case "destination_chain_id":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				config.DestinationChainID = v
			}
		case "escrow_address":
			config.EscrowAddress = value
		case "admin":
			config.Admin = value
		default:
			dc.logger.Warnf("忽略未知的跨链桥配置项: %s", key)
		}
	}
	return nil
}

// loadTimelockConfig 加载时间锁配置
func (dc *DatabaseConfig) loadTimelockConfig(config *TimelockConfig) error {
	values, err := dc.ListConfigs("timelock")
	if err != nil {
		return err
	}

	if value, ok := values["minimum_delay"]; ok {
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("无效的最小延迟 %q: %w", value, err)
		}
		config.MinimumDelay = v
	}
	if value, ok := values["executor_address"]; ok {
		config.ExecutorAddress = value
	}
	return nil
}

// loadDAOConfig 加载治理配置
func (dc *DatabaseConfig) loadDAOConfig(config *DAOConfig) error {
	values, err := dc.ListConfigs("dao")
	if err != nil {
		return err
	}

	if value, ok := values["poll_threshold"]; ok {
		config.PollThreshold = value
	}
	return nil
}

// loadRelayers 加载初始中继者列表
func (dc *DatabaseConfig) loadRelayers() ([]string, error) {
	query := `SELECT address FROM bridge_relayers WHERE is_active = true ORDER BY address`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relayers []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(address) {
			dc.logger.Warnf("忽略无效的中继者地址: %s", address)
			continue
		}
		relayers = append(relayers, address)
	}

	return relayers, rows.Err()
}

func tableFor(configType string) (string, error) {
	tableName, ok := configTables[configType]
	if !ok {
		return "", fmt.Errorf("不支持的配置类型: %s", configType)
	}
	return tableName, nil
}

// UpdateConfig 校验后写入配置
func (dc *DatabaseConfig) UpdateConfig(configType, key, value string) error {
	if err := ValidateEntry(configType, key, value); err != nil {
		return err
	}
	tableName, err := tableFor(configType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`, tableName)

	_, err = dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(configType, key string) (string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, tableName)
	var value string
	err = dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs(configType string) (map[string]string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, tableName)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
