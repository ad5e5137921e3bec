package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志查询条件，空字段不过滤
type LogFilter struct {
	Level     string
	Component string
}

func (f LogFilter) match(e *LogEntry) bool {
	return (f.Level == "" || e.Level == f.Level) &&
		(f.Component == "" || e.Component == f.Component)
}

// LogManager 环形缓冲保存最近的日志，写满后覆盖最旧的
type LogManager struct {
	mu    sync.RWMutex
	ring  []LogEntry
	next  int
	count int
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{ring: make([]LogEntry, maxLogs)}
}

// AddLog 记录一条 logrus 日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	e := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    make(map[string]interface{}, len(entry.Data)),
	}
	for k, v := range entry.Data {
		switch val := v.(type) {
		case error:
			// error 直接序列化会变成空对象
			e.Fields[k] = val.Error()
		default:
			e.Fields[k] = v
		}
	}
	if component, ok := entry.Data["component"].(string); ok {
		e.Component = component
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.ring[lm.next] = e
	lm.next = (lm.next + 1) % len(lm.ring)
	if lm.count < len(lm.ring) {
		lm.count++
	}
}

// GetLogsWithPagination 按条件分页查询，最新的在前
func (lm *LogManager) GetLogsWithPagination(filter LogFilter, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	matched := make([]LogEntry, 0, lm.count)
	for i := 1; i <= lm.count; i++ {
		e := &lm.ring[(lm.next-i+len(lm.ring))%len(lm.ring)]
		if filter.match(e) {
			matched = append(matched, *e)
		}
	}
	lm.mu.RUnlock()

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	return matched[start:min(start+pageSize, total)], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	clear(lm.ring)
	lm.next, lm.count = 0, 0
}

// LogHook 把日志写入 LogManager 的 logrus 钩子
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 调试级别的请求日志不进入缓存
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels[:logrus.InfoLevel+1]
}
