package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// HTTPClientLogger 将 logrus 适配为 retryablehttp.LeveledLogger
// 每次请求的 Info 日志降为 Debug，避免刷屏
type HTTPClientLogger struct {
	entry *logrus.Entry
}

// NewHTTPClientLogger 创建带组件名的 HTTP 客户端日志
func NewHTTPClientLogger(logger *logrus.Logger, component string) HTTPClientLogger {
	return HTTPClientLogger{entry: logger.WithField("component", component)}
}

func (l HTTPClientLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l HTTPClientLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l HTTPClientLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l HTTPClientLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l HTTPClientLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
