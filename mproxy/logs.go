package mproxy

import (
	"fmt"
	"strings"
	"time"
)

type Logger interface {
	Printf(format string, v ...any)
}

// 日志消息结构，供websocket hub推送
type LogMessage struct {
	Level   string    `json:"level"`
	Session int64     `json:"session"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// 全局日志 Channel
var LogChan = make(chan LogMessage, 1000)

// LogCollector 包装原有Logger：每条日志解析出级别和session号，
// 非阻塞发到LogChan给hub，同时照常输出到底层Logger
type LogCollector struct {
	Underlying Logger
}

func NewLogCollector(underlying Logger) *LogCollector {
	return &LogCollector{Underlying: underlying}
}

func (l *LogCollector) Printf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	level, session, payload := parseLogLine(msg)

	select {
	case LogChan <- LogMessage{
		Level:   level,
		Session: session,
		Message: payload,
		Time:    time.Now(),
	}:
	default:
		// Channel满时丢弃，不能阻塞转发主流程
	}

	l.Underlying.Printf(format, v...)
}

// parseLogLine 解析"[001] WARN: xxx"格式，提取级别和session号
func parseLogLine(msg string) (level string, session int64, payload string) {
	level = "INFO"
	payload = msg

	rest := msg
	if strings.HasPrefix(rest, "[") {
		if end := strings.IndexByte(rest, ']'); end > 1 {
			for _, c := range rest[1:end] {
				if c < '0' || c > '9' {
					session = 0
					break
				}
				session = session*10 + int64(c-'0')
			}
			rest = strings.TrimSpace(rest[end+1:])
		}
	}
	for _, lv := range []string{"ERROR", "WARN", "DEBUG", "INFO"} {
		if strings.HasPrefix(rest, lv+":") {
			level = lv
			rest = strings.TrimSpace(rest[len(lv)+1:])
			break
		}
	}
	payload = rest
	return
}
