package logutil

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/blog-garden-go/pkg/log"
)

const (
	logLevelHeaderKey        = "X-Log-Level"
	clientRequestIDHeaderKey = "X-Client-Request-Id"
	clientRequestMsecHeader  = "X-Client-Request-Msec"
)

// TraceLoggerMiddleware 在每个 HTTP 请求的上下文中注入带 Trace 信息的 Logger。
//
// 客户端可通过以下请求头影响本次请求的日志行为：
//   - X-Log-Level：临时调整该请求的日志级别（debug/info/warn/error/fatal）；
//   - X-Client-Request-Id：客户端请求标识；若为合法的 TraceID 十六进制
//     编码则直接作为 TraceID，否则以普通字段记录；
//   - X-Client-Request-Msec：客户端发起请求的毫秒时间戳，用于粗略观测
//     客户端到服务端的时延。
func TraceLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withLevelAndTrace(r.Context(), r)))
	})
}

func withLevelAndTrace(ctx context.Context, r *http.Request) context.Context {
	newctx := ctx
	var traceID trace.TraceID

	// 解析客户端传入的日志级别。
	if levelText := r.Header.Get(logLevelHeaderKey); levelText != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(levelText)); err == nil {
			switch level {
			case zapcore.DebugLevel:
				newctx = log.WithDebugLevel(newctx)
			case zapcore.InfoLevel:
				newctx = log.WithInfoLevel(newctx)
			case zapcore.WarnLevel:
				newctx = log.WithWarnLevel(newctx)
			case zapcore.ErrorLevel:
				newctx = log.WithErrorLevel(newctx)
			case zapcore.FatalLevel:
				newctx = log.WithFatalLevel(newctx)
			}
		}
	}

	// 客户端请求 ID。
	if requestID := r.Header.Get(clientRequestIDHeaderKey); requestID != "" {
		var err error
		// 如果 request id 是合法的 TraceID，则直接使用该 TraceID。
		traceID, err = trace.TraceIDFromHex(requestID)
		if err != nil {
			// 如果不是合法的 TraceID，则以普通字段形式记录请求 ID。
			newctx = log.WithFields(newctx, zap.String("clientRequestID", requestID))
		}
	}

	// 解析客户端请求的时间戳（毫秒）。
	if requestUnixmsec, ok := getClientReqUnixmsec(r); ok {
		newctx = log.WithFields(newctx, zap.Int64("clientRequestUnixmsec", requestUnixmsec))
	}

	// 如果当前 TraceID 不合法，则从上下文中获取已有的 TraceID。
	if !traceID.IsValid() {
		traceID = trace.SpanContextFromContext(newctx).TraceID()
	}
	if traceID.IsValid() {
		newctx = log.WithTraceID(newctx, traceID.String())
	}
	return newctx
}

func getClientReqUnixmsec(r *http.Request) (int64, bool) {
	raw := r.Header.Get(clientRequestMsecHeader)
	if raw == "" {
		return -1, false
	}
	requestUnixmsec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1, false
	}
	return requestUnixmsec, true
}
