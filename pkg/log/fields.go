package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameUserID    = "userID"
	FieldNameSessionID = "sessionID"
	FieldNameChannelID = "channelID"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldUserID 返回一个包含用户标识的 zap 字段。
func FieldUserID(userID string) zap.Field {
	return zap.String(FieldNameUserID, userID)
}

// FieldSessionID 返回一个包含访问会话标识的 zap 字段。
func FieldSessionID(sessionID string) zap.Field {
	return zap.String(FieldNameSessionID, sessionID)
}

// FieldChannelID 返回一个包含长连接通道标识的 zap 字段。
func FieldChannelID(channelID string) zap.Field {
	return zap.String(FieldNameChannelID, channelID)
}

// FieldMessage 返回一个包含消息对象的 zap 字段。
func FieldMessage(msg zapcore.ObjectMarshaler) zap.Field {
	return zap.Object("message", msg)
}
