// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case zeusError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// IsRetryableErr 判断给定错误是否被标记为可重试。
// 与 Code 一样先取根因，经 WrapErr* 包装后的错误同样生效。
func IsRetryableErr(err error) bool {
	if cause, ok := errors.Cause(err).(zeusError); ok {
		return cause.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// wrapFields 将键值对拼接到错误消息中，格式为 key=value[, key=value]。
func wrapFields(err error, fields ...value) error {
	if len(fields) == 0 {
		return err
	}
	kvs := make([]string, 0, len(fields))
	for _, field := range fields {
		kvs = append(kvs, fmt.Sprintf("%s=%v", field.key, field.val))
	}
	return errors.Wrapf(err, "%s", strings.Join(kvs, ", "))
}

type value struct {
	key string
	val any
}

func kv(key string, val any) value {
	return value{key: key, val: val}
}

// Session related

func WrapErrSessionNotFound(userID, sessionID string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, kv("userID", userID), kv("sessionID", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionMalformed(userID, key string, msg ...string) error {
	err := wrapFields(ErrSessionMalformed, kv("userID", userID), kv("key", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Channel related

func WrapErrChannelNotFound(channelID string, msg ...string) error {
	err := wrapFields(ErrChannelNotFound, kv("channelID", channelID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrChannelUnauthorized(channelID string, msg ...string) error {
	err := wrapFields(ErrChannelUnauthorized, kv("channelID", channelID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrChannelSendFailed(channelID, event string, msg ...string) error {
	err := wrapFields(ErrChannelSendFailed, kv("channelID", channelID), kv("event", event))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// User related

func WrapErrUserNotFound(userID string, msg ...string) error {
	err := wrapFields(ErrUserNotFound, kv("userID", userID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Build related

func WrapErrBuildInProgress(buildID string, msg ...string) error {
	err := wrapFields(ErrBuildInProgress, kv("buildID", buildID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrBuildFailed(command string, cause error, msg ...string) error {
	err := wrapFields(ErrBuildFailed, kv("command", command), kv("cause", cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Io related

func WrapErrIoFailed(key string, cause error, msg ...string) error {
	if cause == nil {
		return nil
	}
	err := wrapFields(ErrIoFailed, kv("key", key), kv("cause", cause))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter related

func WrapErrParameterMissing(name string, msg ...string) error {
	err := wrapFields(ErrParameterMissing, kv("name", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid, kv("expected", expected), kv("actual", actual))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Config related

func WrapErrConfigInvalid(key, value string, msg ...string) error {
	err := wrapFields(ErrConfigInvalid, kv("key", key), kv("value", value))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}
