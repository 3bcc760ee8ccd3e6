package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// 本包基于 bytedance/sonic 提供与标准库兼容的 JSON 接口。
// 项目内所有 JSON 编解码统一经由本包，便于后续整体替换实现。

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}
