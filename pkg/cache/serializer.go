package cache

import (
	jsoniter "github.com/json-iterator/go"
)

// Serializer 定义了对象和字节流之间相互转换的接口。
// 分页列表的整体读取依赖 JSON 数组语义，所以实现需要产出 JSON 兼容的编码。
type Serializer interface {
	// Marshal 将任意对象序列化为字节数组。
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal 将字节数组反序列化为目标对象。
	Unmarshal(data []byte, v interface{}) error
	// Name 返回序列化器名称，写入条目信封以便排查。
	Name() string
}

// JSONSerializer 基于 json-iterator 的 JSON 序列化器，行为与标准库一致
type JSONSerializer struct {
	api jsoniter.API
}

// NewJSONSerializer 创建 JSON 序列化器
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (s *JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return s.api.Marshal(v)
}

func (s *JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return s.api.Unmarshal(data, v)
}

func (s *JSONSerializer) Name() string {
	return "json"
}

// envelope 是持久层记录（条目信封、分片、元数据）使用的固定编码，
// 与用户可替换的 Serializer 无关，保证跨版本的存储布局稳定。
var envelope = jsoniter.ConfigCompatibleWithStandardLibrary

var _ Serializer = (*JSONSerializer)(nil)
