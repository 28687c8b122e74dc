package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"llmcorrupt/pkg/contract"
	anth "llmcorrupt/plugins/llmclient/anthropic"
	flaky "llmcorrupt/plugins/llmclient/flaky"
	mock "llmcorrupt/plugins/llmclient/mock"
	oai "llmcorrupt/plugins/llmclient/openai"
	jfs "llmcorrupt/plugins/store/jsonfs"
	ss3 "llmcorrupt/plugins/store/s3"
	sqlt "llmcorrupt/plugins/store/sqlite"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.StructuredClient, error)

// NewStore 工厂签名：接收原样 JSON Options；远端存储在构造时可能发起请求，故携带 ctx。
type NewStore func(ctx context.Context, raw json.RawMessage) (contract.Store, error)

// LLMClient 工厂注册表（显式、零反射）。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.StructuredClient, error) {
		var opts oai.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return oai.New(raw)
	},
	"anthropic": func(raw json.RawMessage) (contract.StructuredClient, error) {
		var opts anth.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return anth.New(raw)
	},
	"mock": func(raw json.RawMessage) (contract.StructuredClient, error) {
		var opts mock.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return mock.New(raw)
	},
	"flaky": func(raw json.RawMessage) (contract.StructuredClient, error) { return flaky.New(raw) },
}

// Store 工厂注册表。
var Store = map[string]NewStore{
	// jsonfs: 本地目录，每个文档一个 JSON 文件（原子替换可配置）
	"jsonfs": func(_ context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts jfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return jfs.New(&opts)
	},
	// sqlite: 单文件数据库，documents 表按名 upsert
	"sqlite": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts sqlt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sqlt.Open(ctx, &opts)
	},
	// s3: 对象存储（支持自定义 endpoint）
	"s3": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts ss3.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ss3.New(ctx, &opts)
	},
}
