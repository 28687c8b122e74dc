package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// 各客户端未显式配置 key 时回退的环境变量。
var defaultKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "CLAUDE_API_KEY",
}

// DeriveKeyFromProviderOptions 从 LLM 客户端标识与其原样 Options JSON 中提取 API Key，
// 并返回按 client+sha256(key) 构造的限流分组键。找不到 key 时返回错误。
// 解析顺序："api_key" → "api_key_env" 指向的环境变量 → 客户端默认环境变量；
// mock/flaky 未提供 api_key 时使用内置 "MOCK_DEBUG_KEY"。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		if env, ok := defaultKeyEnv[client]; ok {
			key = os.Getenv(env)
		}
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
