package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadOverlay は YAML 設定ファイルを環境変数名のマップに平坦化します。
// ネストしたキーはアンダースコアで連結して大文字化します（queue.redis_url -> QUEUE_REDIS_URL）。
func loadOverlay(path string) (map[string]string, error) {
	values := map[string]string{}
	if path == "" {
		return values, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	flatten("", raw, values)
	return values, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case nil:
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}
