package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
// 事件名带作用域前缀，如 feed:connected、relay:subscribe。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"feed:connected": {
		Event:    "feed:connected",
		Required: []string{"url"},
	},
	"feed:disconnected": {
		Event:    "feed:disconnected",
		Required: []string{"url"},
	},
	"feed:reconnect_scheduled": {
		Event:    "feed:reconnect_scheduled",
		Required: []string{"attempt", "max", "delay_ms"},
	},
	"feed:subscribe": {
		Event:    "feed:subscribe",
		Required: []string{"symbols", "channels"},
	},
	"feed:unsubscribe": {
		Event:    "feed:unsubscribe",
		Required: []string{"symbols"},
	},
	"relay:client_connected": {
		Event:    "relay:client_connected",
		Required: []string{"client", "clients"},
	},
	"relay:client_closed": {
		Event:    "relay:client_closed",
		Required: []string{"client", "clients"},
	},
	"relay:subscribe": {
		Event:    "relay:subscribe",
		Required: []string{"client", "symbol", "interval"},
	},
	"relay:unsubscribe": {
		Event:    "relay:unsubscribe",
		Required: []string{"client", "symbol"},
	},
}

// Key 拼接作用域与事件名
func Key(scope, event string) string {
	return scope + ":" + event
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key；未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}
