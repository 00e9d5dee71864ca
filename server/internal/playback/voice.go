package playback

import "strings"

// Voice 是平台语音目录中的一项。
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// SelectVoice 按固定优先级挑选播报音色：
// 1. 偏好列表中的名称（先精确匹配，再不区分大小写的前缀匹配）；
// 2. 名称命中女声提示词的任一音色；
// 3. 平台标记的默认音色。
// 都没有时返回 false，由平台使用自己的默认音色。
func SelectVoice(voices []Voice, preferred []string, femaleHints []string) (Voice, bool) {
	for _, name := range preferred {
		for _, v := range voices {
			if v.Name == name {
				return v, true
			}
		}
	}
	for _, name := range preferred {
		prefix := strings.ToLower(name)
		if prefix == "" {
			continue
		}
		for _, v := range voices {
			if strings.HasPrefix(strings.ToLower(v.Name), prefix) {
				return v, true
			}
		}
	}
	for _, v := range voices {
		lower := strings.ToLower(v.Name)
		for _, hint := range femaleHints {
			if hint != "" && strings.Contains(lower, strings.ToLower(hint)) {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if v.Default {
			return v, true
		}
	}
	return Voice{}, false
}
