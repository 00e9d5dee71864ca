package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"helpnow/server/internal/model"
)

var (
	ErrNotFound     = errors.New("scenario not found")
	ErrEmptyCatalog = errors.New("scenario catalog is empty")
)

// Entry 是场景库中的一项：场景本身加上用于规则匹配的关键词。
type Entry struct {
	model.EmergencyScenario `yaml:",inline"`
	Keywords                []string `json:"keywords,omitempty" yaml:"keywords"`
}

// Catalog 是只读的场景库，加载后不再修改，可并发读取。
type Catalog struct {
	entries []Entry
	intn    func(n int) int
}

// NewCatalog 校验并创建场景库。
func NewCatalog(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyCatalog
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate scenario id: %s", e.ID)
		}
		seen[e.ID] = true
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return &Catalog{entries: out, intn: rand.IntN}, nil
}

// WithRand 替换随机源，测试用。
func (c *Catalog) WithRand(intn func(n int) int) *Catalog {
	c.intn = intn
	return c
}

// LoadCatalog 从 YAML 或 JSON 文件加载场景库（按扩展名区分）。
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &entries)
	default:
		err = yaml.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	return NewCatalog(entries)
}

// All 返回全部场景（副本）。
func (c *Catalog) All() []model.EmergencyScenario {
	out := make([]model.EmergencyScenario, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Clone())
	}
	return out
}

// Find 按 ID 查找场景。
func (c *Catalog) Find(id string) (model.EmergencyScenario, error) {
	for _, e := range c.entries {
		if e.ID == id {
			return e.Clone(), nil
		}
	}
	return model.EmergencyScenario{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// PickRandom 等概率返回一个场景。
func (c *Catalog) PickRandom() model.EmergencyScenario {
	return c.entries[c.intn(len(c.entries))].Clone()
}

// Match 按关键词命中数挑选最相关的场景，命中数相同取靠前的。
// 一个关键词都没命中时返回 false。
func (c *Catalog) Match(query string) (model.EmergencyScenario, bool) {
	q := strings.ToLower(query)
	best, bestScore := -1, 0
	for i, e := range c.entries {
		score := 0
		for _, kw := range e.Keywords {
			if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return model.EmergencyScenario{}, false
	}
	return c.entries[best].Clone(), true
}
