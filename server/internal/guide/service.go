package guide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"helpnow/server/internal/config"
	"helpnow/server/internal/llm"
	"helpnow/server/internal/model"
)

var ErrEmptyQuery = errors.New("query is required")

// Source 表示一次生成结果的来源。
type Source string

const (
	SourceLLM    Source = "llm"
	SourceMatch  Source = "catalog"
	SourceRandom Source = "random"
)

const defaultMaxSteps = 8

// Catalog 是规则降级用的场景库。
type Catalog interface {
	Match(query string) (model.EmergencyScenario, bool)
	PickRandom() model.EmergencyScenario
}

// Service 处理 POST /api/guide：优先让 LLM 生成场景，失败时降级到场景库。
type Service struct {
	catalog  Catalog
	llm      llm.Client
	maxSteps int
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewService 创建指引服务。client 为 nil 或配置未启用 LLM 时只走场景库。
func NewService(catalog Catalog, client llm.Client, cfg config.GuideConfig, logger zerolog.Logger) *Service {
	if !cfg.EnableLLM {
		client = nil
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Service{
		catalog:  catalog,
		llm:      client,
		maxSteps: maxSteps,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Generate 根据用户描述返回一个急救场景。
func (s *Service) Generate(ctx context.Context, query string) (model.EmergencyScenario, error) {
	sc, _, err := s.GenerateWithSource(ctx, query)
	return sc, err
}

// GenerateWithSource 同 Generate，额外返回结果来源。
func (s *Service) GenerateWithSource(ctx context.Context, query string) (model.EmergencyScenario, Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return model.EmergencyScenario{}, "", ErrEmptyQuery
	}

	if s.llm != nil {
		sc, err := s.generateLLM(ctx, query)
		if err == nil {
			s.logger.Info().Str("scenario", sc.ID).Int("steps", len(sc.Steps)).Msg("guidance generated by llm")
			return sc, SourceLLM, nil
		}
		// 调用方已经放弃时不再降级
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.EmergencyScenario{}, "", ctxErr
		}
		s.logger.Warn().Err(err).Msg("llm guidance failed, falling back to catalog")
	}

	if sc, ok := s.catalog.Match(query); ok {
		s.logger.Info().Str("scenario", sc.ID).Msg("guidance matched from catalog")
		return sc, SourceMatch, nil
	}
	sc := s.catalog.PickRandom()
	s.logger.Info().Str("scenario", sc.ID).Msg("no catalog match, picked random scenario")
	return sc, SourceRandom, nil
}

func (s *Service) generateLLM(ctx context.Context, query string) (model.EmergencyScenario, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	response, err := s.llm.Complete(ctx, buildMessages(query, s.maxSteps), scenarioSchema(s.maxSteps))
	if err != nil {
		return model.EmergencyScenario{}, fmt.Errorf("LLM complete: %w", err)
	}
	return parseScenario(response, s.maxSteps)
}

// parseScenario 解析并规范化 LLM 输出：
// 步骤 ID 重排为 1..n，未知类型按 info 处理，空指令丢弃，超过 maxSteps 截断。
func parseScenario(raw string, maxSteps int) (model.EmergencyScenario, error) {
	var data struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Steps []struct {
			Instruction string `json:"instruction"`
			Type        string `json:"type"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &data); err != nil {
		return model.EmergencyScenario{}, fmt.Errorf("unmarshal LLM response: %w", err)
	}

	sc := model.EmergencyScenario{
		ID:    strings.TrimSpace(data.ID),
		Title: strings.TrimSpace(data.Title),
	}
	if sc.ID == "" {
		sc.ID = "generated-" + uuid.New().String()[:8]
	}
	for _, step := range data.Steps {
		instruction := strings.TrimSpace(step.Instruction)
		if instruction == "" {
			continue
		}
		if maxSteps > 0 && len(sc.Steps) == maxSteps {
			break
		}
		t := model.StepType(strings.ToLower(strings.TrimSpace(step.Type)))
		if !t.Valid() {
			t = model.StepTypeInfo
		}
		sc.Steps = append(sc.Steps, model.EmergencyStep{
			ID:          len(sc.Steps) + 1,
			Instruction: instruction,
			Type:        t,
		})
	}
	if err := sc.Validate(); err != nil {
		return model.EmergencyScenario{}, err
	}
	return sc, nil
}

// extractJSON 去掉模型偶尔包上的 markdown 代码块或前后说明文字。
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}
