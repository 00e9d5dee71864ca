package theme

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"helpnow/server/internal/config"
	"helpnow/server/internal/model"
)

var ErrInvalidMode = errors.New("invalid theme mode")

// Store 持久化主题偏好。文件不存在时 Load 返回空字符串。
type Store interface {
	Load() (model.ThemeMode, error)
	Save(mode model.ThemeMode) error
}

type fileContent struct {
	Mode model.ThemeMode `yaml:"mode"`
}

// FileStore 把主题偏好存成一个 YAML 文件。
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (model.ThemeMode, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read theme file: %w", err)
	}
	var c fileContent
	if err := yaml.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("parse theme file: %w", err)
	}
	return c.Mode, nil
}

// Save 先写临时文件再改名，避免写到一半留下损坏的文件。
func (s *FileStore) Save(mode model.ThemeMode) error {
	data, err := yaml.Marshal(fileContent{Mode: mode})
	if err != nil {
		return fmt.Errorf("marshal theme: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create theme dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write theme file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace theme file: %w", err)
	}
	return nil
}

// Service 管理进程级的主题偏好。
type Service struct {
	store    Store
	resolved model.ThemeMode
	logger   zerolog.Logger

	mu   sync.RWMutex
	mode model.ThemeMode
}

// NewService 读取已保存的偏好；没有保存过或内容非法时使用配置的默认值。
func NewService(store Store, cfg config.ThemeConfig, logger zerolog.Logger) *Service {
	s := &Service{
		store:    store,
		resolved: model.ThemeMode(cfg.SystemResolved),
		logger:   logger.With().Str("component", "theme").Logger(),
		mode:     model.ThemeMode(cfg.DefaultMode),
	}
	if !s.mode.Valid() {
		s.mode = model.ThemeLight
	}
	if s.resolved != model.ThemeLight && s.resolved != model.ThemeDark {
		s.resolved = model.ThemeLight
	}

	if store != nil {
		mode, err := store.Load()
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("load theme preference, using default")
		case mode == "":
		case !mode.Valid():
			s.logger.Warn().Str("mode", string(mode)).Msg("ignoring invalid stored theme")
		default:
			s.mode = mode
		}
	}
	return s
}

// Get 返回当前偏好及其实际生效的明暗。
func (s *Service) Get() model.ThemePreference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preference(s.mode)
}

// Set 修改偏好并持久化。持久化失败时内存中的偏好不变。
func (s *Service) Set(mode model.ThemeMode) (model.ThemePreference, error) {
	if !mode.Valid() {
		return s.Get(), fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		if err := s.store.Save(mode); err != nil {
			return s.preference(s.mode), fmt.Errorf("save theme: %w", err)
		}
	}
	s.mode = mode
	s.logger.Info().Str("mode", string(mode)).Msg("theme updated")
	return s.preference(mode), nil
}

func (s *Service) preference(mode model.ThemeMode) model.ThemePreference {
	resolved := mode
	if mode == model.ThemeSystem {
		resolved = s.resolved
	}
	return model.ThemePreference{Mode: mode, Resolved: resolved}
}
