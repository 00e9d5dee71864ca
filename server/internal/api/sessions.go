package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"helpnow/server/internal/capture"
	"helpnow/server/internal/config"
	"helpnow/server/internal/gateway"
	"helpnow/server/internal/logging"
	"helpnow/server/internal/orchestrator"
	"helpnow/server/internal/playback"
	"helpnow/server/internal/session"
)

// runtime 是一个会话在内存中的全部组件：编排器、两个适配器和浏览器网关。
type runtime struct {
	id           string
	orchestrator *orchestrator.Orchestrator
	bridge       *gateway.Bridge
	unsubscribe  func()
}

func newSessionID() string {
	return "S_" + uuid.New().String()
}

// createSession 装配会话：网关同时充当识别器与合成器，编排器的状态变化推回浏览器。
func (s *Server) createSession() (*runtime, error) {
	id := newSessionID()
	logger := s.root.With().Str("session_id", id).Logger()

	bridge := gateway.NewBridge(id, s.config.Gateway, s.root)
	capAdapter := capture.NewAdapter(bridge, s.config.Capture.Locale, logging.Component(logger, "capture"))
	pbAdapter := playback.NewAdapter(bridge, playbackConfig(s.config.Playback, s.config.Capture.Locale), logging.Component(logger, "playback"))

	orch, err := orchestrator.New(id, s.config.Orchestrator, orchestrator.Deps{
		Capture:  capAdapter,
		Playback: pbAdapter,
		Guide:    s.guideClient,
		Sessions: s.store,
		Timeline: s.timeline,
		Logger:   logging.Component(s.root, "orchestrator"),
	})
	if err != nil {
		bridge.Close()
		return nil, fmt.Errorf("new orchestrator: %w", err)
	}

	bridge.Bind(capAdapter, pbAdapter, func(name string) error {
		action, err := orchestrator.ParseAction(name)
		if err != nil {
			return err
		}
		_, err = orch.Dispatch(action)
		return err
	})
	bridge.OnConnect(func() { bridge.PushState(orch.Snapshot()) })

	rt := &runtime{
		id:           id,
		orchestrator: orch,
		bridge:       bridge,
		unsubscribe:  orch.Subscribe(bridge.PushState),
	}

	s.runtimesMu.Lock()
	s.runtimes[id] = rt
	total := len(s.runtimes)
	s.runtimesMu.Unlock()

	s.logger.Info().Str("session_id", id).Int("active_sessions", total).Msg("session created")
	return rt, nil
}

// lookup 按路径参数找会话，找不到时直接写 404。
func (s *Server) lookup(c *gin.Context) (*runtime, bool) {
	id := c.Param("id")
	s.runtimesMu.RLock()
	rt, ok := s.runtimes[id]
	s.runtimesMu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return rt, true
}

// closeSession 停止会话并清理存储，返回会话是否存在。
func (s *Server) closeSession(ctx context.Context, id string) bool {
	s.runtimesMu.Lock()
	rt, ok := s.runtimes[id]
	delete(s.runtimes, id)
	remaining := len(s.runtimes)
	s.runtimesMu.Unlock()
	if !ok {
		return false
	}

	rt.unsubscribe()
	rt.orchestrator.Close()
	_ = rt.bridge.Close()

	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("delete session state")
	}
	if err := s.timeline.Delete(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("delete session timeline")
	}
	s.logger.Info().Str("session_id", id).Int("active_sessions", remaining).Msg("session closed")
	return true
}

func (s *Server) sessionCount() int {
	s.runtimesMu.RLock()
	defer s.runtimesMu.RUnlock()
	return len(s.runtimes)
}

func playbackConfig(cfg config.PlaybackConfig, lang string) playback.Config {
	return playback.Config{
		PreferredVoices: cfg.PreferredVoices,
		FemaleHints:     cfg.FemaleHints,
		Lang:            lang,
		Rate:            cfg.Rate,
		Pitch:           cfg.Pitch,
		Volume:          cfg.Volume,
		StopGrace:       cfg.StopGrace,
	}
}
