package session

import (
	"context"

	"helpnow/server/internal/model"
)

// Store 保存每个会话最近一次的状态快照，供 HTTP 查询。
// 状态的唯一写入方是会话编排器，这里只是它的只读投影。
type Store interface {
	Get(ctx context.Context, id string) (model.SessionState, error)
	Save(ctx context.Context, s model.SessionState) error
	Delete(ctx context.Context, id string) error
}
