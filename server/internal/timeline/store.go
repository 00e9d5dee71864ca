package timeline

import (
	"context"

	"helpnow/server/internal/model"
)

type Store interface {
	// Append 写入一条状态迁移记录，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 EventID 的请求幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, evt *model.TimelineEvent) (int64, error)
	// List 返回该 session 的全部记录，用于排查。
	List(ctx context.Context, sessionID string) ([]model.TimelineEvent, error)
	// Delete 丢弃该 session 的全部记录。
	Delete(ctx context.Context, sessionID string) error
}
