package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunPoll 以固定间隔轮询模式持续采集。
//
// 启动时立即执行一个周期，之后按间隔触发；周期失败只记录日志，
// 会话已被客户端作废，下个周期会重新协商。
func (p *Pipeline) RunPoll(ctx context.Context, interval time.Duration) error {
	if _, err := p.RunCycle(ctx); err != nil {
		p.log.Warn("initial poll cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.RunCycle(ctx); err != nil {
				p.log.Warn("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// Run 自动选择采集模式。
//
// 会话暴露事件流端点时走推送模式，否则退回轮询模式；
// 启动时探测会话失败也退回轮询，由后续周期重新协商。
func (p *Pipeline) Run(ctx context.Context, pollInterval time.Duration) error {
	sess, err := p.client.Session(ctx)
	if err != nil {
		p.log.Warn("initial session probe failed, falling back to poll mode", zap.Error(err))
		return p.RunPoll(ctx, pollInterval)
	}

	if sess.EventSourceURL != "" {
		p.log.Info("ingestion running in push mode")
		return p.RunPush(ctx)
	}

	p.log.Info("ingestion running in poll mode", zap.Duration("interval", pollInterval))
	return p.RunPoll(ctx, pollInterval)
}
