package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"maglink/backend/internal/jmap"
)

const (
	// reconnectDelay 事件流断开后的重连等待
	reconnectDelay = 5 * time.Second

	// silenceTimeout 事件流静默上限，超过即判定连接已死
	//
	// 服务端每 30 秒发一次 ping，连续错过三次就放弃这条连接。
	silenceTimeout = 90 * time.Second
)

// RunPush 以服务端推送模式持续采集。
//
// 连接建立后先跑一个完整周期兜住离线期间堆积的邮件，之后每收到
// 一条涉及本账号邮件状态的变更事件就触发一次周期。连接断开或
// 静默超时后等待固定间隔重连，直到上下文取消。
func (p *Pipeline) RunPush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := p.consumeStream(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("event stream interrupted", zap.Error(err))
			if p.metrics != nil {
				p.metrics.RecordStreamReconnect()
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// consumeStream 消费一条事件流连接直到出错或上下文取消。
func (p *Pipeline) consumeStream(ctx context.Context) error {
	stream, err := p.client.OpenEventStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	accountID := p.client.AccountID()
	p.log.Info("event stream connected", zap.String("account_id", accountID))

	// 补偿离线期间堆积的邮件
	if _, err := p.RunCycle(ctx); err != nil {
		return err
	}

	// 静默看门狗：超时后关闭流，让下方的读取解除阻塞
	watchdog := time.AfterFunc(silenceTimeout, func() {
		stream.Close()
	})
	defer watchdog.Stop()

	// 上下文取消时也要解除读取阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	for scanner.Scan() {
		watchdog.Reset(silenceTimeout)
		line := scanner.Text()

		// SSE 事件以空行结束
		if line == "" {
			if len(dataLines) > 0 {
				p.handleEvent(ctx, strings.Join(dataLines, "\n"), accountID)
				dataLines = dataLines[:0]
			}
			continue
		}

		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(payload))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("event stream closed by server")
}

// handleEvent 解析一条事件流消息，必要时触发采集周期。
func (p *Pipeline) handleEvent(ctx context.Context, payload, accountID string) {
	var change jmap.StateChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		// ping 等非 JSON 消息直接忽略
		return
	}

	if !change.MailChangedFor(accountID) {
		return
	}

	p.log.Debug("mail state change received", zap.String("account_id", accountID))
	if _, err := p.RunCycle(ctx); err != nil {
		p.log.Warn("cycle triggered by push event failed", zap.Error(err))
	}
}
