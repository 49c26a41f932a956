package ingest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"maglink/backend/internal/domain"
	"maglink/backend/internal/extract"
	"maglink/backend/internal/jmap"
	"maglink/backend/internal/monitoring"
	"maglink/backend/internal/service"
)

// MailClient 管道依赖的远端邮箱操作。
type MailClient interface {
	Session(ctx context.Context) (*jmap.Session, error)
	FetchCandidateMessages(ctx context.Context) ([]jmap.Email, error)
	MarkProcessed(ctx context.Context, emailID string) error
	OpenEventStream(ctx context.Context) (io.ReadCloser, error)
	Invalidate()
	AccountID() string
}

// Pipeline 邮件采集编排器。
//
// 把候选邮件逐封走过 分类 -> 提取 -> 入库 -> 远端归档 四步。
// 归档（移出收件箱）是唯一的去重信号：入库成功和分类/提取
// 跳过都要归档，存储失败的邮件不归档，留在收件箱等下一个
// 周期重试（重试成功时可能产生一条重复链接）。
type Pipeline struct {
	client  MailClient
	links   *service.LinkService
	log     *zap.Logger
	metrics *monitoring.Metrics
	domain  string // catch-all 收件域名（小写）

	// cycleMu 保证任意时刻只有一个采集周期在执行，
	// 推送事件和轮询定时器触发重叠时直接放弃本次触发。
	cycleMu sync.Mutex

	lastMu      sync.Mutex
	lastSuccess time.Time // 最近一次成功周期的完成时间
}

// NewPipeline 创建采集编排器。
func NewPipeline(client MailClient, links *service.LinkService, catchAllDomain string, log *zap.Logger, metrics *monitoring.Metrics) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		client:  client,
		links:   links,
		log:     log,
		metrics: metrics,
		domain:  strings.ToLower(catchAllDomain),
	}
}

// RunCycle 执行一次采集周期。
//
// 已有周期在执行时直接返回，不排队等待；周期内任何远端错误会
// 中止本周期（客户端已作废会话），未归档的邮件下个周期重来。
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !p.cycleMu.TryLock() {
		p.log.Debug("ingestion cycle already running, skipping trigger")
		return nil, nil
	}
	defer p.cycleMu.Unlock()

	start := time.Now()
	result, err := p.runCycleLocked(ctx)
	elapsed := time.Since(start)

	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.RecordCycle(outcome, elapsed)
	}

	if err != nil {
		p.log.Error("ingestion cycle failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if p.metrics != nil {
			p.metrics.RecordSessionRenegotiation()
		}
		return result, err
	}

	p.lastMu.Lock()
	p.lastSuccess = time.Now()
	p.lastMu.Unlock()

	if result.Fetched > 0 {
		p.log.Info("ingestion cycle finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("stored", result.Stored),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
			zap.Duration("elapsed", elapsed))
	}
	return result, nil
}

// LastSuccessfulCycle 返回最近一次成功周期的完成时间，零值表示尚未成功过。
func (p *Pipeline) LastSuccessfulCycle() time.Time {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.lastSuccess
}

func (p *Pipeline) runCycleLocked(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{}

	emails, err := p.client.FetchCandidateMessages(ctx)
	if err != nil {
		return result, err
	}
	result.Fetched = len(emails)

	for i := range emails {
		email := &emails[i]

		outcome := p.classifyAndStore(email)
		if p.metrics != nil {
			p.metrics.RecordMessageOutcome(string(outcome))
		}

		switch outcome {
		case OutcomeStored:
			result.Stored++
		case OutcomeFailed:
			// 存储失败的邮件不归档，留在收件箱等下个周期重试
			result.Failed++
			continue
		default:
			result.Skipped++
		}

		// 入库和跳过都要归档，否则同一封邮件会被反复拉取
		if err := p.client.MarkProcessed(ctx, email.ID); err != nil {
			return result, err
		}
	}

	return result, nil
}

// classifyAndStore 对单封邮件做分类与提取，能入库则入库。
//
// 分类和提取未命中按跳过处理；存储层失败返回 OutcomeFailed，
// 调用方据此把邮件留在收件箱重试。
func (p *Pipeline) classifyAndStore(email *jmap.Email) Outcome {
	// 域名匹配用小写比较，local-part 保留原始大小写做显示名
	recipient := email.ToEmail()
	if recipient == "" || !strings.HasSuffix(strings.ToLower(recipient), "@"+p.domain) {
		return OutcomeSkippedBadRecipient
	}
	localPart := domain.LocalPart(recipient)
	if localPart == "" {
		return OutcomeSkippedBadRecipient
	}

	if !extract.IsLoginEmail(email.Subject, email.FromEmail()) {
		return OutcomeSkippedNotLogin
	}

	linkURL := extract.ExtractMagicLink(email.BodyContent())
	if linkURL == "" {
		p.log.Debug("login email without extractable link",
			zap.String("emailID", email.ID),
			zap.String("subject", email.Subject))
		return OutcomeSkippedNoLink
	}

	svc, err := p.links.ResolveService(localPart, linkURL)
	if err != nil {
		p.log.Error("failed to resolve service",
			zap.Error(err),
			zap.String("localPart", localPart))
		return OutcomeFailed
	}

	var subject *string
	if email.Subject != "" {
		s := email.Subject
		subject = &s
	}

	if _, err := p.links.RecordLink(svc, linkURL, subject, email.ReceivedAt); err != nil {
		p.log.Error("failed to store magic link",
			zap.Error(err),
			zap.String("serviceSlug", svc.Slug))
		return OutcomeFailed
	}

	return OutcomeStored
}
