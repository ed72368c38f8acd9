package audittrail

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"casedesk/internal/domain/model"

	"github.com/google/uuid"
)

// 审计留痕记录器。
//
// 设计要求：
// - 永远不阻塞、不回滚主操作：审计存储不可用时主流程照常完成
// - 也不静默丢记录：入队失败时降级为同步直写，直写失败才记入本地日志
// - 链式哈希的串行性由 store.AppendAudit 的事务保证；flush goroutine
//   只负责把队列内的记录按入队顺序刷出

// Sink 是审计记录的持久化目标（由 sqlite store 实现）。
type Sink interface {
	AppendAudit(ctx context.Context, entry model.AuditLogEntry) error
}

// Recorder 将审计记录异步刷入 Sink，带重试。
type Recorder struct {
	sink  Sink
	queue chan model.AuditLogEntry

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

const (
	defaultQueueSize = 256
	appendRetries    = 3
	retryBackoff     = 200 * time.Millisecond
)

// NewRecorder 启动后台 flush goroutine。用完必须 Close 以排空队列。
func NewRecorder(sink Sink) *Recorder {
	r := &Recorder{
		sink:  sink,
		queue: make(chan model.AuditLogEntry, defaultQueueSize),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Record 追加一条审计记录（fire-and-forget）。
// actor 为空时兜底为 "system"——宁可记一条来源不明的记录，也不能丢。
// details 序列化失败同样不拦截：落一个空对象并继续。
func (r *Recorder) Record(actor string, action model.AuditAction, entityType, entityID string, details map[string]any, ip string) {
	if actor == "" {
		actor = "system"
	}

	detailJSON := []byte("{}")
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			detailJSON = raw
		}
	}

	entry := model.AuditLogEntry{
		ID:         "aud_" + uuid.NewString(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		DetailJSON: detailJSON,
		OccurredAt: time.Now().Unix(),
		IP:         ip,
	}

	// 读锁保护入队：Close 持写锁关闭 queue，因此这里不可能向已关闭的
	// channel 发送。关停后（或队列打满时）降级为同步直写，保证不丢。
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.append(entry)
		return
	}
	select {
	case r.queue <- entry:
		r.mu.RUnlock()
	default:
		r.mu.RUnlock()
		r.append(entry)
	}
}

// Close 停止接收并排空队列（服务关停路径调用）。
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	for entry := range r.queue {
		r.append(entry)
	}
}

// append 带退避重试；最终失败只打本地日志，绝不向上传播。
func (r *Recorder) append(entry model.AuditLogEntry) {
	var err error
	for i := 0; i < appendRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = r.sink.AppendAudit(ctx, entry)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(retryBackoff * time.Duration(i+1))
	}
	log.Printf("audittrail: drop entry %s after %d retries: %v", entry.ID, appendRetries, err)
}
