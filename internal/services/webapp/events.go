package webapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SSE 变更广播。
//
// 前端不做增量合并：收到事件后按 entity_type/entity_id 重新拉取对应资源。
// 因此这里只广播“什么变了”，不带数据本体，慢客户端直接丢事件
// （channel 满即跳过），不允许一个卡住的浏览器拖慢写路径。

type changeEvent struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	At         int64  `json:"at"`
}

type eventHub struct {
	mu   sync.Mutex
	subs map[chan changeEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan changeEvent]struct{})}
}

func (h *eventHub) subscribe() chan changeEvent {
	ch := make(chan changeEvent, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan changeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, ch)
}

func (h *eventHub) publish(entityType, entityID, action string) {
	ev := changeEvent{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		At:         time.Now().Unix(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// 订阅方消费不过来就丢，广播永不阻塞。
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	// 定期发注释行保活，否则中间代理会掐空闲连接。
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", raw)
			flusher.Flush()
		}
	}
}
