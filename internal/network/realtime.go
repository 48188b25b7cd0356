package network

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/models"
)

// ChangeEvent is a record change pushed by the store's realtime feed.
// The sync core uses it to invalidate cached reads; it never applies remote
// payloads directly.
type ChangeEvent struct {
	Entity   models.Entity `json:"entity"`
	RecordID string        `json:"record_id"`
	Version  int64         `json:"version"`
}

// ChangeHandler receives change events. Handlers run on the feed goroutine
// and must not block.
type ChangeHandler func(ChangeEvent)

// RealtimeFeed maintains a websocket subscription to the store's change
// feed, reconnecting with capped exponential backoff when the link drops.
type RealtimeFeed struct {
	url      string
	handlers []ChangeHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRealtimeFeed creates a feed for the given websocket URL.
func NewRealtimeFeed(url string, handlers ...ChangeHandler) *RealtimeFeed {
	return &RealtimeFeed{
		url:      url,
		handlers: handlers,
		stopCh:   make(chan struct{}),
	}
}

// OnChange registers an additional handler. Must be called before Start.
func (f *RealtimeFeed) OnChange(h ChangeHandler) {
	f.handlers = append(f.handlers, h)
}

// Start launches the feed loop. A feed with no URL configured is a no-op.
func (f *RealtimeFeed) Start() {
	if f.url == "" {
		return
	}
	f.wg.Add(1)
	go f.run()
}

// Stop closes the connection and terminates the feed loop.
func (f *RealtimeFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})

	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *RealtimeFeed) run() {
	defer f.wg.Done()

	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			logging.Warn("realtime feed dial failed", map[string]interface{}{
				"url":     f.url,
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
			select {
			case <-f.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		backoff = time.Second
		logging.Info("realtime feed connected", map[string]interface{}{"url": f.url})

		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}
}

func (f *RealtimeFeed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				logging.Warn("realtime feed disconnected", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logging.Debug("realtime feed skipped malformed event", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if !models.KnownEntity(event.Entity) {
			continue
		}

		for _, h := range f.handlers {
			h(event)
		}
	}
}
