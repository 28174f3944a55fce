package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Krimson/facereview/receiver/internal/metrics"
)

// ErrNotFound - сессии нет в кэше
var ErrNotFound = errors.New("session not found")

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]*WatchSession
}

// Cache хранит живые сессии в памяти процесса.
// Карта разбита на шарды, у каждого свой мьютекс: кадры одной сессии
// добавляются под одним локом в порядке поступления.
type Cache struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewCache создает пустой кэш сессий
func NewCache() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{sessions: make(map[string]*WatchSession)}
	}
	return c
}

func (c *Cache) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return c.shards[h.Sum32()%shardCount]
}

// Init создает сессию. Повторный вызов для существующей сессии ничего не делает.
func (c *Cache) Init(sessionID, userID, videoID string, duration float64) bool {
	s := c.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		if existing.Duration <= 0 && duration > 0 {
			existing.Duration = duration
		}
		return false
	}

	now := c.now()
	s.sessions[sessionID] = &WatchSession{
		SessionID: sessionID,
		UserID:    userID,
		VideoID:   videoID,
		Duration:  duration,
		CreatedAt: now,
		UpdatedAt: now,
	}
	metrics.ActiveSessions.Inc()
	return true
}

// AddFrame добавляет кадр; если init не приходил, сессия создается из полей события.
// Возвращает true, если сессия была создана этим вызовом.
func (c *Cache) AddFrame(ev FrameEvent) bool {
	s := c.shardFor(ev.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	ws, ok := s.sessions[ev.SessionID]
	if !ok {
		ws = &WatchSession{
			SessionID: ev.SessionID,
			UserID:    ev.UserID,
			VideoID:   ev.VideoID,
			Duration:  ev.Duration,
			CreatedAt: now,
		}
		s.sessions[ev.SessionID] = ws
		metrics.ActiveSessions.Inc()
	}
	if ws.Duration <= 0 && ev.Duration > 0 {
		ws.Duration = ev.Duration
	}

	ws.Frames = append(ws.Frames, ev.Frame())
	ws.UpdatedAt = now
	return !ok
}

// Get возвращает снимок сессии
func (c *Cache) Get(sessionID string) (WatchSession, bool) {
	s := c.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok {
		return WatchSession{}, false
	}
	return ws.clone(), true
}

// Has проверяет наличие сессии без копирования
func (c *Cache) Has(sessionID string) bool {
	s := c.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Drain атомарно удаляет и возвращает сессию
func (c *Cache) Drain(sessionID string) (*WatchSession, bool) {
	s := c.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, sessionID)
	metrics.ActiveSessions.Dec()
	return ws, true
}

// Restore возвращает снятую сессию в кэш.
// Если после Drain по сессии пришли новые кадры, они идут после восстановленных.
func (c *Cache) Restore(ws *WatchSession) {
	s := c.shardFor(ws.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[ws.SessionID]
	if !ok {
		s.sessions[ws.SessionID] = ws
		metrics.ActiveSessions.Inc()
		return
	}

	frames := make([]Frame, 0, len(ws.Frames)+len(cur.Frames))
	frames = append(frames, ws.Frames...)
	cur.Frames = append(frames, cur.Frames...)
	cur.CreatedAt = ws.CreatedAt
	if cur.Duration <= 0 {
		cur.Duration = ws.Duration
	}
	if cur.ClientInfo == (ClientInfo{}) {
		cur.ClientInfo = ws.ClientInfo
	}
}

// Len возвращает число сессий в кэше
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.sessions)
		s.mu.Unlock()
	}
	return n
}

// IDs возвращает id всех сессий в кэше
func (c *Cache) IDs() []string {
	var ids []string
	for _, s := range c.shards {
		s.mu.Lock()
		for id := range s.sessions {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	return ids
}

// Idle возвращает id сессий без кадров дольше idle
func (c *Cache) Idle(idle time.Duration) []string {
	cutoff := c.now().Add(-idle)
	var ids []string
	for _, s := range c.shards {
		s.mu.Lock()
		for id, ws := range s.sessions {
			if ws.UpdatedAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
	}
	return ids
}
