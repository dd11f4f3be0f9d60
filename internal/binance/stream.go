package binance

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
)

const (
	DefaultStreamURL = "wss://stream.binance.com:9443/ws"

	// exchange limit is 1024 streams per connection; stay well under it
	maxStreamsPerConn = 200

	reconnectWait      = 3 * time.Second
	readWait           = 3 * time.Minute
	writeWait          = 5 * time.Second
	subscribeChunkSize = 100
)

// KlineHandler receives every kline update pulled off the wire, open and
// closed bars alike.
type KlineHandler func(symbol string, tf market.Timeframe, k market.Kline)

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func streamName(symbol string, tf market.Timeframe) string {
	return strings.ToLower(symbol) + "@kline_" + tf.String()
}

// StreamManager fans kline subscriptions out over as many websocket
// connections as needed, reconnecting and resubscribing dropped shards.
type StreamManager struct {
	url     string
	handler KlineHandler
	log     zerolog.Logger

	mu     sync.Mutex
	shards []*shard
	closed bool

	wg    sync.WaitGroup
	msgID atomic.Int64
}

// NewStreamManager builds a manager; connections are dialed lazily when the
// first stream lands on a shard.
func NewStreamManager(url string, handler KlineHandler, log zerolog.Logger) *StreamManager {
	if url == "" {
		url = DefaultStreamURL
	}
	return &StreamManager{
		url:     url,
		handler: handler,
		log:     log.With().Str("component", "stream").Logger(),
	}
}

// Subscribe starts streaming klines for one (symbol, timeframe). Duplicate
// subscriptions are no-ops.
func (m *StreamManager) Subscribe(symbol string, tf market.Timeframe) {
	name := streamName(symbol, tf)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var target *shard
	for _, sh := range m.shards {
		if sh.has(name) {
			m.mu.Unlock()
			return
		}
		if target == nil && sh.size() < maxStreamsPerConn {
			target = sh
		}
	}
	if target == nil {
		target = newShard(m, len(m.shards))
		m.shards = append(m.shards, target)
		m.wg.Add(1)
		go target.run()
	}
	m.mu.Unlock()

	target.add(name)
}

// Unsubscribe stops streaming one (symbol, timeframe).
func (m *StreamManager) Unsubscribe(symbol string, tf market.Timeframe) {
	name := streamName(symbol, tf)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sh := range m.shards {
		if sh.has(name) {
			sh.remove(name)
			return
		}
	}
}

// StreamCount reports the number of active stream subscriptions.
func (m *StreamManager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, sh := range m.shards {
		total += sh.size()
	}
	return total
}

// Close tears down every connection and waits for the read loops to exit.
func (m *StreamManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	shards := m.shards
	m.mu.Unlock()

	for _, sh := range shards {
		sh.stop()
	}
	m.wg.Wait()
}

// shard owns one websocket connection and the streams pinned to it.
type shard struct {
	m  *StreamManager
	id int

	mu      sync.Mutex
	streams map[string]bool
	conn    *websocket.Conn

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newShard(m *StreamManager, id int) *shard {
	return &shard{
		m:       m,
		id:      id,
		streams: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

func (s *shard) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[name]
}

func (s *shard) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *shard) add(name string) {
	s.mu.Lock()
	s.streams[name] = true
	err := s.sendLocked("SUBSCRIBE", []string{name})
	s.mu.Unlock()
	if err != nil {
		s.m.log.Warn().Err(err).Str("stream", name).Msg("subscribe write failed, will resubscribe on reconnect")
	}
}

func (s *shard) remove(name string) {
	s.mu.Lock()
	delete(s.streams, name)
	err := s.sendLocked("UNSUBSCRIBE", []string{name})
	s.mu.Unlock()
	if err != nil {
		s.m.log.Warn().Err(err).Str("stream", name).Msg("unsubscribe write failed")
	}
}

// sendLocked writes one control request; the caller holds s.mu. A nil
// connection is fine, the full stream set is replayed on connect.
func (s *shard) sendLocked(method string, params []string) error {
	if s.conn == nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(wsRequest{Method: method, Params: params, ID: s.m.msgID.Add(1)})
}

func (s *shard) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *shard) currentStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for name := range s.streams {
		out = append(out, name)
	}
	return out
}

func (s *shard) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *shard) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *shard) run() {
	defer s.m.wg.Done()

	for {
		if s.stopped() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.m.url, nil)
		if err != nil {
			s.m.log.Warn().Err(err).Int("shard", s.id).Msg("stream dial failed, retrying")
			metrics.StreamReconnects.Inc()
			if !s.sleep(reconnectWait) {
				return
			}
			continue
		}

		s.setConn(conn)
		if err := s.resubscribe(); err != nil {
			s.m.log.Warn().Err(err).Int("shard", s.id).Msg("resubscribe failed, reconnecting")
			conn.Close()
			s.setConn(nil)
			continue
		}

		s.m.log.Info().Int("shard", s.id).Int("streams", s.size()).Msg("stream connected")
		s.readLoop(conn)
		s.setConn(nil)

		if s.stopped() {
			return
		}
		s.m.log.Warn().Int("shard", s.id).Msg("stream lost, reconnecting")
		metrics.StreamReconnects.Inc()
		if !s.sleep(reconnectWait) {
			return
		}
	}
}

// sleep waits d unless the shard is stopped first.
func (s *shard) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *shard) resubscribe() error {
	streams := s.currentStreams()
	for start := 0; start < len(streams); start += subscribeChunkSize {
		end := start + subscribeChunkSize
		if end > len(streams) {
			end = len(streams)
		}
		s.mu.Lock()
		err := s.sendLocked("SUBSCRIBE", streams[start:end])
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *shard) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.m.log.Warn().Err(err).Int("shard", s.id).Msg("stream read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		if symbol, tf, k, ok := parseStreamKline(msg); ok {
			s.m.handler(symbol, tf, k)
		}
	}
}
