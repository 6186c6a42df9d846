package gateway

import (
	"container/list"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Event is one transcript message relayed to live subscribers.
type Event struct {
	ID        int64              `json:"id"`
	PatientID models.PatientID   `json:"patient_id"`
	TurnIndex int                `json:"turn_index"`
	Message   models.ChatMessage `json:"message"`
	At        time.Time          `json:"at"`
}

const subscriberBuffer = 32

// Hub relays transcript messages to WebSocket subscribers. Each patient keeps
// a bounded list of recent events so a reconnecting client can replay what it
// missed by passing the last event id it saw.
type Hub struct {
	mu      sync.Mutex
	queues  map[models.PatientID]*list.List
	subs    map[models.PatientID]map[int64]chan Event
	nextEv  int64
	nextSub int64
	maxSize int
	metrics *metrics.Metrics
}

// NewHub keeps up to maxSize events per patient. metrics may be nil.
func NewHub(maxSize int, m *metrics.Metrics) *Hub {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Hub{
		queues:  make(map[models.PatientID]*list.List),
		subs:    make(map[models.PatientID]map[int64]chan Event),
		maxSize: maxSize,
		metrics: m,
	}
}

// Publish stores the message and fans it out. Slow subscribers miss live
// events rather than block the publisher; they recover them on reconnect.
func (h *Hub) Publish(patientID models.PatientID, turn int, msg models.ChatMessage) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextEv++
	ev := Event{ID: h.nextEv, PatientID: patientID, TurnIndex: turn, Message: msg, At: time.Now().UTC()}

	l, ok := h.queues[patientID]
	if !ok {
		l = list.New()
		h.queues[patientID] = l
	}
	l.PushBack(ev)
	for l.Len() > h.maxSize {
		l.Remove(l.Front())
	}

	for id, ch := range h.subs[patientID] {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("patient_id", patientID).Int64("subscriber", id).Msg("Relay subscriber lagging, event skipped")
		}
	}
	return ev
}

// Missed returns the stored events of a patient with ids above after.
func (h *Hub) Missed(patientID models.PatientID, after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missedLocked(patientID, after)
}

func (h *Hub) missedLocked(patientID models.PatientID, after int64) []Event {
	l, ok := h.queues[patientID]
	if !ok {
		return nil
	}
	var out []Event
	for e := l.Front(); e != nil; e = e.Next() {
		if ev := e.Value.(Event); ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers a live subscriber and returns the events it missed
// since after. Replay and registration happen atomically so nothing falls in
// between. cancel must be called once the subscriber is gone.
func (h *Hub) Subscribe(patientID models.PatientID, after int64) (replay []Event, events <-chan Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	id := h.nextSub
	ch := make(chan Event, subscriberBuffer)
	if h.subs[patientID] == nil {
		h.subs[patientID] = make(map[int64]chan Event)
	}
	h.subs[patientID][id] = ch
	if h.metrics != nil {
		h.metrics.RelaySubscribers.Inc()
	}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[patientID], id)
			if len(h.subs[patientID]) == 0 {
				delete(h.subs, patientID)
			}
			if h.metrics != nil {
				h.metrics.RelaySubscribers.Dec()
			}
		})
	}
	return h.missedLocked(patientID, after), ch, cancel
}

// ServeWS upgrades the request and streams the patient's transcript events
// as JSON text frames until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, patientID models.PatientID) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Warn().Err(err).Str("patient_id", patientID).Msg("WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "relay closed")

	replay, events, cancel := h.Subscribe(patientID, after)
	defer cancel()

	// The relay is one-way; CloseRead discards client frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	log.Debug().Str("patient_id", patientID).Int64("after", after).Int("replay", len(replay)).Msg("Relay subscriber connected")

	for _, ev := range replay {
		if err := writeEvent(ctx, conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				log.Debug().Err(err).Str("patient_id", patientID).Msg("Relay write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
