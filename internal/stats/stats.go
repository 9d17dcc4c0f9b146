package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// Metric names a counter published under the chat stats map.
type Metric string

const (
	// NumActiveClients counts open websocket connections on this instance.
	NumActiveClients Metric = "NumActiveClients"
	// NumRoomGroups counts rooms with at least one joined connection.
	NumRoomGroups Metric = "NumRoomGroups"
	// MessagesSent counts messages fanned out to room and personal groups.
	MessagesSent Metric = "MessagesSent"
	// RelayedEvents counts deliveries received from other instances.
	RelayedEvents Metric = "RelayedEvents"
)

// ChatMetrics lists every counter the chat server maintains.
var ChatMetrics = []Metric{NumActiveClients, NumRoomGroups, MessagesSent, RelayedEvents}

type StatsProvider interface {
	Incr(m Metric)
	Decr(m Metric)
	RegisterMetric(m Metric)
	Run()
}

// RegisterChatMetrics registers ChatMetrics on p.
func RegisterChatMetrics(p StatsProvider) {
	for _, m := range ChatMetrics {
		p.RegisterMetric(m)
	}
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan metricsUpdateReq
}

type metricsUpdateReq struct {
	metric Metric
	delta  int64
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(su.Snapshot())
}

// Snapshot decodes the current value of every published variable.
func (su *StatsUpdater) Snapshot() map[string]any {
	data := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		data[kv.Key] = value
	})
	return data
}

// NewStatsUpdater publishes the chat stats map and serves it on
// GET /debug/vars.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan metricsUpdateReq, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = expvar.NewMap("nearby-chat-stats")

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		counter, ok := su.vars.Get(string(req.metric)).(*expvar.Int)
		if !ok {
			panic("metric not registered: " + string(req.metric))
		}
		counter.Add(req.delta)
	}
}

func (su *StatsUpdater) Incr(m Metric) {
	su.updateChan <- metricsUpdateReq{metric: m, delta: 1}
}

func (su *StatsUpdater) Decr(m Metric) {
	su.updateChan <- metricsUpdateReq{metric: m, delta: -1}
}

// RegisterMetric resets m to zero.
func (su *StatsUpdater) RegisterMetric(m Metric) {
	su.vars.Set(string(m), new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
