package node

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
)

// maxMetadataBody caps PUT /metadata payloads.
const maxMetadataBody = 1 << 20

// Handler returns the admin HTTP surface of the node.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.MembersHandler)))
	mux.Handle("/metadata", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		telemetry.Instrument(methodToOp(req.Method), http.HandlerFunc(n.MetadataHandler)).ServeHTTP(w, req)
	}))
	mux.Handle("/owner/", telemetry.Instrument("owner", http.HandlerFunc(n.OwnerHandler)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK while the node has not been shut down.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.IsShutdown() {
		http.Error(w, "shut down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info writes the process id, the local member and a summary of the table.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID         int            `json:"pid"`
		Now         time.Time      `json:"now"`
		Uptime      string         `json:"uptime"`
		Member      cluster.Member `json:"member"`
		Incarnation uint64         `json:"incarnation"`
		Members     map[string]int `json:"members"`
	}
	n.writeJSON(w, resp{
		PID:         os.Getpid(),
		Now:         time.Now(),
		Uptime:      time.Since(n.started).Truncate(time.Second).String(),
		Member:      n.local,
		Incarnation: n.Incarnation(),
		Members:     n.StatusCounts(),
	})
}

// MembersHandler lists the membership table. ?all=true includes DEAD
// tombstones.
func (n *Node) MembersHandler(w http.ResponseWriter, req *http.Request) {
	all := req.URL.Query().Get("all") == "true"
	out := make([]cluster.Record, 0)
	for _, r := range n.Records() {
		if all || !r.IsDead() {
			out = append(out, r)
		}
	}
	n.writeJSON(w, out)
}

// MetadataHandler serves the local metadata, or the metadata of ?id= on
// GET, and replaces the local metadata on PUT/POST.
func (n *Node) MetadataHandler(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		b := n.Metadata()
		if id := req.URL.Query().Get("id"); id != "" && id != n.local.ID {
			m, ok := n.MemberByID(id)
			if !ok {
				http.NotFound(w, req)
				return
			}
			var err error
			if b, err = n.MemberMetadata(req.Context(), m); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(b)
	case http.MethodPut, http.MethodPost:
		b, err := io.ReadAll(io.LimitReader(req.Body, maxMetadataBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := n.UpdateMetadata(b); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// OwnerHandler reports which member /owner/{key} is placed on.
func (n *Node) OwnerHandler(w http.ResponseWriter, req *http.Request) {
	key := strings.TrimPrefix(req.URL.Path, "/owner/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	m, ok := n.Owner([]byte(key))
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}
	n.writeJSON(w, m)
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Warn("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
