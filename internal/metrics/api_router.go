package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	gmux "github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

// APIRouter serves /metrics, /status and /streams
type APIRouter struct {
	*gmux.Router
	src      Sources
	registry *prometheus.Registry
}

func APIRouterOf(src Sources) *APIRouter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(src))
	registry.MustRegister(collectors.NewGoCollector())
	ret := &APIRouter{
		src:      src,
		registry: registry,
	}
	ret.registerMux()
	return ret
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.Handle("/metrics", promhttp.HandlerFor(ar.registry, promhttp.HandlerOpts{})).Methods("GET")
	ar.HandleFunc("/status", ar.statusHlr).Methods("GET")
	ar.HandleFunc("/streams", ar.listStreamsHlr).Methods("GET")
	ar.HandleFunc("/streams/{ID:[0-9]+}", ar.getStreamHlr).Methods("GET")
	ar.HandleFunc("/streams/{ID:[0-9]+}", ar.closeStreamHlr).Methods("DELETE")
}

type extensionView struct {
	ID   uint8  `json:"id"`
	Data []byte `json:"data,omitempty"`
}

type statusView struct {
	Up       bool            `json:"up"`
	Error    string          `json:"error,omitempty"`
	Relay    string          `json:"relay,omitempty"`
	Protocol string          `json:"protocol"`
	Peer     peerView        `json:"peer"`
	Uptime   string          `json:"uptime"`
	Stats    multiplex.Stats `json:"stats"`
}

type peerView struct {
	MaxPayload   uint32          `json:"max_payload"`
	StreamWindow uint32          `json:"stream_window"`
	ConnWindow   uint32          `json:"conn_window"`
	Extensions   []extensionView `json:"extensions"`
}

type streamView struct {
	ID         uint32    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	State      string    `json:"state"`
	SendCredit uint32    `json:"send_credit"`
	RecvWindow uint32    `json:"recv_window"`
	Queued     int       `json:"queued"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
	Opened     time.Time `json:"opened"`
}

func viewOf(info multiplex.StreamInfo) streamView {
	return streamView{
		ID:         info.ID,
		Kind:       info.Kind.String(),
		Target:     info.Target.String(),
		State:      info.State.String(),
		SendCredit: info.SendCredit,
		RecvWindow: info.RecvWindow,
		Queued:     info.Queued,
		BytesIn:    info.BytesIn,
		BytesOut:   info.BytesOut,
		Opened:     info.Opened,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) statusHlr(w http.ResponseWriter, r *http.Request) {
	sesh := ar.src.Session
	peer := sesh.Peer()
	stats := sesh.Stats()
	status := statusView{
		Up:       true,
		Protocol: strconv.Itoa(int(peer.Major)) + "." + strconv.Itoa(int(peer.Minor)),
		Peer: peerView{
			MaxPayload:   peer.MaxPayload,
			StreamWindow: peer.StreamWindow,
			ConnWindow:   peer.ConnWindow,
			Extensions:   []extensionView{},
		},
		Uptime: stats.Uptime.Round(time.Second).String(),
		Stats:  stats,
	}
	for _, ext := range peer.Extensions {
		status.Peer.Extensions = append(status.Peer.Extensions, extensionView{ID: ext.ID, Data: ext.Data})
	}
	if err := sesh.Err(); err != nil {
		status.Up = false
		status.Error = err.Error()
	}
	if addr := sesh.RemoteAddr(); addr != nil {
		status.Relay = addr.String()
	}
	writeJSON(w, status)
}

func (ar *APIRouter) listStreamsHlr(w http.ResponseWriter, r *http.Request) {
	infos := ar.src.Session.Streams()
	views := make([]streamView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewOf(info))
	}
	writeJSON(w, views)
}

func streamID(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(gmux.Vars(r)["ID"], 10, 32)
	return uint32(id), err
}

func (ar *APIRouter) getStreamHlr(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, info := range ar.src.Session.Streams() {
		if info.ID == id {
			writeJSON(w, viewOf(info))
			return
		}
	}
	http.Error(w, multiplex.ErrUnknownStream.Error(), http.StatusNotFound)
}

func (ar *APIRouter) closeStreamHlr(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stream, err := ar.src.Session.Stream(id)
	if errors.Is(err, multiplex.ErrUnknownStream) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	log.Infof("closing stream %v to %v on admin request", id, stream.Target())
	stream.Close()
	w.WriteHeader(http.StatusNoContent)
}

// ListenAndServe serves handler on addr until ctx is done
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, l, handler)
}

func Serve(ctx context.Context, l net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Infof("admin api listening on %v", l.Addr())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
