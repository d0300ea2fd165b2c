package mailbus

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

// AdminTargets are the components an AdminServer exposes. Any field may
// be nil; the matching routes then answer 404.
type AdminTargets struct {
	Micom   *Micom
	Buses   []*Bus
	Emitter *Emitter
}

// AdminServer exposes the debug files of a micom device and its buses over
// HTTP. Text files are served as text/plain, status as JSON. Intended for
// admin/internal networks only.
type AdminServer struct {
	targets  AdminTargets
	buses    map[string]*Bus
	registry *prometheus.Registry
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(addr string, targets AdminTargets) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		targets:  targets,
		buses:    make(map[string]*Bus, len(targets.Buses)),
		registry: prometheus.NewRegistry(),
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	for _, b := range targets.Buses {
		as.buses[b.Name()] = b
	}

	as.registerCollectors()

	mux.HandleFunc("GET /kdbus/{$}", as.handleBusList)
	mux.HandleFunc("GET /kdbus/logger", as.handleLogger)
	mux.HandleFunc("GET /kdbus/{bus}/stat", as.handleStat)
	mux.HandleFunc("POST /kdbus/{bus}/stat", as.handleStatToLog)
	mux.HandleFunc("GET /kdbus/{bus}/{conn}", as.handleConn)
	mux.HandleFunc("POST /kdbus/{bus}/{conn}", as.handleConnToLog)
	mux.HandleFunc("/micom-ewcmd/{file}", as.handleEWCmd)
	mux.HandleFunc("GET /micom/version", as.handleVersion)
	mux.HandleFunc("GET /status", as.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(as.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

func (as *AdminServer) registerCollectors() {
	as.registry.MustRegister(collectors.NewGoCollector())

	// A counter set shared by several components is registered once,
	// labelled with all of their names.
	var order []*Metrics
	sources := make(map[*Metrics][]string)
	add := func(m *Metrics, source string) {
		if m == nil {
			return
		}
		if _, ok := sources[m]; !ok {
			order = append(order, m)
		}
		sources[m] = append(sources[m], source)
	}

	if as.targets.Micom != nil {
		add(as.targets.Micom.Ctrl.Metrics(), "micom")
	}
	for _, b := range as.targets.Buses {
		add(b.Metrics(), "bus/"+b.Name())
	}

	for _, m := range order {
		source := strings.Join(sources[m], ",")
		if err := as.registry.Register(m.Collector(source)); err != nil {
			slog.Warn("admin: metrics collector not registered", "source", source, "error", err)
		}
	}
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- kdbus handlers ---

type busEntry struct {
	Name        string   `json:"name"`
	ID          string   `json:"id"`
	Connections []uint64 `json:"connections"`
}

func (as *AdminServer) handleBusList(w http.ResponseWriter, r *http.Request) {
	out := make([]busEntry, 0, len(as.buses))
	for _, b := range as.targets.Buses {
		e := busEntry{Name: b.Name(), ID: b.ID().String(), Connections: []uint64{}}
		for _, c := range b.Conns().All() {
			e.Connections = append(e.Connections, c.ID())
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

func (as *AdminServer) lookupBus(w http.ResponseWriter, r *http.Request) *Bus {
	b := as.buses[r.PathValue("bus")]
	if b == nil {
		http.Error(w, "bus not found", http.StatusNotFound)
	}
	return b
}

func (as *AdminServer) lookupConn(w http.ResponseWriter, r *http.Request) *Conn {
	b := as.lookupBus(w, r)
	if b == nil {
		return nil
	}
	id, err := strconv.ParseUint(r.PathValue("conn"), 10, 64)
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return nil
	}
	c := b.Conn(id)
	if c == nil {
		http.Error(w, "connection not found", http.StatusNotFound)
	}
	return c
}

func (as *AdminServer) handleConn(w http.ResponseWriter, r *http.Request) {
	c := as.lookupConn(w, r)
	if c == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := c.Show(w); err != nil {
		slog.Error("admin: conn show", "conn", c.ID(), "error", err)
	}
}

func (as *AdminServer) handleConnToLog(w http.ResponseWriter, r *http.Request) {
	c := as.lookupConn(w, r)
	if c == nil {
		return
	}
	if as.targets.Emitter == nil {
		http.Error(w, "no log emitter", http.StatusNotFound)
		return
	}
	c.ShowToLog(as.targets.Emitter)
	w.WriteHeader(http.StatusNoContent)
}

func statType(r *http.Request) (StatType, error) {
	q := r.URL.Query().Get("type")
	if q == "" {
		return StatConnNum, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStat, q)
	}
	return StatType(n), nil
}

func (as *AdminServer) handleStat(w http.ResponseWriter, r *http.Request) {
	b := as.lookupBus(w, r)
	if b == nil {
		return
	}
	typ, err := statType(r)
	if err != nil {
		writeErrno(w, err)
		return
	}

	var sb strings.Builder
	if err := b.ShowStat(&sb, typ); err != nil {
		writeErrno(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, sb.String())
}

func (as *AdminServer) handleStatToLog(w http.ResponseWriter, r *http.Request) {
	b := as.lookupBus(w, r)
	if b == nil {
		return
	}
	if as.targets.Emitter == nil {
		http.Error(w, "no log emitter", http.StatusNotFound)
		return
	}
	typ, err := statType(r)
	if err == nil {
		err = b.ShowStatToLog(as.targets.Emitter, typ)
	}
	if err != nil {
		writeErrno(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (as *AdminServer) handleLogger(w http.ResponseWriter, r *http.Request) {
	if as.targets.Emitter == nil {
		http.Error(w, "no log emitter", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := as.targets.Emitter.Dump(w); err != nil {
		slog.Error("admin: logger dump", "error", err)
	}
}

// --- micom handlers ---

// handleEWCmd serves the micom-ewcmd attribute files. Reads return
// "%d\n"; writes take one integer in any base strconv accepts.
func (as *AdminServer) handleEWCmd(w http.ResponseWriter, r *http.Request) {
	m := as.targets.Micom
	if m == nil {
		http.NotFound(w, r)
		return
	}

	file := r.PathValue("file")
	ew := m.EW

	switch r.Method {
	case http.MethodGet:
		var (
			val uint64
			err error
		)
		switch file {
		case "do_clockgate":
			var v uint32
			v, err = ew.ClockGate(r.Context())
			val = uint64(v)
		case "clockgate_count":
			var v uint32
			v, err = ew.ClockGateCount(r.Context())
			val = uint64(v)
		case "do_flash_test":
			var res FlashTestResult
			res, err = ew.FlashTest(r.Context())
			val = uint64(res.Result)
		case "dbglog_level":
			if ew.Correlator().Debug() {
				val = 1
			}
		default:
			writeErrno(w, fmt.Errorf("%w: %s is not readable", ErrInvalidArgument, file))
			return
		}
		if err != nil {
			writeErrno(w, err)
			return
		}
		writeAttr(w, val)

	case http.MethodPost, http.MethodPut:
		val, err := readAttr(r)
		if err != nil {
			writeErrno(w, err)
			return
		}
		switch file {
		case "dbglog_level":
			ew.Correlator().SetDebug(val != 0)
		case "send_ewcmd":
			_, err = ew.Raw(r.Context(), uint8(val&0xFF))
		case "do_main_reset":
			err = ew.MainReset(val)
		default:
			err = fmt.Errorf("%w: %s is not writable", ErrInvalidArgument, file)
		}
		if err != nil {
			writeErrno(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, POST, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (as *AdminServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	m := as.targets.Micom
	if m == nil {
		http.NotFound(w, r)
		return
	}
	target, err := strconv.ParseUint(r.URL.Query().Get("target"), 0, 8)
	if err != nil {
		writeErrno(w, fmt.Errorf("%w: target", ErrInvalidArgument))
		return
	}
	v, err := m.Syscall.GetVersion(r.Context(), uint8(target))
	if err != nil {
		writeErrno(w, err)
		return
	}
	writeJSON(w, v)
}

// --- status ---

type statusResponse struct {
	Uptime  string           `json:"uptime"`
	Buses   []busStatus      `json:"buses"`
	Micom   *micomStatus     `json:"micom,omitempty"`
	Metrics map[string]int64 `json:"metrics"`
}

type busStatus struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Connections int    `json:"connections"`
}

type micomStatus struct {
	EWIndex      uint8          `json:"ew_index"`
	SyscallIndex uint8          `json:"syscall_index"`
	Debug        bool           `json:"debug"`
	Pending      map[string]int `json:"pending"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:  monotonicNow().Round(time.Second).String(),
		Buses:   []busStatus{},
		Metrics: map[string]int64{},
	}

	for _, b := range as.targets.Buses {
		resp.Buses = append(resp.Buses, busStatus{
			Name:        b.Name(),
			ID:          b.ID().String(),
			Connections: b.Conns().Count(),
		})
		mergeSnapshot(resp.Metrics, b.Metrics().Snapshot())
	}
	sort.Slice(resp.Buses, func(i, j int) bool { return resp.Buses[i].Name < resp.Buses[j].Name })

	if m := as.targets.Micom; m != nil {
		ms := &micomStatus{
			EWIndex:      m.EW.Correlator().Index(),
			SyscallIndex: m.Syscall.Correlator().Index(),
			Debug:        m.EW.Correlator().Debug(),
			Pending:      map[string]int{},
		}
		for id := 0; id < MaxChannels; id++ {
			if ch := m.Ctrl.Channel(id); ch != nil {
				ms.Pending[ch.Name] = ch.Pending()
			}
		}
		resp.Micom = ms
		mergeSnapshot(resp.Metrics, m.Ctrl.Metrics().Snapshot())
	}

	writeJSON(w, resp)
}

// mergeSnapshot keeps the larger value when the same counter set is
// reachable from several targets.
func mergeSnapshot(dst, src map[string]int64) {
	for k, v := range src {
		if v > dst[k] {
			dst[k] = v
		}
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}

func writeAttr(w http.ResponseWriter, val uint64) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d\n", val)
}

func readAttr(r *http.Request) (uint64, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(body)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidArgument, strings.TrimSpace(string(body)))
	}
	return val, nil
}

// writeErrno answers with the HTTP status matching err's errno and the
// errno in an X-Errno header.
func writeErrno(w http.ResponseWriter, err error) {
	errno := Errno(err)

	status := http.StatusInternalServerError
	switch errno {
	case unix.EBUSY:
		status = http.StatusServiceUnavailable
	case unix.ETIMEDOUT:
		status = http.StatusGatewayTimeout
	case unix.EINVAL:
		status = http.StatusBadRequest
	case unix.EINTR:
		status = 499
	}

	w.Header().Set("X-Errno", strconv.Itoa(int(errno)))
	http.Error(w, err.Error(), status)
}
