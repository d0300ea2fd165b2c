package mailbus

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type testAdmin struct {
	micom   *Micom
	fw      *Firmware
	bus     *Bus
	emitter *Emitter
	as      *AdminServer
}

func newTestAdminServer(t *testing.T) *testAdmin {
	t.Helper()

	emitter := NewEmitter(WithShards(1))
	m, fw := newTestMicom(t, nil, WithEmitter(emitter))
	fw.SetVersion(1, Version{API: 1, Drv: 2})

	bus := NewBus("test", WithBusEmitter(emitter), WithBusClock(fixedClock(0)))
	t.Cleanup(bus.Close)

	a := attach(t, bus, 100, "a-thread", 100, "alpha")
	c := attach(t, bus, 201, "b-thread", 200, "beta")
	if err := c.AcquireName("org.beta"); err != nil {
		t.Fatalf("AcquireName: %v", err)
	}
	callAndReply(t, a, c)

	as, err := NewAdminServer("127.0.0.1:0", AdminTargets{
		Micom:   m,
		Buses:   []*Bus{bus},
		Emitter: emitter,
	})
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	as.Start()
	t.Cleanup(as.Stop)

	return &testAdmin{micom: m, fw: fw, bus: bus, emitter: emitter, as: as}
}

func (ta *testAdmin) url(path string) string {
	return "http://" + ta.as.Addr() + path
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, string(out)
}

func TestAdmin_BusList(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, body := get(t, ta.url("/kdbus/"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var buses []busEntry
	if err := json.Unmarshal([]byte(body), &buses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buses) != 1 || buses[0].Name != "test" {
		t.Fatalf("buses = %+v, want [test]", buses)
	}
	if len(buses[0].Connections) != 2 || buses[0].Connections[0] != 1 {
		t.Errorf("connections = %v, want [1 2]", buses[0].Connections)
	}
	if buses[0].ID != ta.bus.ID().String() {
		t.Errorf("id = %s, want %s", buses[0].ID, ta.bus.ID())
	}
}

func TestAdmin_ConnShow(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, body := get(t, ta.url("/kdbus/test/2"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var want strings.Builder
	if err := ta.bus.Conn(2).Show(&want); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if body != want.String() {
		t.Errorf("body =\n%s\nwant\n%s", body, want.String())
	}
	if !strings.Contains(body, "#  Connection   : 2 (Bus: test)") {
		t.Errorf("body missing connection header:\n%s", body)
	}
}

func TestAdmin_ConnNotFound(t *testing.T) {
	ta := newTestAdminServer(t)

	cases := map[string]int{
		"/kdbus/test/99":  http.StatusNotFound,
		"/kdbus/other/1":  http.StatusNotFound,
		"/kdbus/test/abc": http.StatusBadRequest,
	}
	for path, want := range cases {
		resp, _ := get(t, ta.url(path))
		if resp.StatusCode != want {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestAdmin_ConnToLog(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, _ := post(t, ta.url("/kdbus/test/1"), "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	found := false
	for _, l := range ta.emitter.Lines() {
		if l.Text == "| Conn:1 Bus:test T:a-thread/100 TG:alpha/100\n" {
			found = true
		}
	}
	if !found {
		t.Error("connection summary not found in log emitter")
	}

	_, body := get(t, ta.url("/kdbus/logger"))
	if !strings.Contains(body, "] | Conn:1 Bus:test") {
		t.Errorf("logger dump missing summary:\n%s", body)
	}
}

func TestAdmin_Stat(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, body := get(t, ta.url("/kdbus/test/stat"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, " Bus : test ") {
		t.Errorf("body missing bus header:\n%s", body)
	}

	resp, _ = get(t, ta.url("/kdbus/test/stat?type=3"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid type status = %d, want 400", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Errno"); got != "22" {
		t.Errorf("X-Errno = %q, want 22", got)
	}

	resp, _ = post(t, ta.url("/kdbus/test/stat"), "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("stat to log status = %d, want 204", resp.StatusCode)
	}
}

func TestAdmin_EWCmdAttributes(t *testing.T) {
	ta := newTestAdminServer(t)

	_, body := get(t, ta.url("/micom-ewcmd/clockgate_count"))
	if body != "0\n" {
		t.Errorf("clockgate_count = %q, want 0", body)
	}

	resp, _ := get(t, ta.url("/micom-ewcmd/do_clockgate"))
	if resp.StatusCode != 200 {
		t.Fatalf("do_clockgate status = %d, want 200", resp.StatusCode)
	}

	_, body = get(t, ta.url("/micom-ewcmd/clockgate_count"))
	if body != "1\n" {
		t.Errorf("clockgate_count = %q, want 1", body)
	}

	_, body = get(t, ta.url("/micom-ewcmd/do_flash_test"))
	if body != "0\n" {
		t.Errorf("do_flash_test = %q, want 0", body)
	}
}

func TestAdmin_EWCmdDebugLevel(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, _ := post(t, ta.url("/micom-ewcmd/dbglog_level"), "0x1\n")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if !ta.micom.EW.Correlator().Debug() {
		t.Error("debug not enabled")
	}

	_, body := get(t, ta.url("/micom-ewcmd/dbglog_level"))
	if body != "1\n" {
		t.Errorf("dbglog_level = %q, want 1", body)
	}

	resp, _ = post(t, ta.url("/micom-ewcmd/dbglog_level"), "nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad value status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_EWCmdMainReset(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, _ := post(t, ta.url("/micom-ewcmd/do_main_reset"), "123")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("wrong magic status = %d, want 400", resp.StatusCode)
	}

	resp, _ = post(t, ta.url("/micom-ewcmd/do_main_reset"), "0xdeadbeef")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ta.fw.Resets() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("firmware never saw the reset")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdmin_EWCmdSendRaw(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, _ := post(t, ta.url("/micom-ewcmd/send_ewcmd"), "1")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("send_ewcmd 1 status = %d, want 204", resp.StatusCode)
	}

	resp, _ = post(t, ta.url("/micom-ewcmd/send_ewcmd"), "0x77")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("nacked status = %d, want 500", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Errno"); got != "5" {
		t.Errorf("X-Errno = %q, want 5", got)
	}
}

func TestAdmin_EWCmdBadAccess(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, _ := get(t, ta.url("/micom-ewcmd/send_ewcmd"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("read of write-only file status = %d, want 400", resp.StatusCode)
	}

	resp, _ = post(t, ta.url("/micom-ewcmd/clockgate_count"), "1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("write of read-only file status = %d, want 400", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ta.url("/micom-ewcmd/dbglog_level"), nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", dresp.StatusCode)
	}
}

func TestAdmin_Version(t *testing.T) {
	ta := newTestAdminServer(t)

	resp, body := get(t, ta.url("/micom/version?target=1"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var v Version
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != (Version{API: 1, Drv: 2}) {
		t.Errorf("version = %+v, want {1 2}", v)
	}

	resp, _ = get(t, ta.url("/micom/version?target=x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad target status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_Status(t *testing.T) {
	ta := newTestAdminServer(t)

	get(t, ta.url("/micom-ewcmd/do_clockgate"))

	resp, body := get(t, ta.url("/status"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var st statusResponse
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(st.Buses) != 1 || st.Buses[0].Connections != 2 {
		t.Errorf("buses = %+v, want one bus with 2 connections", st.Buses)
	}
	if st.Micom == nil {
		t.Fatal("micom is nil")
	}
	if st.Micom.EWIndex != 1 {
		t.Errorf("ew_index = %d, want 1", st.Micom.EWIndex)
	}
	if _, ok := st.Micom.Pending["dbgprint"]; !ok {
		t.Errorf("pending = %v, want dbgprint lane", st.Micom.Pending)
	}
	if st.Metrics["commands_total"] != 1 {
		t.Errorf("commands_total = %d, want 1", st.Metrics["commands_total"])
	}
	if st.Metrics["messages_sent"] != 2 {
		t.Errorf("messages_sent = %d, want 2", st.Metrics["messages_sent"])
	}
}

func TestAdmin_Metrics(t *testing.T) {
	ta := newTestAdminServer(t)

	get(t, ta.url("/micom-ewcmd/do_clockgate"))

	resp, body := get(t, ta.url("/metrics"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, want := range []string{
		`mailbus_commands_total{source="micom"} 1`,
		`mailbus_connections_active{source="micom"} 0`,
		`mailbus_messages_sent{source="bus/test"} 2`,
		`mailbus_connections_active{source="bus/test"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestAdmin_MetricsSharedCounters(t *testing.T) {
	shared := NewMetrics()
	m, _ := newTestMicom(t, nil, WithMetrics(shared))
	bus := NewBus("system", WithBusMetrics(shared))
	t.Cleanup(bus.Close)
	attach(t, bus, 100, "a-thread", 100, "alpha")

	as, err := NewAdminServer("127.0.0.1:0", AdminTargets{Micom: m, Buses: []*Bus{bus}})
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	as.Start()
	defer as.Stop()

	_, body := get(t, "http://"+as.Addr()+"/metrics")
	want := `mailbus_connections_active{source="micom,bus/system"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("metrics missing %s", want)
	}
	if n := strings.Count(body, "\nmailbus_connections_active{"); n != 1 {
		t.Errorf("connections_active series = %d, want 1", n)
	}
}

func TestAdmin_NoMicom(t *testing.T) {
	as, err := NewAdminServer("127.0.0.1:0", AdminTargets{})
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	as.Start()
	defer as.Stop()

	for _, path := range []string{"/micom-ewcmd/clockgate_count", "/micom/version?target=0", "/kdbus/logger"} {
		resp, _ := get(t, "http://"+as.Addr()+path)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}
