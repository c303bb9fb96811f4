package stage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pvlabs/stagehand/pcb"

	"github.com/go-chi/chi"
)

func testServer(t *testing.T) (*httptest.Server, *Stage, *pcb.Mock) {
	t.Helper()
	conv := Converter{StepsPerMM: DefaultStepsPerMM}
	box := pcb.NewMock([]int{conv.ToSteps(750)})
	s := New(box, Config{
		ExpectedLengths: []float64{750},
		PollInterval:    time.Millisecond})
	if c := s.Connect(); c != OK {
		t.Fatalf("connect failed with %v", c)
	}
	w := NewHTTPStage(s)
	r := chi.NewRouter()
	w.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s, box
}

func TestHTTPHomeThenGoto(t *testing.T) {
	srv, s, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/home", "application/json", strings.NewReader(`{"timeout": 5}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("home returned %d", resp.StatusCode)
	}
	var lengths []float64
	if err := json.NewDecoder(resp.Body).Decode(&lengths); err != nil {
		t.Fatal(err)
	}
	if len(lengths) != 1 || lengths[0] != 750 {
		t.Fatalf("expected lengths [750], got %v", lengths)
	}
	if !s.Homed() {
		t.Error("stage should be homed")
	}

	resp2, err := http.Post(srv.URL+"/goto", "application/json", strings.NewReader(`{"pos": [100], "timeout": 5}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("goto returned %d", resp2.StatusCode)
	}
}

func TestHTTPGotoOutOfBoundsStatus(t *testing.T) {
	srv, _, box := testServer(t)
	http.Post(srv.URL+"/home", "application/json", nil)
	resp, err := http.Post(srv.URL+"/goto", "application/json", strings.NewReader(`{"pos": [2], "timeout": 5}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a buffered target, got %d", resp.StatusCode)
	}
	var reply codeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Code != int(OutOfBounds) {
		t.Errorf("expected code %d in the body, got %d", int(OutOfBounds), reply.Code)
	}
	if box.Sent("g") != 0 {
		t.Error("a rejected target must not reach the hardware")
	}
}

func TestHTTPHomedAndPos(t *testing.T) {
	srv, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/homed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b struct {
		Bool bool `json:"bool"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Bool {
		t.Error("stage should not be homed at bootup")
	}

	resp2, err := http.Get(srv.URL + "/pos")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var pos []*float64
	if err := json.NewDecoder(resp2.Body).Decode(&pos); err != nil {
		t.Fatal(err)
	}
	if len(pos) != 1 || pos[0] != nil {
		t.Errorf("expected one unknown position, got %v", pos)
	}
}
