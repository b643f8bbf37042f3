package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/breaker"
	"github.com/cybernetic-system/core/internal/ratelimiter"
	"github.com/cybernetic-system/core/internal/sharedllm"
)

type fakeCoordinator struct{ lanes map[string]int }

func (f fakeCoordinator) Snapshot() map[string]int { return f.lanes }

type fakeBreakers struct{ snap map[string]breaker.EndpointStatus }

func (f fakeBreakers) Snapshot() map[string]breaker.EndpointStatus { return f.snap }

type fakeBudgets struct{ snap map[string]ratelimiter.WindowStatus }

func (f fakeBudgets) Snapshot() map[string]ratelimiter.WindowStatus { return f.snap }

type fakeLLM struct{ stats sharedllm.Stats }

func (f fakeLLM) Stats() sharedllm.Stats { return f.stats }

func startTestServer(t *testing.T) (string, *Server) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "operator.sock")
	s := New(sock,
		fakeCoordinator{lanes: map[string]int{"s1": 3}},
		fakeBreakers{snap: map[string]breaker.EndpointStatus{"llm-a": {State: "open", HealthScore: 0.1}}},
		fakeBudgets{snap: map[string]ratelimiter.WindowStatus{"shared_llm": {Budget: "shared_llm", Count: 4, Limit: 100}}},
		fakeLLM{stats: sharedllm.Stats{TotalRequests: 10, Deduplicated: 2}},
		4, nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.ListenAndServe(ctx) }()
	t.Cleanup(cancel)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sock, s
}

func sendCmd(t *testing.T, sock, cmd string) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := json.Marshal(Request{Cmd: cmd})
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestServer_Lanes(t *testing.T) {
	sock, _ := startTestServer(t)
	resp := sendCmd(t, sock, "lanes")
	if !resp.OK || resp.Lanes["s1"] != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_Breakers(t *testing.T) {
	sock, _ := startTestServer(t)
	resp := sendCmd(t, sock, "breakers")
	if !resp.OK || resp.Breakers["llm-a"].State != "open" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_Budgets(t *testing.T) {
	sock, _ := startTestServer(t)
	resp := sendCmd(t, sock, "budgets")
	if !resp.OK || resp.Budgets["shared_llm"].Count != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_LLMStats(t *testing.T) {
	sock, _ := startTestServer(t)
	resp := sendCmd(t, sock, "llm_stats")
	if !resp.OK || resp.LLM == nil || resp.LLM.TotalRequests != 10 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	sock, _ := startTestServer(t)
	resp := sendCmd(t, sock, "reset")
	if resp.OK {
		t.Fatalf("expected unknown command to fail, got %+v", resp)
	}
}
