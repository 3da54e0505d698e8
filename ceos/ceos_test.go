package ceos

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/gostem/netstring"
)

// fakeGateway accepts one connection at a time and answers canned replies
type fakeGateway struct {
	ln       net.Listener
	requests chan rpcRequest
}

func newFakeGateway(t *testing.T, results map[string]string) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &fakeGateway{ln: ln, requests: make(chan rpcRequest, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			payload, err := netstring.NewReader(conn).Next()
			if err != nil {
				conn.Close()
				continue
			}
			var req rpcRequest
			json.Unmarshal(payload, &req)
			g.requests <- req
			result, ok := results[req.Method]
			if !ok {
				result = `{}`
			}
			reply := `{"jsonrpc":"2.0","id":1,"result":` + result + `}`
			netstring.EncodeTo(conn, []byte(reply))
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return g
}

func TestNewVerifiesConnectivity(t *testing.T) {
	g := newFakeGateway(t, nil)
	c, err := New(g.ln.Addr().String(), time.Second, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	req := <-g.requests
	if req.Method != "getInfo" {
		t.Errorf("expected getInfo probe, got %s", req.Method)
	}
	if c == nil {
		t.Fatal("nil client")
	}
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	_, err := New("127.0.0.1:1", 50*time.Millisecond, 100*time.Millisecond)
	if err == nil {
		t.Error("expected error for unreachable gateway")
	}
}

func TestCorrectAberrationParams(t *testing.T) {
	g := newFakeGateway(t, nil)
	c := &Client{addr: g.ln.Addr().String(), timeout: time.Second}
	if err := c.CorrectAberration("A1", [2]float64{3e-9, -1e-9}, SelectCoarse); err != nil {
		t.Fatal(err)
	}
	req := <-g.requests
	if req.Method != "correctAberration" {
		t.Fatalf("expected correctAberration, got %s", req.Method)
	}
	params := req.Params.(map[string]interface{})
	if params["name"] != "A1" {
		t.Errorf("expected name A1, got %v", params["name"])
	}
	if params["select"] != "coarse" {
		t.Errorf("expected coarse select, got %v", params["select"])
	}
	vals := params["value"].([]interface{})
	if vals[0].(float64) != 3e-9 || vals[1].(float64) != -1e-9 {
		t.Errorf("unexpected value %v", vals)
	}
}

func TestMeasureC1A1ParsesAberrations(t *testing.T) {
	g := newFakeGateway(t, map[string]string{
		"measureC1A1": `{"aberrations":{"C1":-2.5e-9,"A1_x":1e-10}}`,
	})
	c := &Client{addr: g.ln.Addr().String(), timeout: time.Second}
	ab, err := c.MeasureC1A1()
	if err != nil {
		t.Fatal(err)
	}
	if ab["C1"] != -2.5e-9 {
		t.Errorf("expected C1 = -2.5e-9, got %g", ab["C1"])
	}
	if ab["A1_x"] != 1e-10 {
		t.Errorf("expected A1_x = 1e-10, got %g", ab["A1_x"])
	}
}

func TestRPCErrorPropagates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		netstring.NewReader(conn).Next()
		netstring.EncodeTo(conn, []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"no such method"}}`))
		conn.Close()
	}()
	c := &Client{addr: ln.Addr().String(), timeout: time.Second}
	if _, err := c.GetInfo(); err == nil {
		t.Error("expected RPC error to propagate")
	}
}
