package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRPCClientBroadcastAndHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpc" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case "sendrawtransaction":
			json.NewEncoder(w).Encode(map[string]any{"result": "feedface", "error": nil})
		case "getblockchaininfo":
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"blocks": 4242}, "error": nil})
		case "getrawtransaction":
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"confirmations": 3}, "error": nil})
		default:
			json.NewEncoder(w).Encode(map[string]any{"result": nil, "error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "rpc", "secret", 5*time.Second)
	ctx := context.Background()

	txid, err := client.Broadcast(ctx, "0200aa")
	if err != nil || txid != "feedface" {
		t.Fatalf("broadcast = %q, %v", txid, err)
	}

	height, err := client.Height(ctx)
	if err != nil || height != 4242 {
		t.Fatalf("height = %d, %v", height, err)
	}

	state, err := client.TxStatus(ctx, "feedface")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !state.Found || !state.Confirmed || state.Confirmations != 3 {
		t.Fatalf("state = %+v", state)
	}
}

func TestRPCClientSurfacesNodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": nil,
			"error":  map[string]any{"code": -26, "message": "txn-mempool-conflict"},
		})
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, "", "", time.Second)
	if _, err := client.Broadcast(context.Background(), "0200aa"); err == nil {
		t.Fatal("expected node error to surface")
	}
}

func TestStubConfirmsInstantly(t *testing.T) {
	stub := NewStub()
	ctx := context.Background()

	txid, err := stub.Broadcast(ctx, "0200aabbcc")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	state, err := stub.TxStatus(ctx, txid)
	if err != nil || !state.Confirmed {
		t.Fatalf("state = %+v, %v", state, err)
	}

	// Same hex broadcast again maps to the same txid.
	again, err := stub.Broadcast(ctx, "0200aabbcc")
	if err != nil || again != txid {
		t.Fatalf("rebroadcast = %q, %v, want %q", again, err, txid)
	}
}

func TestStubRejectsMalformedHex(t *testing.T) {
	stub := NewStub()
	if _, err := stub.Broadcast(context.Background(), "not-hex"); err == nil {
		t.Fatal("expected malformed hex rejection")
	}
	if _, err := stub.Broadcast(context.Background(), "  "); err == nil {
		t.Fatal("expected empty hex rejection")
	}
}

func TestStubHeightControl(t *testing.T) {
	stub := NewStub()
	stub.SetHeight(250)
	height, err := stub.Height(context.Background())
	if err != nil || height != 250 {
		t.Fatalf("height = %d, %v", height, err)
	}
}
