package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"liquidswap/chain"
	"liquidswap/escrow"
	"liquidswap/orders"
	"liquidswap/prover"
	"liquidswap/signing"
	"liquidswap/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *chain.Stub) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewStore(db)
	network := chain.NewStub()
	network.SetHeight(100)
	stub := prover.NewStub()
	pipeline := signing.NewPipeline(store, stub, network, 10.0, "testnet4", nil, nil)
	om := orders.NewManager(store, pipeline, network, 144, nil, nil)
	em := escrow.NewManager(store, pipeline, network, nil, nil)
	srv := New(db, om, em, pipeline, stub, "stub://prover", true, nil, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, network
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, decoded
}

func orderSpec() map[string]any {
	return map[string]any{
		"maker_address":      "maker",
		"offer_token":        "BTC",
		"offer_amount":       "100",
		"want_token":         "CHARM",
		"want_amount":        "5000",
		"source_chain":       "testnet4",
		"dest_chain":         "testnet4",
		"allow_partial":      true,
		"funding_utxo":       "deadbeef:0",
		"funding_utxo_value": 100000,
		"change_address":     "tb1qchange",
	}
}

// broadcastFirst signs-and-submits the first unsigned transaction from an
// intent response via the order broadcast endpoint.
func broadcastFirst(t *testing.T, baseURL, entityPath string, body map[string]any) map[string]any {
	t.Helper()
	txns := body["transactions"].([]any)
	unsigned := body["unsigned"].([]any)
	txnID := txns[0].(map[string]any)["id"].(string)
	signedHex := unsigned[0].(map[string]any)["hex"].(string)

	resp, decoded := doJSON(t, http.MethodPost, baseURL+entityPath+"/broadcast", map[string]any{
		"transaction_id": txnID,
		"signed_hex":     signedHex,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("broadcast status = %d: %v", resp.StatusCode, decoded)
	}
	return decoded
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, ts.URL+"/orders", orderSpec(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, created)
	}
	order := created["order"].(map[string]any)
	orderID := order["id"].(string)
	if order["status"] != "pending_signature" {
		t.Fatalf("status = %v, want pending_signature", order["status"])
	}
	if created["instructions"].(map[string]any)["message"] == "" {
		t.Fatal("expected signing instructions")
	}

	decoded := broadcastFirst(t, ts.URL, "/orders/"+orderID, created)
	if got := decoded["order"].(map[string]any)["status"]; got != "active" {
		t.Fatalf("status after open = %v, want active", got)
	}

	// Partial fill of 40.
	resp, fill := doJSON(t, http.MethodPost, ts.URL+"/orders/"+orderID+"/fill", map[string]any{
		"taker_address": "taker-a",
		"amount":        "40",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("fill status = %d: %v", resp.StatusCode, fill)
	}
	decoded = broadcastFirst(t, ts.URL, "/orders/"+orderID, fill)
	mid := decoded["order"].(map[string]any)
	if mid["status"] != "partially_filled" || mid["filled_amount"] != "40" {
		t.Fatalf("after 40: %v", mid)
	}

	// Remaining 60 via the partial-fill alias.
	resp, fill = doJSON(t, http.MethodPost, ts.URL+"/orders/"+orderID+"/partial-fill", map[string]any{
		"taker_address": "taker-b",
		"amount":        "60",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second fill status = %d: %v", resp.StatusCode, fill)
	}
	decoded = broadcastFirst(t, ts.URL, "/orders/"+orderID, fill)
	done := decoded["order"].(map[string]any)
	if done["status"] != "filled" || done["filled_amount"] != "100" {
		t.Fatalf("after 60: %v", done)
	}

	// Any further fill is a state conflict carrying the entity snapshot.
	resp, rejected := doJSON(t, http.MethodPost, ts.URL+"/orders/"+orderID+"/fill", map[string]any{
		"taker_address": "taker-c",
		"amount":        "1",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overfill status = %d: %v", resp.StatusCode, rejected)
	}
	errBody := rejected["error"].(map[string]any)
	if errBody["code"] != "OrderNotFillable" {
		t.Fatalf("code = %v, want OrderNotFillable", errBody["code"])
	}
	if errBody["entity"] == nil {
		t.Fatal("expected entity snapshot in error body")
	}
}

func TestCancelAuthorizationOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	_, created := doJSON(t, http.MethodPost, ts.URL+"/orders", orderSpec(), nil)
	orderID := created["order"].(map[string]any)["id"].(string)
	broadcastFirst(t, ts.URL, "/orders/"+orderID, created)

	resp, body := doJSON(t, http.MethodDelete, ts.URL+"/orders/"+orderID+"/cancel", map[string]any{
		"requester": "stranger",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if body["error"].(map[string]any)["code"] != "Unauthorized" {
		t.Fatalf("code = %v, want Unauthorized", body["error"].(map[string]any)["code"])
	}

	resp, cancel := doJSON(t, http.MethodDelete, ts.URL+"/orders/"+orderID+"/cancel", map[string]any{
		"requester": "maker",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d: %v", resp.StatusCode, cancel)
	}
	decoded := broadcastFirst(t, ts.URL, "/orders/"+orderID, cancel)
	if got := decoded["order"].(map[string]any)["status"]; got != "cancelled" {
		t.Fatalf("status = %v, want cancelled", got)
	}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	depKey, _ := ethcrypto.GenerateKey()
	rcpKey, _ := ethcrypto.GenerateKey()
	dep := hex.EncodeToString(ethcrypto.CompressPubkey(&depKey.PublicKey))
	rcp := hex.EncodeToString(ethcrypto.CompressPubkey(&rcpKey.PublicKey))

	resp, created := doJSON(t, http.MethodPost, ts.URL+"/escrows", map[string]any{
		"depositor_address": dep,
		"recipient_address": rcp,
		"escrow_type":       "two_party",
		"amount":            "50",
		"token":             "BTC",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, created)
	}
	escrowID := created["escrow"].(map[string]any)["id"].(string)

	decoded := broadcastFirst(t, ts.URL, "/escrows/"+escrowID, created)
	if got := decoded["escrow"].(map[string]any)["status"]; got != "locked" {
		t.Fatalf("status = %v, want locked", got)
	}

	id := uuid.MustParse(escrowID)
	sig, err := ethcrypto.Sign(escrow.ReleaseDigest(id), rcpKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, release := doJSON(t, http.MethodPost, ts.URL+"/escrows/"+escrowID+"/release", map[string]any{
		"signature": hex.EncodeToString(sig),
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("release status = %d: %v", resp.StatusCode, release)
	}
	decoded = broadcastFirst(t, ts.URL, "/escrows/"+escrowID, release)
	if got := decoded["escrow"].(map[string]any)["status"]; got != "released" {
		t.Fatalf("status = %v, want released", got)
	}

	// Listing by party pubkey finds the escrow.
	resp, byDep := doJSON(t, http.MethodGet, ts.URL+"/escrows/by-depositor/"+dep, nil, nil)
	if resp.StatusCode != http.StatusOK || byDep["count"].(float64) != 1 {
		t.Fatalf("by-depositor = %d: %v", resp.StatusCode, byDep)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	ts, _ := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "create-once"}

	resp1, first := doJSON(t, http.MethodPost, ts.URL+"/orders", orderSpec(), headers)
	resp2, second := doJSON(t, http.MethodPost, ts.URL+"/orders", orderSpec(), headers)
	if resp1.StatusCode != http.StatusCreated || resp2.StatusCode != http.StatusCreated {
		t.Fatalf("statuses = %d, %d", resp1.StatusCode, resp2.StatusCode)
	}
	id1 := first["order"].(map[string]any)["id"]
	id2 := second["order"].(map[string]any)["id"]
	if id1 != id2 {
		t.Fatalf("replayed response returned a different order: %v vs %v", id1, id2)
	}

	_, list := doJSON(t, http.MethodGet, ts.URL+"/orders", nil, nil)
	if list["count"].(float64) != 1 {
		t.Fatalf("count = %v, want 1 order created", list["count"])
	}
}

func TestListOrdersFilters(t *testing.T) {
	ts, _ := newTestServer(t)

	spec := orderSpec()
	doJSON(t, http.MethodPost, ts.URL+"/orders", spec, nil)
	spec["maker_address"] = "other-maker"
	doJSON(t, http.MethodPost, ts.URL+"/orders", spec, nil)

	_, list := doJSON(t, http.MethodGet, ts.URL+"/orders?maker_address=other-maker", nil, nil)
	if list["count"].(float64) != 1 {
		t.Fatalf("filtered count = %v, want 1", list["count"])
	}
	_, all := doJSON(t, http.MethodGet, ts.URL+"/orders", nil, nil)
	if all["count"].(float64) != 2 {
		t.Fatalf("count = %v, want 2", all["count"])
	}
}

func TestValidationErrorsMapToBadRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	spec := orderSpec()
	spec["offer_amount"] = "0"
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/orders", spec, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "InvalidOrderSpec" || errBody["kind"] != "validation" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, health := doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if health["status"] != "ok" || health["mock_mode"] != true {
		t.Fatalf("health = %v", health)
	}
	if health["prover_api"].(map[string]any)["reachable"] != true {
		t.Fatalf("prover_api = %v", health["prover_api"])
	}

	resp, pv := doJSON(t, http.MethodGet, ts.URL+"/health/prover", nil, nil)
	if resp.StatusCode != http.StatusOK || pv["reachable"] != true {
		t.Fatalf("prover health = %d: %v", resp.StatusCode, pv)
	}
}

func TestUnknownOrderIsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/orders/"+uuid.NewString(), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
}
