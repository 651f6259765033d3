package soroban

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// relayServer answers JSON-RPC calls from a method table.
func relayServer(t *testing.T, methods map[string]func(params []json.RawMessage) (any, *rpcErr)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		h, ok := methods[req.Method]
		if !ok {
			resp["error"] = rpcErr{Code: -32601, Message: "method not found"}
		} else if result, rerr := h(req.Params); rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func dialTest(t *testing.T, url string) *RPCBackend {
	t.Helper()
	b, err := DialRPC(context.Background(), url, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestRPCBackend_Simulate(t *testing.T) {
	url := relayServer(t, map[string]func([]json.RawMessage) (any, *rpcErr){
		methodSimulate: func(params []json.RawMessage) (any, *rpcErr) {
			var inv Invocation
			require.Len(t, params, 1)
			require.NoError(t, json.Unmarshal(params[0], &inv))
			assert.Equal(t, FnGetScore, inv.Function)
			addr, ok := inv.Args[0].AsAddress()
			assert.True(t, ok)
			assert.Equal(t, testAddr, addr)
			return Simulation{Error: CodeNoScore, LatestLedger: 99}, nil
		},
	})

	b := dialTest(t, url)
	sim, err := b.Simulate(context.Background(), Invocation{ContractID: testContract, Function: FnGetScore, Args: []Arg{AddressArg(testAddr)}})
	require.NoError(t, err)
	assert.Equal(t, CodeNoScore, sim.Error)
	assert.Equal(t, uint32(99), sim.LatestLedger)
}

func TestRPCBackend_Lifecycle(t *testing.T) {
	url := relayServer(t, map[string]func([]json.RawMessage) (any, *rpcErr){
		methodPrepare: func(params []json.RawMessage) (any, *rpcErr) {
			var p prepareParams
			require.NoError(t, json.Unmarshal(params[0], &p))
			assert.Equal(t, FnStoreScore, p.Invocation.Function)
			return UnsignedTx{Envelope: "AAAA", Hash: "abcd"}, nil
		},
		methodSend: func(params []json.RawMessage) (any, *rpcErr) {
			var tx SignedTx
			require.NoError(t, json.Unmarshal(params[0], &tx))
			return SubmitResult{Hash: tx.Hash, Status: SubmitPending}, nil
		},
		methodGetTransaction: func(params []json.RawMessage) (any, *rpcErr) {
			return map[string]any{"status": "SUCCESS", "return_value": 512, "ledger": 7}, nil
		},
		methodHealth: func([]json.RawMessage) (any, *rpcErr) {
			return map[string]string{"status": "healthy"}, nil
		},
	})
	b := dialTest(t, url)
	ctx := context.Background()

	tx, err := b.Prepare(ctx, Invocation{Function: FnStoreScore}, &Simulation{})
	require.NoError(t, err)
	assert.Equal(t, "abcd", tx.Hash)

	res, err := b.Submit(ctx, &SignedTx{Hash: tx.Hash})
	require.NoError(t, err)
	assert.Equal(t, SubmitPending, res.Status)

	info, err := b.GetTransaction(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, TxSuccess, info.Status)
	assert.JSONEq(t, `512`, string(info.ReturnValue))

	assert.NoError(t, b.Health(ctx))
}

func TestRPCBackend_Errors(t *testing.T) {
	url := relayServer(t, map[string]func([]json.RawMessage) (any, *rpcErr){
		methodGetTransaction: func([]json.RawMessage) (any, *rpcErr) {
			return nil, &rpcErr{Code: -32000, Message: "ledger closed"}
		},
		methodPrepare: func([]json.RawMessage) (any, *rpcErr) {
			return UnsignedTx{}, nil
		},
		methodHealth: func([]json.RawMessage) (any, *rpcErr) {
			return map[string]string{"status": "catching_up"}, nil
		},
	})
	b := dialTest(t, url)
	ctx := context.Background()

	_, err := b.GetTransaction(ctx, "abcd")
	assert.ErrorContains(t, err, "ledger closed")

	_, err = b.Prepare(ctx, Invocation{}, &Simulation{})
	assert.ErrorContains(t, err, "without hash")

	assert.Error(t, b.Health(ctx))
}
