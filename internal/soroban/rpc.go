package soroban

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC methods exposed by the contract relay.
const (
	methodSimulate       = "simulateInvocation"
	methodPrepare        = "prepareInvocation"
	methodSend           = "sendTransaction"
	methodGetTransaction = "getTransaction"
	methodHealth         = "getHealth"
)

// RPCBackend reaches a contract relay over JSON-RPC 2.0. The relay owns
// transaction assembly (XDR, footprints, fees) and network submission.
type RPCBackend struct {
	client *rpc.Client
}

// DialRPC connects to the relay at url.
func DialRPC(ctx context.Context, url string, timeout time.Duration) (*RPCBackend, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("soroban: dial relay: %w", err)
	}
	return &RPCBackend{client: client}, nil
}

// NewRPCBackend wraps an existing client.
func NewRPCBackend(client *rpc.Client) *RPCBackend {
	return &RPCBackend{client: client}
}

type prepareParams struct {
	Invocation Invocation  `json:"invocation"`
	Simulation *Simulation `json:"simulation"`
}

// Simulate implements Backend.
func (b *RPCBackend) Simulate(ctx context.Context, inv Invocation) (*Simulation, error) {
	var out Simulation
	if err := b.client.CallContext(ctx, &out, methodSimulate, inv); err != nil {
		return nil, err
	}
	return &out, nil
}

// Prepare implements Backend.
func (b *RPCBackend) Prepare(ctx context.Context, inv Invocation, sim *Simulation) (*UnsignedTx, error) {
	var out UnsignedTx
	if err := b.client.CallContext(ctx, &out, methodPrepare, prepareParams{Invocation: inv, Simulation: sim}); err != nil {
		return nil, err
	}
	if out.Hash == "" {
		return nil, fmt.Errorf("relay returned a transaction without hash")
	}
	return &out, nil
}

// Submit implements Backend.
func (b *RPCBackend) Submit(ctx context.Context, tx *SignedTx) (*SubmitResult, error) {
	var out SubmitResult
	if err := b.client.CallContext(ctx, &out, methodSend, tx); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransaction implements Backend.
func (b *RPCBackend) GetTransaction(ctx context.Context, hash string) (*TxInfo, error) {
	var out TxInfo
	if err := b.client.CallContext(ctx, &out, methodGetTransaction, hash); err != nil {
		return nil, err
	}
	if out.Status == "" {
		out.Status = TxNotFound
	}
	return &out, nil
}

// Health implements Backend.
func (b *RPCBackend) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := b.client.CallContext(ctx, &out, methodHealth); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("relay status %q", out.Status)
	}
	return nil
}

// Close releases the underlying connection.
func (b *RPCBackend) Close() {
	b.client.Close()
}
