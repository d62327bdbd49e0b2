// Package gateway orchestrates the comcenter server components.
//
// # Overview
//
// The gateway owns everything with a lifecycle: the credential store, the
// connector registry built from the networks section, the token codec, and
// one server per entry in the servers section.
//
//	type Gateway struct {
//	    config        *config.Config
//	    store         store.Store
//	    registry      *connector.Registry
//	    handler       *rpc.Handler
//	    grpcServer    *grpc.Server
//	    httpServers   []*http.Server
//	    streamServers []*rpc.StreamServer
//	    tsnetServer   *tsnet.Server
//	}
//
// # Listeners
//
//   - tcp, tls: JSON-RPC streams (rpc.StreamServer)
//   - http, https: JSON-RPC by POST plus health and metrics
//   - grpc: the comcenter.v1.ComCenter service
//
// TLS listeners load cert_file and key_file at Start. With Tailscale
// enabled the gateway also joins the tailnet and serves gRPC on :50051 and
// HTTP on :80 there.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the servers first, then closes the connectors (which logs
// out sessions they created), the store and the tailnet node.
package gateway
