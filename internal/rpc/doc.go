// Package rpc is the network front end of comcenter.
//
// One Handler holds the method table (authenticate, getMe, sendMessage,
// receiveMessage) and is shared by every transport:
//
//   - StreamServer: JSON-RPC 2.0 over raw TCP or TLS. Requests are JSON
//     values written back to back; each reply is one line.
//   - NewHTTPHandler: JSON-RPC 2.0 by POST over HTTP or HTTPS, with the
//     health and metrics endpoints on the same listener.
//   - RegisterGRPC: the comcenter.v1.ComCenter gRPC service. Params are a
//     google.protobuf.Struct, results a google.protobuf.Value.
//
// Errors from the auth gateway and the dispatcher keep their numeric codes
// (100, 300, 301, 399, 400, 401, 402) in JSON-RPC error objects; on gRPC
// the code travels in an ErrorInfo detail. Anything else is reported as an
// internal error and logged.
package rpc
