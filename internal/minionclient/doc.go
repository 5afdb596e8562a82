// Package minionclient is the minion end of the gateway RPC stream.
//
// A minion dials out to the gateway, so it can live behind NAT or a firewall. The client
// opens MinionGateway/RpcStreaming with tenant-id, location and (optionally) a bearer token
// in the metadata, sends a Hello carrying its system id, and then:
//
//   - executes gateway requests through a modules.Registry on a bounded worker pool and
//     answers each with a response carrying the same rpc id
//   - sends heartbeat sink messages every HeartbeatInterval
//   - sends its own requests to the gateway with Call, correlated by rpc id
//
// When the stream ends for any reason, outstanding calls fail with
// minion.ErrStreamTerminated and Run reconnects after a backoff that doubles from
// MinBackoff up to MaxBackoff, resetting once a stream is established again.
package minionclient
