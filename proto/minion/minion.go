// ABOUTME: Wire types for the minion RPC stream: correlation envelopes, handshake and sink frames.
// ABOUTME: Payloads carry the type URL and bytes of an anypb.Any so handlers stay strongly typed.

package minion

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Error kinds carried in RpcError.Kind.
const (
	ErrorKindUnknownModule  = "unknown_module"
	ErrorKindHandlerFailure = "handler_failure"
	ErrorKindExpired        = "expired"
	ErrorKindBackpressure   = "backpressure"
	ErrorKindInvalidRequest = "invalid_request"
)

// Payload is the wire form of an anypb.Any.
type Payload struct {
	TypeUrl string `json:"type_url,omitempty"`
	Value   []byte `json:"value,omitempty"`
}

// PackPayload wraps a proto message into a Payload.
func PackPayload(m proto.Message) (*Payload, error) {
	a, err := anypb.New(m)
	if err != nil {
		return nil, fmt.Errorf("packing payload: %w", err)
	}
	return PayloadFromAny(a), nil
}

// PayloadFromAny converts an anypb.Any into a Payload. A nil Any yields nil.
func PayloadFromAny(a *anypb.Any) *Payload {
	if a == nil {
		return nil
	}
	return &Payload{TypeUrl: a.GetTypeUrl(), Value: a.GetValue()}
}

// Any converts the payload back into an anypb.Any.
func (p *Payload) Any() *anypb.Any {
	if p == nil {
		return nil
	}
	return &anypb.Any{TypeUrl: p.TypeUrl, Value: p.Value}
}

// UnmarshalTo decodes the payload into m. The type URL must match m's type.
func (p *Payload) UnmarshalTo(m proto.Message) error {
	if p == nil {
		return fmt.Errorf("empty payload")
	}
	return p.Any().UnmarshalTo(m)
}

// GetTypeUrl returns the payload type URL, or "" for a nil payload.
func (p *Payload) GetTypeUrl() string {
	if p == nil {
		return ""
	}
	return p.TypeUrl
}

// RpcError describes an application level failure of a request.
type RpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

func (e *RpcError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// RpcRequest is sent to the side that executes a module.
type RpcRequest struct {
	RpcId    string `json:"rpc_id"`
	SystemId string `json:"system_id,omitempty"`
	Location string `json:"location,omitempty"`
	ModuleId string `json:"module_id"`
	// ExpirationTime is an absolute deadline in unix milliseconds. Zero means no deadline.
	ExpirationTime int64    `json:"expiration_time,omitempty"`
	Payload        *Payload `json:"payload,omitempty"`
}

func (r *RpcRequest) GetRpcId() string {
	if r == nil {
		return ""
	}
	return r.RpcId
}

func (r *RpcRequest) GetModuleId() string {
	if r == nil {
		return ""
	}
	return r.ModuleId
}

// RpcResponse answers an RpcRequest carrying the same RpcId.
type RpcResponse struct {
	RpcId    string    `json:"rpc_id"`
	SystemId string    `json:"system_id,omitempty"`
	Location string    `json:"location,omitempty"`
	ModuleId string    `json:"module_id"`
	Payload  *Payload  `json:"payload,omitempty"`
	Error    *RpcError `json:"error,omitempty"`
}

func (r *RpcResponse) GetRpcId() string {
	if r == nil {
		return ""
	}
	return r.RpcId
}

// Hello is the first frame a minion sends on its stream.
type Hello struct {
	SystemId string `json:"system_id"`
	Location string `json:"location,omitempty"`
	Version  string `json:"version,omitempty"`
}

// SinkMessage is a fire-and-forget message such as a heartbeat or task result.
type SinkMessage struct {
	MessageId string `json:"message_id"`
	SystemId  string `json:"system_id,omitempty"`
	ModuleId  string `json:"module_id"`
	Content   []byte `json:"content,omitempty"`
}

// MinionFrame is sent from a minion to the gateway. Exactly one field is set.
type MinionFrame struct {
	Hello    *Hello       `json:"hello,omitempty"`
	Response *RpcResponse `json:"response,omitempty"`
	Request  *RpcRequest  `json:"request,omitempty"`
	Sink     *SinkMessage `json:"sink,omitempty"`

	decodeErr error
}

// DecodeErr reports why the frame could not be decoded. A frame with a decode error
// carries no payload fields.
func (f *MinionFrame) DecodeErr() error {
	return f.decodeErr
}

func (f *MinionFrame) decodeFailed(err error) {
	*f = MinionFrame{decodeErr: err}
}

// Kinds returns how many payload fields are set. Well-formed frames carry exactly one.
func (f *MinionFrame) Kinds() int {
	n := 0
	if f.Hello != nil {
		n++
	}
	if f.Response != nil {
		n++
	}
	if f.Request != nil {
		n++
	}
	if f.Sink != nil {
		n++
	}
	return n
}

// GatewayFrame is sent from the gateway to a minion. Exactly one field is set.
type GatewayFrame struct {
	Request  *RpcRequest  `json:"request,omitempty"`
	Response *RpcResponse `json:"response,omitempty"`

	decodeErr error
}

// DecodeErr reports why the frame could not be decoded.
func (f *GatewayFrame) DecodeErr() error {
	return f.decodeErr
}

func (f *GatewayFrame) decodeFailed(err error) {
	*f = GatewayFrame{decodeErr: err}
}

// Kinds returns how many payload fields are set.
func (f *GatewayFrame) Kinds() int {
	n := 0
	if f.Request != nil {
		n++
	}
	if f.Response != nil {
		n++
	}
	return n
}

// GatewayRpcRequest is the unary request used by calling services.
type GatewayRpcRequest struct {
	RpcId     string   `json:"rpc_id,omitempty"`
	TenantId  string   `json:"tenant_id"`
	Location  string   `json:"location,omitempty"`
	SystemId  string   `json:"system_id,omitempty"`
	ModuleId  string   `json:"module_id"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`
}

// GatewayRpcResponse is returned by CloudRpc.Dispatch.
type GatewayRpcResponse struct {
	RpcId    string    `json:"rpc_id"`
	SystemId string    `json:"system_id,omitempty"`
	Location string    `json:"location,omitempty"`
	ModuleId string    `json:"module_id"`
	Payload  *Payload  `json:"payload,omitempty"`
	Error    *RpcError `json:"error,omitempty"`
}
