// ABOUTME: Unit tests for mapping dispatcher outcomes onto gRPC and HTTP statuses
// ABOUTME: Also covers JSON payload conversion used by the HTTP API

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/minion-gateway/internal/minion"
	pb "github.com/2389/minion-gateway/proto/minion"
)

func TestDispatchStatus(t *testing.T) {
	tests := []struct {
		err      error
		wantCode codes.Code
		wantHTTP int
	}{
		{minion.ErrTargetUnreachable, codes.Unavailable, http.StatusServiceUnavailable},
		{minion.ErrShutdown, codes.Unavailable, http.StatusServiceUnavailable},
		{minion.ErrTimeout, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{minion.ErrStreamTerminated, codes.Aborted, http.StatusBadGateway},
		{minion.ErrUnknownModule, codes.Unimplemented, http.StatusNotFound},
		{&minion.RemoteError{Kind: pb.ErrorKindUnknownModule, Message: "x"}, codes.Unimplemented, http.StatusNotFound},
		{minion.ErrBackpressure, codes.ResourceExhausted, http.StatusTooManyRequests},
		{fmt.Errorf("%w: module id is required", minion.ErrInvalidRequest), codes.InvalidArgument, http.StatusBadRequest},
		{minion.ErrDuplicateRequestID, codes.AlreadyExists, http.StatusConflict},
		{context.Canceled, codes.Canceled, 499},
		{errors.New("boom"), codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := dispatchStatus(tt.err)
			assert.Equal(t, tt.wantCode, status.Code(err))
			assert.Equal(t, tt.wantHTTP, httpStatus(err))
		})
	}

	assert.Equal(t, http.StatusForbidden, httpStatus(status.Error(codes.PermissionDenied, "no")))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(errors.New("not a status")))
}

func TestToGatewayResponse(t *testing.T) {
	req := &pb.GatewayRpcRequest{RpcId: "r1", Location: "lab", ModuleId: "echo"}

	t.Run("success", func(t *testing.T) {
		payload, err := pb.PackPayload(wrapperspb.String("ok"))
		require.NoError(t, err)

		out, err := toGatewayResponse(req, &minion.Response{
			RpcID:    "r1",
			Identity: minion.Identity{TenantID: "acme", SystemID: "m1", Location: "lab"},
			Payload:  payload,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "m1", out.SystemId)
		assert.Equal(t, "lab", out.Location)
		assert.Equal(t, payload, out.Payload)
		assert.Nil(t, out.Error)
	})

	t.Run("handler failure is data", func(t *testing.T) {
		out, err := toGatewayResponse(req, &minion.Response{
			RpcID:    "r1",
			Identity: minion.Identity{TenantID: "acme", SystemID: "m1", Location: "lab"},
		}, &minion.RemoteError{Kind: pb.ErrorKindHandlerFailure, Message: "boom"})
		require.NoError(t, err)
		require.NotNil(t, out.Error)
		assert.Equal(t, pb.ErrorKindHandlerFailure, out.Error.Kind)
		assert.Equal(t, "boom", out.Error.Message)
		assert.Equal(t, "m1", out.SystemId)
	})

	t.Run("other failures are statuses", func(t *testing.T) {
		out, err := toGatewayResponse(req, nil, minion.ErrTargetUnreachable)
		assert.Nil(t, out)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})
}

func TestJSONPayloads(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		p, err := packJSONPayload(nil)
		require.NoError(t, err)
		assert.Nil(t, p)

		raw, err := payloadJSON(nil)
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("value roundtrip", func(t *testing.T) {
		p, err := packJSONPayload([]byte(`{"a":[1,"two",true]}`))
		require.NoError(t, err)

		var v structpb.Value
		require.NoError(t, p.UnmarshalTo(&v))
		assert.Equal(t, "two", v.GetStructValue().Fields["a"].GetListValue().Values[1].GetStringValue())

		raw, err := payloadJSON(p)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":[1,"two",true]}`, string(raw))
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := packJSONPayload([]byte(`{nope`))
		assert.Error(t, err)
	})

	t.Run("known message type", func(t *testing.T) {
		p, err := pb.PackPayload(wrapperspb.String("hi"))
		require.NoError(t, err)
		raw, err := payloadJSON(p)
		require.NoError(t, err)
		assert.JSONEq(t, `"hi"`, string(raw))
	})

	t.Run("unknown type falls back to raw form", func(t *testing.T) {
		raw, err := payloadJSON(&pb.Payload{TypeUrl: "type.googleapis.com/example.Unknown", Value: []byte{1, 2}})
		require.NoError(t, err)
		assert.Contains(t, string(raw), "example.Unknown")
	})
}
