package grpcx

import (
	"context"

	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Metadata keys used for request lineage. Lowercase per gRPC conventions.
const (
	RequestIDMetadataKey = "x-request-id"
	ActorMetadataKey     = "x-user-id"
	CausationMetadataKey = "x-causation-id"
)

// UnaryClientInterceptor propagates request id, actor and causation from
// context into outgoing metadata.
//
// The request id comes from httpx (HTTP -> gRPC fanout) or from a previous
// gRPC hop (gRPC -> gRPC chaining).
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		id := httpx.RequestIDFromContext(ctx)
		if id == "" {
			id = RequestIDFromContext(ctx)
		}
		var kv []string
		if id != "" {
			kv = append(kv, RequestIDMetadataKey, id)
		}
		if actor := requestctx.ActorID(ctx); actor != "" {
			kv = append(kv, ActorMetadataKey, actor)
		}
		if causation := requestctx.CausationID(ctx); causation != "" {
			kv = append(kv, CausationMetadataKey, causation)
		}
		if len(kv) > 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, kv...)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryServerInterceptor reads request lineage from incoming metadata, stores
// it in context, and echoes the request id back in response headers.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		id := first(md, RequestIDMetadataKey)
		if id == "" {
			id = NewRequestID()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDMetadataKey, id))
		ctx = WithRequestID(ctx, id)
		ctx = requestctx.WithActorID(ctx, first(md, ActorMetadataKey))
		ctx = requestctx.WithCausationID(ctx, first(md, CausationMetadataKey))
		return handler(ctx, req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
