package server

import (
	"context"
	"encoding/json"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"

	"google.golang.org/grpc"
)

const (
	lenderServiceName = "trancheledger.v1.LenderService"
	adminServiceName  = "trancheledger.v1.AdminService"
)

// ledgerServer is the handler type both service descriptors bind to.
type ledgerServer interface {
	SubmitCommand(ctx context.Context, et event.EventType, payload json.RawMessage) (*core.Receipt, error)
}

// unary builds a MethodDesc for a Service method. Requests are decoded by
// the registered codec, so any JSON-friendly struct works.
func unary[Req, Resp any](service, method string, fn func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func commandMethods(service string, cmds []command) []grpc.MethodDesc {
	methods := make([]grpc.MethodDesc, 0, len(cmds))
	for _, c := range cmds {
		et := c.eventType
		methods = append(methods, unary(service, c.method,
			func(s *Service, ctx context.Context, in *json.RawMessage) (*core.Receipt, error) {
				return s.SubmitCommand(ctx, et, *in)
			}))
	}
	return methods
}

func lenderServiceDesc() *grpc.ServiceDesc {
	methods := append(commandMethods(lenderServiceName, lenderCommands),
		unary(lenderServiceName, "GetPool", (*Service).GetPool),
		unary(lenderServiceName, "GetLender", (*Service).GetLender),
		unary(lenderServiceName, "GetBalance", (*Service).GetBalance),
		unary(lenderServiceName, "ListLenderFills", (*Service).ListLenderFills),
		unary(lenderServiceName, "ListJournals", (*Service).ListJournals),
		unary(lenderServiceName, "ListEpochs", (*Service).ListEpochs),
		unary(lenderServiceName, "ListEpochSummaries", (*Service).ListEpochSummaries),
		unary(lenderServiceName, "GetCoverPosition", (*Service).GetCoverPosition),
	)
	return &grpc.ServiceDesc{
		ServiceName: lenderServiceName,
		HandlerType: (*ledgerServer)(nil),
		Methods:     methods,
		Metadata:    "trancheledger/v1/lender.json",
	}
}

func adminServiceDesc() *grpc.ServiceDesc {
	methods := append(commandMethods(adminServiceName, adminCommands),
		unary(adminServiceName, "ListSystemBalances", (*Service).ListSystemBalances),
		unary(adminServiceName, "TakeSnapshot", (*Service).TakeSnapshot),
		unary(adminServiceName, "RebuildProjections", (*Service).RebuildProjections),
		unary(adminServiceName, "GetEventLogInfo", (*Service).GetEventLogInfo),
		unary(adminServiceName, "VerifyIntegrity", (*Service).VerifyIntegrity),
	)
	return &grpc.ServiceDesc{
		ServiceName: adminServiceName,
		HandlerType: (*ledgerServer)(nil),
		Methods:     methods,
		Metadata:    "trancheledger/v1/admin.json",
	}
}
