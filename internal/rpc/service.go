// Package rpc is the gRPC intake through which the simulator submits
// authorization requests to the acquirer.
//
// The service has a single unary method. Its request and response travel as
// google.protobuf.Struct documents, so no generated code is needed:
//
//	request:  {"message": "<wire text>", "client_id": "<caller>"}
//	response: {"success": true|false, "message": "<detail>"}
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName           = "iso8583.Iso8583Service"
	MethodSendTransaction = "/" + ServiceName + "/SendTransaction"
)

// TransactionRequest submits one wire message.
type TransactionRequest struct {
	Message  string
	ClientID string
}

// TransactionResponse reports whether the message was accepted.
type TransactionResponse struct {
	Success bool
	Message string
}

func (r *TransactionRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"message":   r.Message,
		"client_id": r.ClientID,
	})
}

func requestFromStruct(s *structpb.Struct) *TransactionRequest {
	f := s.GetFields()
	return &TransactionRequest{
		Message:  f["message"].GetStringValue(),
		ClientID: f["client_id"].GetStringValue(),
	}
}

func (r *TransactionResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"success": r.Success,
		"message": r.Message,
	})
}

func responseFromStruct(s *structpb.Struct) *TransactionResponse {
	f := s.GetFields()
	return &TransactionResponse{
		Success: f["success"].GetBoolValue(),
		Message: f["message"].GetStringValue(),
	}
}

// Iso8583ServiceServer is implemented by the acquirer's intake.
type Iso8583ServiceServer interface {
	SendTransaction(ctx context.Context, req *TransactionRequest) (*TransactionResponse, error)
}

// ServiceDesc describes the service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Iso8583ServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendTransaction", Handler: sendTransactionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iso8583.proto",
}

// RegisterIso8583ServiceServer registers srv with s.
func RegisterIso8583ServiceServer(s grpc.ServiceRegistrar, srv Iso8583ServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func sendTransactionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(Iso8583ServiceServer).SendTransaction(ctx, requestFromStruct(req.(*structpb.Struct)))
		if err != nil {
			return nil, err
		}
		return resp.toStruct()
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSendTransaction}
	return interceptor(ctx, in, info, call)
}
