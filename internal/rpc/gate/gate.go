// Package gate is the agent-facing gRPC surface. The service descriptor and
// message types are hand-written against a JSON codec, so agents in any
// language can call it without generated protobuf stubs.
package gate

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "pushdeck.agent.Agent"

	MethodNotify         = "/" + ServiceName + "/Notify"
	MethodSubmitResponse = "/" + ServiceName + "/SubmitResponse"
	MethodHealth         = "/" + ServiceName + "/Health"
)

type NotifyRequest struct {
	Message           string   `json:"message"`
	Type              string   `json:"type,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	TargetUser        string   `json:"target_user"`
	Sender            string   `json:"sender,omitempty"`
	Title             string   `json:"title,omitempty"`
	Abstract          string   `json:"abstract,omitempty"`
	ResponseRequested bool     `json:"response_requested,omitempty"`
	ResponseType      string   `json:"response_type,omitempty"`
	ResponseOptions   []string `json:"response_options,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
	ResponseDefault   *string  `json:"response_default,omitempty"`
}

// NotifyEvent is the single terminal event of a Notify stream.
type NotifyEvent struct {
	NotificationID string  `json:"notification_id,omitempty"`
	Status         string  `json:"status"`
	Response       *string `json:"response"`
	DefaultUsed    bool    `json:"default_used,omitempty"`
	Timeout        bool    `json:"timeout,omitempty"`
}

type SubmitResponseRequest struct {
	NotificationID string `json:"notification_id"`
	ResponseValue  string `json:"response_value"`
}

type SubmitResponseResponse struct {
	Status        string `json:"status"`
	ResponseValue string `json:"response_value"`
}

type HealthRequest struct{}

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type AgentServer interface {
	Notify(*NotifyRequest, AgentNotifyServer) error
	SubmitResponse(context.Context, *SubmitResponseRequest) (*SubmitResponseResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

type AgentNotifyServer interface {
	Send(*NotifyEvent) error
	grpc.ServerStream
}

type agentNotifyServer struct {
	grpc.ServerStream
}

func (s *agentNotifyServer) Send(ev *NotifyEvent) error {
	return s.ServerStream.SendMsg(ev)
}

func RegisterAgentServer(registrar grpc.ServiceRegistrar, srv AgentServer) {
	registrar.RegisterService(&AgentServiceDesc, srv)
}

var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitResponse", Handler: _Agent_SubmitResponse_Handler},
		{MethodName: "Health", Handler: _Agent_Health_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Notify", Handler: _Agent_Notify_Handler, ServerStreams: true},
	},
	Metadata: "proto/agent.proto",
}

func _Agent_SubmitResponse_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(SubmitResponseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).SubmitResponse(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: MethodSubmitResponse,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).SubmitResponse(ctx, req.(*SubmitResponseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agent_Health_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: MethodHealth,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Agent_Notify_Handler(srv any, stream grpc.ServerStream) error {
	in := new(NotifyRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AgentServer).Notify(in, &agentNotifyServer{ServerStream: stream})
}

type AgentClient interface {
	Notify(ctx context.Context, in *NotifyRequest, opts ...grpc.CallOption) (AgentNotifyClient, error)
	SubmitResponse(ctx context.Context, in *SubmitResponseRequest, opts ...grpc.CallOption) (*SubmitResponseResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type agentClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentClient(cc grpc.ClientConnInterface) AgentClient {
	return &agentClient{cc: cc}
}

func (c *agentClient) SubmitResponse(ctx context.Context, in *SubmitResponseRequest, opts ...grpc.CallOption) (*SubmitResponseResponse, error) {
	out := new(SubmitResponseResponse)
	err := c.cc.Invoke(ctx, MethodSubmitResponse, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	err := c.cc.Invoke(ctx, MethodHealth, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type AgentNotifyClient interface {
	Recv() (*NotifyEvent, error)
	grpc.ClientStream
}

type agentNotifyClient struct {
	grpc.ClientStream
}

func (x *agentNotifyClient) Recv() (*NotifyEvent, error) {
	ev := new(NotifyEvent)
	if err := x.ClientStream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *agentClient) Notify(ctx context.Context, in *NotifyRequest, opts ...grpc.CallOption) (AgentNotifyClient, error) {
	stream, err := c.cc.NewStream(ctx, &AgentServiceDesc.Streams[0], MethodNotify, opts...)
	if err != nil {
		return nil, err
	}
	client := &agentNotifyClient{ClientStream: stream}
	if err := client.SendMsg(in); err != nil {
		return nil, err
	}
	if err := client.CloseSend(); err != nil {
		return nil, err
	}
	return client, nil
}
