package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const serviceName = "stepsync.Collective"

type JoinRequest struct {
	Rank int `json:"rank"`
	Size int `json:"size"`
}

type JoinReply struct {
	Size int `json:"size"`
}

type CollectiveRequest struct {
	Seq   uint64 `json:"seq"`
	Rank  int    `json:"rank"`
	Root  int    `json:"root"`
	Value int64  `json:"value"`
}

type BcastReply struct {
	Value int64 `json:"value"`
}

type GatherReply struct {
	Values []int64 `json:"values,omitempty"`
}

// CollectiveServer 是 coordinator 进程对外暴露的服务
type CollectiveServer interface {
	Join(context.Context, *JoinRequest) (*JoinReply, error)
	Bcast(context.Context, *CollectiveRequest) (*BcastReply, error)
	Gather(context.Context, *CollectiveRequest) (*GatherReply, error)
}

// hubServer 把 Hub 包装成 gRPC 服务
type hubServer struct {
	hub *Hub
}

func (s *hubServer) Join(ctx context.Context, req *JoinRequest) (*JoinReply, error) {
	if req.Size != s.hub.Size() || req.Rank <= 0 || req.Rank >= s.hub.Size() {
		return nil, status.Errorf(codes.InvalidArgument,
			"rank %d of %d cannot join world of %d", req.Rank, req.Size, s.hub.Size())
	}
	log.Printf("[Transport] rank %d joined", req.Rank)
	return &JoinReply{Size: s.hub.Size()}, nil
}

func (s *hubServer) Bcast(ctx context.Context, req *CollectiveRequest) (*BcastReply, error) {
	v, err := s.hub.Bcast(ctx, req.Seq, req.Rank, req.Root, req.Value)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BcastReply{Value: v}, nil
}

func (s *hubServer) Gather(ctx context.Context, req *CollectiveRequest) (*GatherReply, error) {
	values, err := s.hub.Gather(ctx, req.Seq, req.Rank, req.Root, req.Value)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GatherReply{Values: values}, nil
}

func toStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

func unaryHandler[Req any](call func(CollectiveServer, context.Context, *Req) (interface{}, error), method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CollectiveServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CollectiveServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CollectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Join",
			Handler: unaryHandler(func(s CollectiveServer, ctx context.Context, in *JoinRequest) (interface{}, error) {
				return s.Join(ctx, in)
			}, "Join"),
		},
		{
			MethodName: "Bcast",
			Handler: unaryHandler(func(s CollectiveServer, ctx context.Context, in *CollectiveRequest) (interface{}, error) {
				return s.Bcast(ctx, in)
			}, "Bcast"),
		},
		{
			MethodName: "Gather",
			Handler: unaryHandler(func(s CollectiveServer, ctx context.Context, in *CollectiveRequest) (interface{}, error) {
				return s.Gather(ctx, in)
			}, "Gather"),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stepsync/collective",
}

// Server 持有 coordinator 侧的 gRPC 服务和 rank 0 的本地句柄
type Server struct {
	grpc *grpc.Server
	hub  *Hub
	lis  net.Listener
}

// Serve 在 lis 上启动服务，返回 rank 0 直接在 Hub 上工作的 Communicator
func Serve(lis net.Listener, size int) (*Server, Communicator) {
	hub := NewHub(size)
	s := &Server{
		grpc: grpc.NewServer(),
		hub:  hub,
		lis:  lis,
	}
	s.grpc.RegisterService(&collectiveServiceDesc, &hubServer{hub: hub})

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			log.Printf("[Transport] serve stopped: %v", err)
		}
	}()
	log.Printf("[Transport] coordinator listening on %s (world=%d)", lis.Addr(), size)

	return s, &localComm{hub: hub, rank: 0}
}

// GRPC 暴露底层 server，供 grpc-web 包装
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Stop 等待进行中的调用 (最后一次广播的回复) 发送完毕后关闭
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// remoteComm 非 coordinator rank 通过 gRPC 调用 Hub
type remoteComm struct {
	conn *grpc.ClientConn
	rank int
	size int
	seq  uint64
}

// Dial 连接 coordinator 并加入通信组
// 只有启动阶段的 Join 会按指数退避重试 (coordinator 可能还没起来)，集合操作本身从不重试
func Dial(ctx context.Context, addr string, rank, size int) (Communicator, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = time.Minute

	join := func() error {
		var reply JoinReply
		err := conn.Invoke(ctx, "/"+serviceName+"/Join", &JoinRequest{Rank: rank, Size: size}, &reply)
		if status.Code(err) == codes.InvalidArgument {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		log.Printf("[Transport] rank %d waiting for coordinator %s: %v (retry in %v)", rank, addr, err, d)
	}
	if err := backoff.RetryNotify(join, backoff.WithContext(b, ctx), notify); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", addr, err)
	}

	return &remoteComm{conn: conn, rank: rank, size: size}, nil
}

func (c *remoteComm) Rank() int { return c.rank }
func (c *remoteComm) Size() int { return c.size }

func (c *remoteComm) Bcast(ctx context.Context, root int, v int64) (int64, error) {
	c.seq++
	var reply BcastReply
	req := &CollectiveRequest{Seq: c.seq, Rank: c.rank, Root: root, Value: v}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Bcast", req, &reply); err != nil {
		return 0, err
	}
	return reply.Value, nil
}

func (c *remoteComm) Gather(ctx context.Context, root int, v int64) ([]int64, error) {
	c.seq++
	var reply GatherReply
	req := &CollectiveRequest{Seq: c.seq, Rank: c.rank, Root: root, Value: v}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Gather", req, &reply); err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, nil
	}
	return reply.Values, nil
}

func (c *remoteComm) Close() error {
	return c.conn.Close()
}
