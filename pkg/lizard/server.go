/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package lizard

import (
	"context"
	"net"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/vision"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const asOfServiceName = "lizard.AsOf"

// AsOfServer resolves as-of hints to the commit number a read would use.
type AsOfServer interface {
	// AsOfScn validates an scn hint and returns it.
	AsOfScn(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error)

	// AsOfTimestamp exchanges a timestamp in microseconds since the epoch to an scn.
	AsOfTimestamp(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error)

	// AsOfGcn pushes the node gcn up and returns the scn a read at gcn is bound to.
	AsOfGcn(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error)

	// CurrentScn returns the largest scn handed out.
	CurrentScn(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
}

type asOfMethod func(srv AsOfServer, ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error)

func asOfHandler(name string, call asOfMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.UInt64Value)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AsOfServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + asOfServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AsOfServer), ctx, req.(*wrapperspb.UInt64Value))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func currentScnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AsOfServer).CurrentScn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + asOfServiceName + "/CurrentScn"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AsOfServer).CurrentScn(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// AsOfServiceDesc describes the as-of service.
var AsOfServiceDesc = grpc.ServiceDesc{
	ServiceName: asOfServiceName,
	HandlerType: (*AsOfServer)(nil),
	Methods: []grpc.MethodDesc{
		asOfHandler("AsOfScn", AsOfServer.AsOfScn),
		asOfHandler("AsOfTimestamp", AsOfServer.AsOfTimestamp),
		asOfHandler("AsOfGcn", AsOfServer.AsOfGcn),
		{MethodName: "CurrentScn", Handler: currentScnHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lizard/asof",
}

// RegisterAsOfServer registers srv on s.
func RegisterAsOfServer(s *grpc.Server, srv AsOfServer) {
	s.RegisterService(&AsOfServiceDesc, srv)
}

// AsOfClient is the client of the as-of service.
type AsOfClient struct {
	cc grpc.ClientConnInterface
}

// NewAsOfClient creates a client on cc.
func NewAsOfClient(cc grpc.ClientConnInterface) *AsOfClient {
	return &AsOfClient{cc: cc}
}

func (c *AsOfClient) invoke(ctx context.Context, method string, value uint64, opts ...grpc.CallOption) (uint64, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/"+asOfServiceName+"/"+method, &wrapperspb.UInt64Value{Value: value}, out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// AsOfScn calls AsOfScn.
func (c *AsOfClient) AsOfScn(ctx context.Context, s scn.SCN, opts ...grpc.CallOption) (scn.SCN, error) {
	v, err := c.invoke(ctx, "AsOfScn", uint64(s), opts...)
	return scn.SCN(v), err
}

// AsOfTimestamp calls AsOfTimestamp.
func (c *AsOfClient) AsOfTimestamp(ctx context.Context, ts scn.UTC, opts ...grpc.CallOption) (scn.SCN, error) {
	v, err := c.invoke(ctx, "AsOfTimestamp", uint64(ts), opts...)
	return scn.SCN(v), err
}

// AsOfGcn calls AsOfGcn.
func (c *AsOfClient) AsOfGcn(ctx context.Context, gcn scn.GCN, opts ...grpc.CallOption) (scn.SCN, error) {
	v, err := c.invoke(ctx, "AsOfGcn", uint64(gcn), opts...)
	return scn.SCN(v), err
}

// CurrentScn calls CurrentScn.
func (c *AsOfClient) CurrentScn(ctx context.Context, opts ...grpc.CallOption) (scn.SCN, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/"+asOfServiceName+"/CurrentScn", &emptypb.Empty{}, out, opts...); err != nil {
		return scn.NullSCN, err
	}
	return scn.SCN(out.GetValue()), nil
}

// asOfService serves AsOfServer from a DB.
type asOfService struct {
	db *DB
}

var _ AsOfServer = (*asOfService)(nil)

func (s *asOfService) activate(hint vision.Hint) (vision.Vision, error) {
	ts := s.db.NewSnapshot()
	if err := ts.Activate(hint, vision.TableDef{DefinedSCN: scn.NullSCN, DefinedGCN: scn.NullGCN}); err != nil {
		log.WithFields(log.Fields{"hint": hint.Kind, "value": hint.Value, "error": err.Error()}).Debug("lizard::server::activate; activation failed")
		return vision.Vision{}, toStatus(err)
	}
	return ts.Vision(), nil
}

// AsOfScn validates an scn hint and returns it.
func (s *asOfService) AsOfScn(ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error) {
	v, err := s.activate(vision.Hint{Kind: vision.AsOfSCN, Value: in.GetValue()})
	if err != nil {
		return nil, err
	}
	return &wrapperspb.UInt64Value{Value: v.Value()}, nil
}

// AsOfTimestamp exchanges a timestamp to an scn.
func (s *asOfService) AsOfTimestamp(ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error) {
	v, err := s.activate(vision.Hint{Kind: vision.AsOfTimestamp, Value: in.GetValue()})
	if err != nil {
		return nil, err
	}
	return &wrapperspb.UInt64Value{Value: v.Value()}, nil
}

// AsOfGcn returns the scn a read at the gcn is bound to.
func (s *asOfService) AsOfGcn(ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.UInt64Value, error) {
	v, err := s.activate(vision.Hint{Kind: vision.AsOfGCN, Value: in.GetValue()})
	if err != nil {
		return nil, err
	}
	return &wrapperspb.UInt64Value{Value: uint64(v.CurrentSCN())}, nil
}

// CurrentScn returns the largest scn handed out.
func (s *asOfService) CurrentScn(ctx context.Context, in *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	return &wrapperspb.UInt64Value{Value: uint64(s.db.alloc.Current())}, nil
}

// toStatus maps the snapshot errors to grpc codes.
func toStatus(err error) error {
	switch err.(type) {
	case common.SnapshotOutOfRangeError:
		return status.Error(codes.OutOfRange, err.Error())
	case common.SchemaDriftError:
		return status.Error(codes.FailedPrecondition, err.Error())
	case common.SnapshotInternalError, common.UndoHeaderCorruptError:
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// Server serves the as-of service of a DB over grpc.
type Server struct {
	db   *DB
	grpc *grpc.Server
}

// NewServer creates a server for db.
func NewServer(db *DB, opts ...grpc.ServerOption) *Server {
	s := &Server{db: db, grpc: grpc.NewServer(opts...)}
	RegisterAsOfServer(s.grpc, &asOfService{db: db})
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.WithFields(log.Fields{"address": lis.Addr().String()}).Info("lizard::server::Serve; serving")
	return s.grpc.Serve(lis)
}

// Stop stops the server after the pending calls finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	log.Info("lizard::server::Stop; stopped")
}
