package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-watch/internal/apperrors"
	"market-watch/internal/models"
	"market-watch/internal/services/query"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const seriesServiceName = "marketwatch.v1.SeriesService"

// SeriesServiceServer is served over plain google.protobuf.Struct messages,
// so clients need no generated stubs.
type SeriesServiceServer interface {
	GetSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStates(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TriggerSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(SeriesServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryStructHandler(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SeriesServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + seriesServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SeriesServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var SeriesServiceDesc = grpc.ServiceDesc{
	ServiceName: seriesServiceName,
	HandlerType: (*SeriesServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryStructHandler("GetSeries", SeriesServiceServer.GetSeries),
		unaryStructHandler("GetStates", SeriesServiceServer.GetStates),
		unaryStructHandler("GetHistory", SeriesServiceServer.GetHistory),
		unaryStructHandler("TriggerSync", SeriesServiceServer.TriggerSync),
		unaryStructHandler("Stats", SeriesServiceServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketwatch/v1/series.proto",
}

// GetSeries returns candles and volumes for one platform.
//
// Request fields: exchange, pair, interval, min_time, max_time, fetch.
func (s *Server) GetSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	platform, err := platformFrom(req)
	if err != nil {
		return nil, toGRPCError(err)
	}

	series, err := s.querySvc.GetSeries(ctx, query.Request{
		Platform: platform,
		Interval: stringField(req, "interval"),
		MinTime:  int64(numberField(req, "min_time")),
		MaxTime:  int64(numberField(req, "max_time")),
		Fetch:    boolField(req, "fetch"),
	})
	if err != nil {
		s.logger.WithError(err).WithField("platform", platform.String()).Debug("GetSeries failed")
		return nil, toGRPCError(err)
	}

	return toStruct(series.ToResponse())
}

// GetStates returns the sync state of every platform.
func (s *Server) GetStates(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{
		"states":         s.querySvc.States(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// GetHistory returns archived candles.
//
// Request fields: exchange, pair, interval, start_time, end_time (unix seconds), limit.
func (s *Server) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	platform, err := platformFrom(req)
	if err != nil {
		return nil, toGRPCError(err)
	}

	interval := stringField(req, "interval")
	if interval == "" {
		interval = s.config.Sync.DefaultInterval
	}
	end := time.Now()
	if v := numberField(req, "end_time"); v > 0 {
		end = time.Unix(int64(v), 0)
	}
	start := end.Add(-24 * time.Hour)
	if v := numberField(req, "start_time"); v > 0 {
		start = time.Unix(int64(v), 0)
	}
	limit := int(numberField(req, "limit"))
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	candles, err := s.querySvc.History(ctx, platform, interval, start, end, limit)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return toStruct(map[string]interface{}{
		"exchange": platform.Exchange,
		"pair":     platform.Pair.String(),
		"interval": interval,
		"candles":  candles,
	})
}

// TriggerSync runs one sync cycle over all platforms.
func (s *Server) TriggerSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	inserted, err := s.querySvc.TriggerSync(ctx)
	resp := map[string]interface{}{"inserted": inserted}
	if err != nil {
		resp["error"] = err.Error()
		resp["kind"] = apperrors.Kind(err)
	}
	return toStruct(resp)
}

func (s *Server) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stats := s.querySvc.Stats(ctx)
	stats["uptime_seconds"] = int64(time.Since(s.startTime).Seconds())
	return toStruct(stats)
}

func platformFrom(req *structpb.Struct) (models.Platform, error) {
	exchange := stringField(req, "exchange")
	if exchange == "" {
		return models.Platform{}, fmt.Errorf("%w: exchange is required", apperrors.ErrInvalidConfiguration)
	}
	pair, err := models.ParsePair(stringField(req, "pair"))
	if err != nil {
		return models.Platform{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfiguration, err)
	}
	return models.NewPlatform(exchange, pair), nil
}

func stringField(req *structpb.Struct, name string) string {
	if v, ok := req.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func numberField(req *structpb.Struct, name string) float64 {
	if v, ok := req.GetFields()[name]; ok {
		return v.GetNumberValue()
	}
	return 0
}

func boolField(req *structpb.Struct, name string) bool {
	if v, ok := req.GetFields()[name]; ok {
		return v.GetBoolValue()
	}
	return false
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, toGRPCError(fmt.Errorf("failed to encode response: %w", err))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, toGRPCError(fmt.Errorf("failed to encode response: %w", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toGRPCError(fmt.Errorf("failed to encode response: %w", err))
	}
	return out, nil
}
