package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
)

const (
	ServiceName    = "facereview.classifier.v1.Classifier"
	ClassifyMethod = "/" + ServiceName + "/Classify"
)

// GRPCClient вызывает внешний классификатор. Соединение создается один раз.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[*structpb.Struct]
	log     zerolog.Logger
}

// NewGRPCClient подключается к классификатору
func NewGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to classifier: %w", err)
	}

	log := logging.With("classifier")
	breaker := gobreaker.NewCircuitBreaker[*structpb.Struct](gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("classifier circuit breaker state changed")
		},
	})

	return &GRPCClient{conn: conn, timeout: timeout, breaker: breaker, log: log}, nil
}

// Classify возвращает Default при ошибке, таймауте или пустом ответе
func (c *GRPCClient) Classify(ctx context.Context, image string) Result {
	if image == "" {
		metrics.ClassifierFallbacks.Inc()
		return Default()
	}

	resp, err := c.breaker.Execute(func() (*structpb.Struct, error) {
		req, err := structpb.NewStruct(map[string]interface{}{"image": image})
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp := &structpb.Struct{}
		if err := c.conn.Invoke(callCtx, ClassifyMethod, req, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		metrics.ClassifierFallbacks.Inc()
		c.log.Warn().Err(err).Msg("classification failed, using default")
		return Default()
	}

	res, ok := ParseResponse(resp)
	if !ok {
		metrics.ClassifierFallbacks.Inc()
		c.log.Warn().Msg("empty classifier response, using default")
		return Default()
	}
	return res
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// ParseResponse читает {label, neutral, happy, surprise, sad, angry}
func ParseResponse(resp *structpb.Struct) (Result, bool) {
	if resp == nil {
		return Result{}, false
	}
	fields := resp.GetFields()

	var d emotion.Distribution
	total := 0.0
	for i, l := range emotion.Labels {
		v := fields[string(l)].GetNumberValue()
		if v < 0 {
			v = 0
		}
		d[i] = v
		total += v
	}
	if total == 0 {
		return Result{}, false
	}

	label, ok := emotion.ParseLabel(fields["label"].GetStringValue())
	if !ok {
		label = d.Dominant()
	}
	return Result{Emotions: d, Label: label}, true
}

// EncodeResponse - ответ классификатора в виде Struct
func EncodeResponse(r Result) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"label": structpb.NewStringValue(string(r.Label)),
	}
	for i, l := range emotion.Labels {
		fields[string(l)] = structpb.NewNumberValue(r.Emotions[i])
	}
	return &structpb.Struct{Fields: fields}
}

// Handler - серверная часть классификатора
type Handler interface {
	Classify(ctx context.Context, image string) Result
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facereview/classifier/v1/classifier.proto",
}

// RegisterServer регистрирует Handler на gRPC сервере
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func classifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		image := req.(*structpb.Struct).GetFields()["image"].GetStringValue()
		return EncodeResponse(srv.(Handler).Classify(ctx, image)), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClassifyMethod}
	return interceptor(ctx, in, info, call)
}
