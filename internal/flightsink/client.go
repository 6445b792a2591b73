// Package flightsink ships summary tables to an Arrow Flight endpoint.
package flightsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-gauge/internal/aggregate"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/report"
)

// DefaultPort is used when the configured address carries no port.
const DefaultPort = 3000

// PathRoot prefixes every descriptor path; the run id follows it.
const PathRoot = "ablation_metrics"

var errNotConnected = errors.New("client not connected, call Connect() first")

// FlightClient uploads summaries with DoPut.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient normalises addr to host:port without dialing.
func NewFlightClient(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, errors.New("flight address is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	return &FlightClient{addr: addr, timeout: 30 * time.Second}, nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect creates the gRPC channel. The channel connects lazily.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// DoPut streams the summaries as one record under PathRoot/runID and
// returns the number of acknowledgements the server sent back.
func (fc *FlightClient) DoPut(ctx context.Context, runID string, summaries []aggregate.Summary) (int, error) {
	if fc.client == nil {
		return 0, errNotConnected
	}
	if len(summaries) == 0 {
		return 0, errors.New("no summaries provided")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	mem := memory.NewGoAllocator()
	rec := report.NewRecord(mem, summaries)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(report.Schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{PathRoot, runID},
	})
	if err := w.Write(rec); err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return 0, fmt.Errorf("failed to close stream: %w", err)
	}

	acks := 0
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acks, fmt.Errorf("DoPut failed: %w", err)
		}
		acks++
	}
	logger.Log.Info("sent summaries over flight", "addr", fc.addr, "run_id", runID, "rows", len(summaries))
	return acks, nil
}
