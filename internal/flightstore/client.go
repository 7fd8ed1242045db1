// Package flightstore backs the Slow memory tier with an Apache Arrow Flight
// service. Spilled blocks are shipped as Arrow records over gRPC and fetched
// back by block ID, so a pool of runtime hosts can share one backing store.
package flightstore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/memtier"
)

const defaultTimeout = 30 * time.Second

// Schema is the wire format for one spilled block: its ID and the raw
// float32 payload.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "block_id", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "payload", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// Client implements memtier.Spiller over a Flight connection.
type Client struct {
	addr    string
	fc      flight.Client
	timeout time.Duration
	log     *logger.Logger
}

var _ memtier.Spiller = (*Client)(nil)

// Dial connects to the Flight service at addr.
func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &Client{
		addr:    addr,
		fc:      fc,
		timeout: defaultTimeout,
		log:     logger.Log.Component("flightstore"),
	}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	if c.fc == nil {
		return nil
	}
	return c.fc.Close()
}

func ticketFor(id memtier.BlockID) []byte {
	return []byte(strconv.FormatUint(uint64(id), 10))
}

func blockRecord(id memtier.BlockID, data []float32) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, Schema())
	defer b.Release()

	b.Field(0).(*array.Uint64Builder).Append(uint64(id))
	lb := b.Field(1).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Float32Builder).AppendValues(data, nil)
	return b.NewRecord()
}

// recordPayload extracts the block ID and payload from the first row of rec.
func recordPayload(rec arrow.Record) (memtier.BlockID, []float32, error) {
	if rec.NumRows() < 1 || rec.NumCols() != 2 {
		return 0, nil, fmt.Errorf("flightstore: record shape %dx%d", rec.NumRows(), rec.NumCols())
	}
	ids, ok := rec.Column(0).(*array.Uint64)
	if !ok {
		return 0, nil, fmt.Errorf("flightstore: block_id column is %T", rec.Column(0))
	}
	list, ok := rec.Column(1).(*array.List)
	if !ok {
		return 0, nil, fmt.Errorf("flightstore: payload column is %T", rec.Column(1))
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return 0, nil, fmt.Errorf("flightstore: payload values are %T", list.ListValues())
	}
	start, end := list.ValueOffsets(0)
	out := make([]float32, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, values.Value(int(i)))
	}
	return memtier.BlockID(ids.Value(0)), out, nil
}

// Spill ships one block to the backing store.
func (c *Client) Spill(id memtier.BlockID, data []float32) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stream, err := c.fc.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("spill block %d: %w", id, err)
	}
	wr := flight.NewRecordWriter(stream, ipc.WithSchema(Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"blocks", strconv.FormatUint(uint64(id), 10)},
	})
	rec := blockRecord(id, data)
	defer rec.Release()

	if err := wr.Write(rec); err != nil {
		return fmt.Errorf("spill block %d: write record: %w", id, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("spill block %d: close writer: %w", id, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("spill block %d: close stream: %w", id, err)
	}
	if _, err := stream.Recv(); err != nil && err != io.EOF {
		return fmt.Errorf("spill block %d: ack: %w", id, err)
	}
	c.log.Debug("spilled block", "block", id, "values", len(data))
	return nil
}

// Fetch reads one block back from the backing store.
func (c *Client) Fetch(id memtier.BlockID) ([]float32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: ticketFor(id)})
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", id, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: open reader: %w", id, err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, fmt.Errorf("fetch block %d: %w", id, err)
		}
		return nil, fmt.Errorf("fetch block %d: empty stream", id)
	}
	gotID, payload, err := recordPayload(rdr.Record())
	if err != nil {
		return nil, err
	}
	if gotID != id {
		return nil, fmt.Errorf("fetch block %d: store returned block %d", id, gotID)
	}
	return payload, nil
}
