package flightstore

import (
	"strconv"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/memtier"
)

// blockServer is a minimal in-process Flight service holding spilled blocks
// in a map.
type blockServer struct {
	flight.BaseFlightServer

	mu     sync.Mutex
	blocks map[memtier.BlockID][]float32
}

func newBlockServer() *blockServer {
	return &blockServer{blocks: make(map[memtier.BlockID][]float32)}
}

func (s *blockServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	for rdr.Next() {
		id, payload, err := recordPayload(rdr.Record())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.blocks[id] = payload
		s.mu.Unlock()
	}
	return rdr.Err()
}

func (s *blockServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	raw, err := strconv.ParseUint(string(ticket.Ticket), 10, 64)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad ticket %q", ticket.Ticket)
	}
	id := memtier.BlockID(raw)

	s.mu.Lock()
	payload, ok := s.blocks[id]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "block %d not spilled", id)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(Schema()))
	defer wr.Close()
	rec := blockRecord(id, payload)
	defer rec.Release()
	return wr.Write(rec)
}

func startServer(t *testing.T) (string, *blockServer) {
	t.Helper()
	svc := newBlockServer()
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init("localhost:0"); err != nil {
		t.Fatalf("init flight server: %v", err)
	}
	srv.RegisterFlightService(svc)
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	return srv.Addr().String(), svc
}

func TestSpillFetchRoundTrip(t *testing.T) {
	addr, _ := startServer(t)
	client, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	want := []float32{1.5, -2.25, 0, 42}
	if err := client.Spill(7, want); err != nil {
		t.Fatalf("spill: %v", err)
	}
	got, err := client.Fetch(7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("fetched %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFetchMissingBlock(t *testing.T) {
	addr, _ := startServer(t)
	client, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Fetch(99); err == nil {
		t.Error("expected error fetching a block that was never spilled")
	}
}

func TestStoreSpillsThroughFlight(t *testing.T) {
	addr, svc := startServer(t)
	client, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	cfg := config.Default()
	cfg.FastCapacity = 64
	cfg.MediumCapacity = 64
	cfg.SlowCapacity = 256
	store := memtier.NewStore(cfg, memtier.WithSpiller(client))

	id, err := store.Allocate(32, memtier.TempHot)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	if err := store.Write(id, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := store.Demote(id); err != nil {
		t.Fatalf("demote to medium: %v", err)
	}
	if err := store.Demote(id); err != nil {
		t.Fatalf("demote to slow: %v", err)
	}

	svc.mu.Lock()
	spilled := len(svc.blocks)
	svc.mu.Unlock()
	if spilled != 1 {
		t.Fatalf("backing store holds %d blocks, want 1", spilled)
	}

	got, err := store.Read(id)
	if err != nil {
		t.Fatalf("read after spill: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d = %v, want %v", i, got[i], want[i])
		}
	}
}
