package solar_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/solarwatch/internal/solar"
	"github.com/linnemanlabs/solarwatch/internal/solar/memstore"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// stepClock is a manually advanced clock.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *stepClock { return &stepClock{now: t0} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu         sync.Mutex
	dispatches []*solar.Dispatch
	err        error
}

func (n *recordingNotifier) NotifyDispatch(_ context.Context, d *solar.Dispatch) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatches = append(n.dispatches, d)
	return n.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	stages []string
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev *solar.AutomationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, ev.Stage)
	return p.err
}

type fixture struct {
	store *memstore.Store
	clock *stepClock
	svc   *solar.Service
}

func newFixture(t *testing.T, opts solar.Options) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), clock: newClock()}
	opts.Clock = f.clock
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	f.svc = solar.NewService(f.store, opts)
	return f
}

func (f *fixture) panel(t *testing.T, code, zone string, row int, status string) *solar.Panel {
	t.Helper()
	p := &solar.Panel{
		ID:          "panel-" + code,
		Code:        code,
		Zone:        zone,
		Row:         row,
		Column:      1,
		Status:      status,
		LastChecked: f.clock.Now(),
	}
	if err := f.store.CreatePanel(context.Background(), p); err != nil {
		t.Fatalf("CreatePanel(%s): %v", code, err)
	}
	return p
}

func (f *fixture) technician(t *testing.T, id, name string, active int) {
	t.Helper()
	err := f.store.CreateTechnician(context.Background(), &solar.Technician{
		ID:            id,
		Name:          name,
		Status:        solar.TechnicianAvailable,
		ActiveTickets: active,
	})
	if err != nil {
		t.Fatalf("CreateTechnician(%s): %v", id, err)
	}
}

func (f *fixture) tech(t *testing.T, id string) *solar.Technician {
	t.Helper()
	tech, ok, err := f.store.GetTechnician(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetTechnician(%s) = %v, %v", id, ok, err)
	}
	return tech
}

func (f *fixture) ingest(t *testing.T, body string) *solar.IngestResult {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res
}

func (f *fixture) scan(t *testing.T, id string) *solar.Scan {
	t.Helper()
	s, ok, err := f.store.GetScan(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetScan(%s) = %v, %v", id, ok, err)
	}
	return s
}

func (f *fixture) activeAlerts(t *testing.T) []*solar.Alert {
	t.Helper()
	alerts, err := f.store.ListActiveAlerts(context.Background())
	if err != nil {
		t.Fatalf("ListActiveAlerts: %v", err)
	}
	return alerts
}

func (f *fixture) allTickets(t *testing.T) []*solar.Ticket {
	t.Helper()
	tickets, err := f.store.ListTickets(context.Background(), solar.TicketFilter{})
	if err != nil {
		t.Fatalf("ListTickets: %v", err)
	}
	return tickets
}

// scanBody renders a payload with dusty dusty panels, faulty faulty panels
// and one clean panel. extra is spliced in verbatim as further fields.
func scanBody(device string, ts time.Time, severity string, dusty, faulty int, extra string) string {
	panels := `{"panel_number":"CLEAN-1","status":"CLEAN"}`
	for i := range dusty {
		panels += fmt.Sprintf(`,{"panel_number":"D%d","status":"DUSTY"}`, i+1)
	}
	for i := range faulty {
		panels += fmt.Sprintf(`,{"panel_number":"F%d","status":"FAULTY"}`, i+1)
	}
	body := fmt.Sprintf(`{"deviceId":%q,"timestamp":%q,"thermal":{"mean_temp":41.0,"delta":4.0,"severity":%q},"panels":[%s]`,
		device, ts.Format(time.RFC3339), severity, panels)
	if extra != "" {
		body += "," + extra
	}
	return body + "}"
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}
}

func intp(v int) *int { return &v }

func strp(v string) *string { return &v }
