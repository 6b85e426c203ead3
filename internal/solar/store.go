package solar

import (
	"context"
	"time"
)

// ScanFilter narrows scan listings.
type ScanFilter struct {
	Status ScanStatus
	Limit  int
}

// TicketFilter narrows ticket listings. An empty IDs slice matches nothing
// when RestrictIDs is set.
type TicketFilter struct {
	Status      TicketStatus
	Priority    string
	IDs         []string
	RestrictIDs bool
}

// Store is the persistence port for scans, alerts, panels, technicians,
// faults, tickets and automation events. Lookups report absence with
// ok=false; mutations of missing records return ErrNotFound and inserts
// violating a unique code return ErrConflict.
type Store interface {
	// InTx runs fn against a Store bound to one transaction. Returning an
	// error rolls back every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	CreateScan(ctx context.Context, s *Scan) error
	UpdateScan(ctx context.Context, s *Scan) error
	SetScanStatus(ctx context.Context, id string, status ScanStatus, at time.Time) error
	ReplaceDetections(ctx context.Context, scanID string, dets []PanelDetection) error
	GetScan(ctx context.Context, id string) (*Scan, bool, error)
	LatestScan(ctx context.Context) (*Scan, bool, error)
	LatestScanForDevice(ctx context.Context, deviceID string, since time.Time) (*Scan, bool, error)
	ListScans(ctx context.Context, f ScanFilter) ([]*Scan, error)
	CountScansForAlert(ctx context.Context, code string, since time.Time) (int, error)
	RelinkScans(ctx context.Context, oldCode, newCode string) error
	DeleteScan(ctx context.Context, id string) error

	CreateAlert(ctx context.Context, a *Alert) error
	UpdateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, bool, error)
	ActiveAlertByCode(ctx context.Context, code string) (*Alert, bool, error)
	ActiveAlertByRow(ctx context.Context, row int) (*Alert, bool, error)
	ActiveAlertByScan(ctx context.Context, scanID string) (*Alert, bool, error)
	ListActiveAlerts(ctx context.Context) ([]*Alert, error)
	ListAlertCodes(ctx context.Context, prefix string) ([]string, error)
	DismissAlerts(ctx context.Context, zone string, row int, status AlertStatus, at time.Time) (int, error)
	DeleteAlert(ctx context.Context, id string) error

	CreatePanel(ctx context.Context, p *Panel) error
	GetPanelByCode(ctx context.Context, code string) (*Panel, bool, error)
	LatestPanel(ctx context.Context, excludeOffline bool) (*Panel, bool, error)
	ListPanels(ctx context.Context) ([]*Panel, error)

	CreateTechnician(ctx context.Context, t *Technician) error
	GetTechnician(ctx context.Context, id string) (*Technician, bool, error)
	ListTechnicians(ctx context.Context) ([]*Technician, error)
	AdjustTechnicianCounters(ctx context.Context, id string, activeDelta, resolvedDelta int) error

	CreateFault(ctx context.Context, f *Fault) error
	ListIncidentIDs(ctx context.Context, prefix string) ([]string, error)

	CreateTicket(ctx context.Context, t *Ticket) error
	UpdateTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, bool, error)
	ListTickets(ctx context.Context, f TicketFilter) ([]*Ticket, error)
	ListTicketNumbers(ctx context.Context, prefix string) ([]string, error)
	DeleteTicket(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, e *AutomationEvent) error
	ListEventsByStage(ctx context.Context, stage string) ([]*AutomationEvent, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
