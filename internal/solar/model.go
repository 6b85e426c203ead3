package solar

import (
	"encoding/json"
	"time"
)

// ScanStatus tracks where a scan is in its lifecycle.
type ScanStatus string

const (
	// ScanPending means recorded, no automation running
	ScanPending ScanStatus = "pending"

	// ScanProcessing means ticket automation was triggered
	ScanProcessing ScanStatus = "processing"

	// ScanProcessed means a ticket was created from the scan
	ScanProcessed ScanStatus = "processed"

	// ScanArchived is set by operators only
	ScanArchived ScanStatus = "archived"
)

// Valid reports whether s is a known scan status.
func (s ScanStatus) Valid() bool {
	switch s {
	case ScanPending, ScanProcessing, ScanProcessed, ScanArchived:
		return true
	}
	return false
}

// DetectionStatus is the per-panel classification reported by a device.
type DetectionStatus string

const (
	DetectionClean   DetectionStatus = "CLEAN"
	DetectionDusty   DetectionStatus = "DUSTY"
	DetectionFaulty  DetectionStatus = "FAULTY"
	DetectionUnknown DetectionStatus = "UNKNOWN"
)

// AlertStatus is the condition of a zone/row alert.
type AlertStatus string

const (
	AlertWarning AlertStatus = "warning"
	AlertFault   AlertStatus = "fault"
)

// TicketStatus tracks a maintenance ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketResolved, TicketClosed:
		return true
	}
	return false
}

// Terminal reports whether the status ends the ticket lifecycle.
func (s TicketStatus) Terminal() bool {
	return s == TicketResolved || s == TicketClosed
}

// Panel status values as stored on the panel roster.
const (
	PanelHealthy = "healthy"
	PanelWarning = "warning"
	PanelFault   = "fault"
	PanelOffline = "offline"
)

// Technician status values.
const (
	TechnicianAvailable = "available"
	TechnicianBusy      = "busy"
	TechnicianOffline   = "offline"
)

// Thermal is the thermal summary attached to a scan.
type Thermal struct {
	MinTemp   *float64 `json:"min_temp,omitempty"`
	MaxTemp   *float64 `json:"max_temp,omitempty"`
	MeanTemp  *float64 `json:"mean_temp,omitempty"`
	Delta     *float64 `json:"delta,omitempty"`
	RiskScore *float64 `json:"risk_score,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// Scan is one device report.
type Scan struct {
	ID              string           `json:"id"`
	Timestamp       time.Time        `json:"timestamp"`
	Priority        string           `json:"priority"`
	Status          ScanStatus       `json:"status"`
	Thermal         Thermal          `json:"thermal"`
	DustyPanelCount int              `json:"dusty_panel_count"`
	CleanPanelCount int              `json:"clean_panel_count"`
	TotalPanels     int              `json:"total_panels"`
	DeviceID        string           `json:"device_id,omitempty"`
	DeviceName      string           `json:"device_name,omitempty"`
	AlertCode       string           `json:"alert_id,omitempty"`
	PanelCode       string           `json:"panel_id,omitempty"`
	RowNumber       *int             `json:"row_number,omitempty"`
	ThermalImageURL string           `json:"thermal_image_url,omitempty"`
	RGBImageURL     string           `json:"rgb_image_url,omitempty"`
	Detections      []PanelDetection `json:"panel_detections,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// HasFaulty reports whether any detection on the scan is FAULTY.
func (s *Scan) HasFaulty() bool {
	for i := range s.Detections {
		if s.Detections[i].Status == DetectionFaulty {
			return true
		}
	}
	return false
}

// PanelDetection is a per-panel classification belonging to one scan.
type PanelDetection struct {
	ID           string          `json:"id"`
	ScanID       string          `json:"scan_id"`
	PanelNumber  string          `json:"panel_number"`
	Status       DetectionStatus `json:"status"`
	X1           float64         `json:"x1"`
	Y1           float64         `json:"y1"`
	X2           float64         `json:"x2"`
	Y2           float64         `json:"y2"`
	Confidence   *float64        `json:"confidence,omitempty"`
	FaultType    string          `json:"fault_type,omitempty"`
	CropImageURL string          `json:"crop_image_url,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Alert says something is wrong in a zone/row.
type Alert struct {
	ID          string      `json:"id"`
	Code        string      `json:"alert_id"`
	Zone        string      `json:"zone"`
	Row         int         `json:"row"`
	Status      AlertStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	Dismissed   bool        `json:"dismissed"`
	DismissedAt *time.Time  `json:"dismissed_at,omitempty"`
	ScanID      string      `json:"scan_id,omitempty"`
	TicketID    string      `json:"ticket_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Panel is a physical solar panel on the roster.
type Panel struct {
	ID          string    `json:"id"`
	Code        string    `json:"panel_id"`
	Zone        string    `json:"zone"`
	Row         int       `json:"row"`
	Column      int       `json:"column"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
}

// Technician is an assignment target for tickets.
type Technician struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Email           string   `json:"email,omitempty"`
	Status          string   `json:"status"`
	Skills          []string `json:"skills,omitempty"`
	ActiveTickets   int      `json:"active_tickets"`
	ResolvedTickets int      `json:"resolved_tickets"`
}

// Fault is the fault record an automated ticket originates from.
type Fault struct {
	ID                string    `json:"id"`
	IncidentID        string    `json:"incident_id"`
	PanelID           string    `json:"panel_id"`
	FaultType         string    `json:"fault_type"`
	Severity          string    `json:"severity"`
	Description       string    `json:"description"`
	AIConfidence      float64   `json:"ai_confidence"`
	AIAnalysis        string    `json:"ai_analysis,omitempty"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
	DetectedAt        time.Time `json:"detected_at"`
}

// Ticket is a maintenance ticket.
type Ticket struct {
	ID                   string       `json:"id"`
	TicketNumber         string       `json:"ticket_number"`
	PanelID              string       `json:"panel_id,omitempty"`
	FaultID              string       `json:"fault_id,omitempty"`
	Status               TicketStatus `json:"status"`
	Priority             string       `json:"priority"`
	Description          string       `json:"description"`
	FaultType            string       `json:"fault_type"`
	AssignedTechnicianID string       `json:"assigned_technician_id,omitempty"`
	AlertCode            string       `json:"alert_id,omitempty"`
	Zone                 string       `json:"zone,omitempty"`
	Row                  *int         `json:"row,omitempty"`
	DroneImageURL        string       `json:"drone_image_url,omitempty"`
	ThermalImageURL      string       `json:"thermal_image_url,omitempty"`
	AIAnalysis           string       `json:"ai_analysis,omitempty"`
	RecommendedAction    string       `json:"recommended_action,omitempty"`
	ResolutionNotes      string       `json:"resolution_notes,omitempty"`
	ResolutionCause      string       `json:"resolution_cause,omitempty"`
	ResolutionImageURL   string       `json:"resolution_image_url,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	ResolvedAt           *time.Time   `json:"resolved_at,omitempty"`

	// Populated on listings from automation events, not stored.
	ScanID      string `json:"scan_id,omitempty"`
	ScanPanelID string `json:"scan_panel_id,omitempty"`
}

// Automation event stages.
const (
	StageFaultCreated       = "fault_created"
	StageTicketCreated      = "ticket_created"
	StageTechnicianAssigned = "technician_assigned"
	StageAlertLinked        = "alert_linked"
)

// AutomationEvent is an append-only audit record written at each automation milestone.
type AutomationEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	Stage        string          `json:"stage"`
	IncidentID   string          `json:"incident_id"`
	ScanID       string          `json:"scan_id,omitempty"`
	AlertCode    string          `json:"alert_id,omitempty"`
	TicketID     string          `json:"ticket_id,omitempty"`
	TechnicianID string          `json:"technician_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
