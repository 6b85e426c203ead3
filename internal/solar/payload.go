package solar

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PayloadField is a logical field of a scan payload that devices spell in
// more than one way.
type PayloadField string

const (
	FieldAlertCode    PayloadField = "alert_code"
	FieldPanelCode    PayloadField = "panel_code"
	FieldRowNumber    PayloadField = "row_number"
	FieldDeviceID     PayloadField = "device_id"
	FieldDeviceName   PayloadField = "device_name"
	FieldThermalImage PayloadField = "thermal_image"
	FieldRGBImage     PayloadField = "rgb_image"
	FieldAutoProcess  PayloadField = "auto_process"
)

// PayloadAliases lists, per logical field, the payload keys tried in order.
// The first key holding a usable value wins.
var PayloadAliases = map[PayloadField][]string{
	FieldAlertCode: {
		"alert_id", "alertId", "alertID", "alertNo", "alert_no",
		"alertNumber", "alert_number", "alert-id", "alert id",
	},
	FieldPanelCode: {
		"panel_id", "panelId", "panelID", "panelNo", "panel_no", "panelNumber", "panel_number",
	},
	FieldRowNumber:    {"row_number", "rowNumber", "row", "row_no", "rowNo"},
	FieldDeviceID:     {"deviceId", "device_id", "deviceID"},
	FieldDeviceName:   {"deviceName", "device_name"},
	FieldThermalImage: {"thermalImage", "thermal_image"},
	FieldRGBImage:     {"rgbImage", "rgb_image"},
	FieldAutoProcess:  {"autoProcess", "auto_process"},
}

// Detection payload keys, tried in order.
var (
	detectionNumberKeys    = []string{"panel_number", "panelNumber"}
	detectionFaultTypeKeys = []string{"faultType", "fault_type"}
	detectionCropKeys      = []string{"crop", "cropImageUrl", "crop_image_url"}
)

// ErrInvalidPayload is returned when a scan body is not a JSON object.
var ErrInvalidPayload = errors.New("invalid scan payload")

// Report is a normalized scan payload.
type Report struct {
	Timestamp     time.Time
	Priority      string
	Thermal       Thermal
	Detections    []PanelDetection
	DeviceID      string
	DeviceName    string
	AlertCode     string
	ExplicitAlert bool
	PanelCode     string
	RowNumber     *int
	ThermalImage  string
	RGBImage      string
	AutoProcess   bool
}

// ParseReport normalizes a raw scan payload. now stamps reports that carry
// no usable timestamp.
func ParseReport(body []byte, now time.Time) (*Report, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidPayload
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, ErrInvalidPayload
	}

	r := &Report{
		Timestamp:   parseTimestamp(root.Get("timestamp"), now),
		Priority:    strings.ToUpper(strings.TrimSpace(root.Get("priority").String())),
		Thermal:     parseThermal(root.Get("thermal")),
		DeviceID:    pickString(root, PayloadAliases[FieldDeviceID]),
		DeviceName:  pickString(root, PayloadAliases[FieldDeviceName]),
		PanelCode:   pickString(root, PayloadAliases[FieldPanelCode]),
		AutoProcess: true,
	}
	if r.Priority == "" {
		r.Priority = "NORMAL"
	}

	raw := pickString(root, PayloadAliases[FieldAlertCode])
	if raw == "" {
		raw = findAlertCode(root, false)
	}
	r.AlertCode = NormalizeAlertCode(raw)
	r.ExplicitAlert = r.AlertCode != ""

	if row, ok := pickInt(root, PayloadAliases[FieldRowNumber]); ok {
		r.RowNumber = &row
	}

	r.ThermalImage = jpegDataURL(pickString(root, PayloadAliases[FieldThermalImage]))
	r.RGBImage = jpegDataURL(pickString(root, PayloadAliases[FieldRGBImage]))

	for _, key := range PayloadAliases[FieldAutoProcess] {
		if v := root.Get(gjson.Escape(key)); v.Exists() && v.Type == gjson.False {
			r.AutoProcess = false
			break
		}
	}

	for _, p := range root.Get("panels").Array() {
		r.Detections = append(r.Detections, parseDetection(p))
	}

	return r, nil
}

// Counts returns the dusty, clean and total panel counts.
func (r *Report) Counts() (dusty, clean, total int) {
	for i := range r.Detections {
		switch r.Detections[i].Status {
		case DetectionDusty:
			dusty++
		case DetectionClean:
			clean++
		}
	}
	return dusty, clean, len(r.Detections)
}

// HasFaulty reports whether any detection is FAULTY.
func (r *Report) HasFaulty() bool {
	for i := range r.Detections {
		if r.Detections[i].Status == DetectionFaulty {
			return true
		}
	}
	return false
}

// Severity returns the normalized thermal severity.
func (r *Report) Severity() Severity {
	return NormalizeSeverity(r.Thermal.Severity)
}

// Findings summarizes what the report observed.
func (r *Report) Findings() Findings {
	dusty, _, _ := r.Counts()
	return Findings{DustyCount: dusty, HasFaulty: r.HasFaulty(), Severity: r.Severity()}
}

// FlaggedPanel returns the first DUSTY or FAULTY detection's panel number.
func (r *Report) FlaggedPanel() string {
	for i := range r.Detections {
		d := &r.Detections[i]
		if d.Status == DetectionDusty || d.Status == DetectionFaulty {
			if d.PanelNumber == unknownPanel {
				return ""
			}
			return d.PanelNumber
		}
	}
	return ""
}

const unknownPanel = "Unknown"

func parseDetection(p gjson.Result) PanelDetection {
	d := PanelDetection{
		PanelNumber:  pickString(p, detectionNumberKeys),
		Status:       NormalizeDetectionStatus(p.Get("status").String()),
		FaultType:    pickString(p, detectionFaultTypeKeys),
		CropImageURL: pickString(p, detectionCropKeys),
		Confidence:   optFloat(p.Get("confidence")),
	}
	if d.PanelNumber == "" {
		d.PanelNumber = unknownPanel
	}
	bbox := p.Get("bbox").Array()
	coord := func(key string, idx int) float64 {
		if v := p.Get(key); v.Type == gjson.Number && v.Float() != 0 {
			return v.Float()
		}
		if idx < len(bbox) && bbox[idx].Type == gjson.Number {
			return bbox[idx].Float()
		}
		return 0
	}
	d.X1, d.Y1, d.X2, d.Y2 = coord("x1", 0), coord("y1", 1), coord("x2", 2), coord("y2", 3)
	return d
}

func parseThermal(t gjson.Result) Thermal {
	if !t.IsObject() {
		return Thermal{}
	}
	th := Thermal{Severity: strings.TrimSpace(t.Get("severity").String())}
	th.MinTemp = optFloat(t.Get("min_temp"))
	th.MaxTemp = optFloat(t.Get("max_temp"))
	th.MeanTemp = optFloat(t.Get("mean_temp"))
	th.Delta = optFloat(t.Get("delta"))
	th.RiskScore = optFloat(t.Get("risk_score"))
	return th
}

// NormalizeDetectionStatus maps device status vocabulary onto DetectionStatus.
func NormalizeDetectionStatus(v string) DetectionStatus {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "CLEAN", "HEALTHY", "NORMAL":
		return DetectionClean
	case "DUSTY", "DIRTY":
		return DetectionDusty
	case "FAULTY", "FAULT":
		return DetectionFaulty
	default:
		return DetectionUnknown
	}
}

// naive ISO-8601 layouts as sent by devices without a zone offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(v gjson.Result, now time.Time) time.Time {
	switch v.Type {
	case gjson.Number:
		if ms := v.Int(); ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
		for _, layout := range naiveLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts
			}
		}
	}
	return now
}

func pickString(src gjson.Result, keys []string) string {
	for _, key := range keys {
		v := src.Get(gjson.Escape(key))
		if v.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(v.Str); s != "" {
			return s
		}
	}
	return ""
}

func pickInt(src gjson.Result, keys []string) (int, bool) {
	for _, key := range keys {
		v := src.Get(gjson.Escape(key))
		switch v.Type {
		case gjson.Number:
			if !math.IsNaN(v.Num) && !math.IsInf(v.Num, 0) {
				return int(v.Num), true
			}
		case gjson.String:
			if n, err := strconv.Atoi(strings.TrimSpace(v.Str)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func optFloat(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

// findAlertCode walks nested objects and arrays for a string stored under an
// alert-ish key (alert, alertId, alert_number, ...).
func findAlertCode(v gjson.Result, underAlertKey bool) string {
	switch {
	case v.Type == gjson.String:
		if !underAlertKey {
			return ""
		}
		if direct := NormalizeAlertCode(v.Str); canonicalAlert.MatchString(direct) {
			return direct
		}
		if m := embeddedAlertCode.FindStringSubmatch(v.Str); m != nil {
			return AlertPrefix + "-" + m[1]
		}
		return ""
	case v.IsArray():
		for _, item := range v.Array() {
			if found := findAlertCode(item, underAlertKey); found != "" {
				return found
			}
		}
	case v.IsObject():
		var found string
		v.ForEach(func(k, val gjson.Result) bool {
			found = findAlertCode(val, underAlertKey || isAlertKey(k.String()))
			return found == ""
		})
		return found
	}
	return ""
}

func isAlertKey(k string) bool {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(k))
	if key == "alert" {
		return true
	}
	return strings.Contains(key, "alert") &&
		(strings.Contains(key, "id") || strings.Contains(key, "number") || strings.Contains(key, "no"))
}

// jpegDataURL wraps bare base64 image data as a JPEG data URL.
func jpegDataURL(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "data:image/") {
		return raw
	}
	if i := strings.Index(raw, ","); i >= 0 {
		raw = raw[i+1:]
	}
	return "data:image/jpeg;base64," + raw
}
