package toybox

import (
	"time"
)

// Projections over the raw collection documents. Field names and enum values
// come from the make.toys PrinterStateV2 and PrintRequest schemas.

type PrinterModel string

const (
	PrinterModelEsp32   PrinterModel = "esp32"
	PrinterModelEsp8266 PrinterModel = "esp8266"
	PrinterModelBravo   PrinterModel = "bravo"
	PrinterModelAlpha3  PrinterModel = "alpha_3"
	PrinterModelCharlie PrinterModel = "charlie"
)

// raw state of a print request in the toyPrints collection. mixed casing is
// the server's, not ours.
type PrintRequestState string

const (
	PrintRequestStateRequested       PrintRequestState = "requested"
	PrintRequestStatePreparing       PrintRequestState = "preparing"
	PrintRequestStateHeatingUp       PrintRequestState = "HeatingUp"
	PrintRequestStatePrinting        PrintRequestState = "Printing"
	PrintRequestStatePaused          PrintRequestState = "paused"
	PrintRequestStateRequestedPause  PrintRequestState = "requested_pause"
	PrintRequestStateRequestedResume PrintRequestState = "requested_resume"
	PrintRequestStateRequestedCancel PrintRequestState = "requested_cancel"
	PrintRequestStateCancelled       PrintRequestState = "cancelled"
	PrintRequestStateDone            PrintRequestState = "done"
	PrintRequestStateUnknown         PrintRequestState = "unknown"
)

const EndReasonCompleted = "completed"

// PrintState is the simplified state exposed to consumers.
type PrintState string

const (
	PrintStateIdle       PrintState = "idle"
	PrintStatePrinting   PrintState = "printing"
	PrintStateHeating    PrintState = "heating"
	PrintStatePaused     PrintState = "paused"
	PrintStateCancelling PrintState = "cancelling"
	PrintStateCompleted  PrintState = "completed"
	PrintStateCancelled  PrintState = "cancelled"
	PrintStateError      PrintState = "error"
	PrintStateUnknown    PrintState = "unknown"
)

func parsePrintRequestState(raw string) PrintRequestState {
	switch state := PrintRequestState(raw); state {
	case PrintRequestStateRequested, PrintRequestStatePreparing,
		PrintRequestStateHeatingUp, PrintRequestStatePrinting,
		PrintRequestStatePaused, PrintRequestStateRequestedPause,
		PrintRequestStateRequestedResume, PrintRequestStateRequestedCancel,
		PrintRequestStateCancelled, PrintRequestStateDone:
		return state
	default:
		return PrintRequestStateUnknown
	}
}

// ActivePrintModel is the model/toy being printed, a blackbox object embedded
// in the print request document.
type ActivePrintModel struct {
	Id             string
	Name           string
	Image          string
	PrintingMillis int64
	IsUserUpload   bool
	CollectionType string
}

func activePrintModelFromDocument(fields map[string]any) *ActivePrintModel {
	if fields == nil {
		return nil
	}
	id := documentString(fields, "_id")
	if id == "" {
		id = documentString(fields, "model_id")
	}
	return &ActivePrintModel{
		Id:             id,
		Name:           documentString(fields, "name"),
		Image:          documentString(fields, "image"),
		PrintingMillis: documentInt64(fields, "printing_time"),
		IsUserUpload:   documentBool(fields, "isUserUpload"),
		CollectionType: documentString(fields, "collectionType"),
	}
}

// PrintRequest is one document of the toyPrints collection. Zero time values
// mean the field is absent.
type PrintRequest struct {
	Id                  string
	PrintOwner          string
	State               PrintRequestState
	IsActive            bool
	PrinterId           string
	ActivePrintModel    *ActivePrintModel
	PrintStartTime      time.Time
	PrintCompletionTime time.Time
	PrintDurationMillis int64
	PauseStartTime      time.Time
	EndReason           string
	ErrorCode           int64
	PauseCount          int64
	CleanName           string
	ParentToyId         string
	IsHidden            bool
	CreatedAt           time.Time
}

func PrintRequestFromDocument(fields Document) *PrintRequest {
	request := &PrintRequest{
		Id:                  documentString(fields, "_id"),
		PrintOwner:          documentString(fields, "print_owner"),
		State:               parsePrintRequestState(documentString(fields, "state")),
		IsActive:            documentBool(fields, "is_active"),
		PrinterId:           documentString(fields, "printer_id"),
		PrintDurationMillis: documentInt64(fields, "print_duration"),
		EndReason:           documentString(fields, "end_reason"),
		ErrorCode:           documentInt64(fields, "error_code"),
		PauseCount:          documentInt64(fields, "pauseCount"),
		CleanName:           documentString(fields, "clean_name"),
		ParentToyId:         documentString(fields, "parent_toy_id"),
		IsHidden:            documentBool(fields, "is_hidden"),
	}
	if model, ok := fields["active_print_model"].(map[string]any); ok {
		request.ActivePrintModel = activePrintModelFromDocument(model)
	}
	request.PrintStartTime, _ = parseTime(fields["print_start_time"])
	request.PrintCompletionTime, _ = parseTime(fields["print_completion_time"])
	request.PauseStartTime, _ = parseTime(fields["pause_start_time"])
	request.CreatedAt, _ = parseTime(fields["createdAt"])
	return request
}

func (self *PrintRequest) IsPaused() bool {
	return self.State == PrintRequestStatePaused ||
		self.State == PrintRequestStateRequestedPause
}

func (self *PrintRequest) IsCompleted() bool {
	return self.State == PrintRequestStateDone && self.EndReason == EndReasonCompleted
}

func (self *PrintRequest) IsCancelled() bool {
	return self.State == PrintRequestStateCancelled ||
		(self.State == PrintRequestStateDone && self.EndReason != EndReasonCompleted)
}

// IsFinished means the request reached a terminal state (completed, cancelled
// or errored out).
func (self *PrintRequest) IsFinished() bool {
	return self.State == PrintRequestStateDone || self.State == PrintRequestStateCancelled
}

// IsActivePrint means this request currently occupies the printer.
func (self *PrintRequest) IsActivePrint() bool {
	if self.IsFinished() {
		return false
	}
	if self.IsActive {
		return true
	}
	switch self.State {
	case PrintRequestStateRequested, PrintRequestStatePreparing,
		PrintRequestStateHeatingUp, PrintRequestStatePrinting,
		PrintRequestStatePaused, PrintRequestStateRequestedPause,
		PrintRequestStateRequestedResume, PrintRequestStateRequestedCancel:
		return true
	}
	return false
}

func (self *PrintRequest) SimplifiedState() PrintState {
	switch self.State {
	case PrintRequestStatePrinting:
		return PrintStatePrinting
	case PrintRequestStateHeatingUp:
		return PrintStateHeating
	case PrintRequestStatePaused, PrintRequestStateRequestedPause, PrintRequestStateRequestedResume:
		return PrintStatePaused
	case PrintRequestStateRequestedCancel:
		return PrintStateCancelling
	case PrintRequestStateCancelled:
		return PrintStateCancelled
	case PrintRequestStateDone:
		if self.EndReason == EndReasonCompleted {
			return PrintStateCompleted
		}
		if self.ErrorCode != 0 {
			return PrintStateError
		}
		return PrintStateCancelled
	case PrintRequestStateRequested, PrintRequestStatePreparing:
		// about to print
		return PrintStatePrinting
	default:
		return PrintStateUnknown
	}
}

// RemainingSeconds is the countdown to completion, floored at zero. While
// paused the countdown is frozen at the pause start (the make.toys countdown
// behavior). When the server did not supply a completion time, falls back to
// estimated total minus elapsed. false means no estimate is possible.
func (self *PrintRequest) RemainingSeconds(now time.Time) (int64, bool) {
	if self.PrintCompletionTime.IsZero() {
		total, ok := self.TotalSeconds()
		if !ok {
			return 0, false
		}
		elapsed, ok := self.ElapsedSeconds(now)
		if !ok {
			return 0, false
		}
		return floorZero(total - elapsed), true
	}
	if self.IsPaused() && !self.PauseStartTime.IsZero() {
		return floorZero(int64(self.PrintCompletionTime.Sub(self.PauseStartTime).Seconds())), true
	}
	return floorZero(int64(self.PrintCompletionTime.Sub(now).Seconds())), true
}

func (self *PrintRequest) ElapsedSeconds(now time.Time) (int64, bool) {
	if self.PrintStartTime.IsZero() {
		return 0, false
	}
	if self.IsPaused() && !self.PauseStartTime.IsZero() {
		return floorZero(int64(self.PauseStartTime.Sub(self.PrintStartTime).Seconds())), true
	}
	return floorZero(int64(now.Sub(self.PrintStartTime).Seconds())), true
}

// TotalSeconds is the estimated total print time: start to completion when
// both are known, otherwise the model's estimate or the server's duration.
func (self *PrintRequest) TotalSeconds() (int64, bool) {
	if !self.PrintStartTime.IsZero() && !self.PrintCompletionTime.IsZero() {
		return floorZero(int64(self.PrintCompletionTime.Sub(self.PrintStartTime).Seconds())), true
	}
	if self.ActivePrintModel != nil && 0 < self.ActivePrintModel.PrintingMillis {
		return self.ActivePrintModel.PrintingMillis / 1000, true
	}
	if 0 < self.PrintDurationMillis {
		return self.PrintDurationMillis / 1000, true
	}
	return 0, false
}

// ProgressPercent is elapsed over estimated total, clamped to [0, 100]. The
// server supplies no explicit progress field.
func (self *PrintRequest) ProgressPercent(now time.Time) (float64, bool) {
	total, ok := self.TotalSeconds()
	if !ok || total <= 0 {
		return 0, false
	}
	elapsed, ok := self.ElapsedSeconds(now)
	if !ok {
		return 0, false
	}
	percent := float64(elapsed) / float64(total) * 100
	if percent < 0 {
		percent = 0
	}
	if 100 < percent {
		percent = 100
	}
	return percent, true
}

func (self *PrintRequest) PrintName() string {
	if self.ActivePrintModel != nil && self.ActivePrintModel.Name != "" {
		return self.ActivePrintModel.Name
	}
	return self.CleanName
}

// PrinterStatus is one document of the printerStates collection
// (PrinterStateV2 schema).
type PrinterStatus struct {
	PrinterId          string
	Name               string
	Model              PrinterModel
	IsOnline           bool
	UiState            string
	HardwareId         string
	FirmwareVersion    string
	Extruder           string
	ZBeam              string
	LastPing           time.Time
	LastCompletedPrint string
	CalibrationValue   int64
	Owners             []string
}

func PrinterStatusFromDocument(fields Document) *PrinterStatus {
	status := &PrinterStatus{
		PrinterId:          documentString(fields, "_id"),
		Name:               "ToyBox",
		Model:              PrinterModelEsp32,
		IsOnline:           documentBool(fields, "online"),
		UiState:            documentString(fields, "ui_state"),
		HardwareId:         documentString(fields, "hardware_id"),
		Extruder:           documentString(fields, "extruder"),
		ZBeam:              documentString(fields, "zBeam"),
		LastCompletedPrint: documentString(fields, "last_completed_print"),
		CalibrationValue:   documentInt64(fields, "calibrationValue"),
	}
	if name := documentString(fields, "name"); name != "" {
		status.Name = name
	}
	if model := documentString(fields, "model"); model != "" {
		status.Model = PrinterModel(model)
	}
	// newer firmware reports "version", older "spversion"
	status.FirmwareVersion = documentString(fields, "version")
	if status.FirmwareVersion == "" {
		status.FirmwareVersion = documentString(fields, "spversion")
	}
	status.LastPing, _ = parseTime(fields["last_ping"])
	if owners, ok := fields["owners"].([]any); ok {
		for _, owner := range owners {
			if ownerId, ok := owner.(string); ok {
				status.Owners = append(status.Owners, ownerId)
			}
		}
	}
	return status
}

// DisplayName matches the make.toys naming: bravo hardware is sold as
// "Comet", everything else as "ToyBox", suffixed with the hardware id tail.
func (self *PrinterStatus) DisplayName() string {
	prefix := "ToyBox"
	if self.Model == PrinterModelBravo {
		prefix = "Comet"
	}
	hardwareId := self.HardwareId
	if hardwareId != "" && hardwareId != "pending" && hardwareId != "Pending" {
		if 6 < len(hardwareId) {
			hardwareId = hardwareId[len(hardwareId)-6:]
		}
		return prefix + " (" + hardwareId + ")"
	}
	return prefix
}

// ToyBoxData is the aggregate snapshot handed to the polling consumer.
type ToyBoxData struct {
	Printer              *PrinterStatus
	CurrentRequest       *PrintRequest
	LastCompletedRequest *PrintRequest
}

// IsPrinting means a print is actively running (or about to).
func (self *ToyBoxData) IsPrinting() bool {
	if self.CurrentRequest == nil {
		return false
	}
	switch self.CurrentRequest.State {
	case PrintRequestStatePrinting, PrintRequestStateHeatingUp,
		PrintRequestStateRequested, PrintRequestStatePreparing:
		return true
	}
	return false
}

// IsBusy means the printer is occupied with anything (printing, pausing,
// cancelling, ...).
func (self *ToyBoxData) IsBusy() bool {
	return self.CurrentRequest != nil
}

func (self *ToyBoxData) PrintState() PrintState {
	if self.CurrentRequest != nil {
		return self.CurrentRequest.SimplifiedState()
	}
	return PrintStateIdle
}

// document field coercion. encoding/json decodes into strings, bools and
// float64s; everything else reads as the zero value.

func documentString(fields map[string]any, key string) string {
	if value, ok := fields[key].(string); ok {
		return value
	}
	return ""
}

func documentBool(fields map[string]any, key string) bool {
	if value, ok := fields[key].(bool); ok {
		return value
	}
	return false
}

func documentInt64(fields map[string]any, key string) int64 {
	switch value := fields[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	}
	return 0
}

// parseTime handles the date shapes Meteor sends over DDP: EJSON
// {"$date": epochMillis}, bare epoch numbers (millis or seconds), and ISO
// strings.
func parseTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case map[string]any:
		return parseTime(v["$date"])
	case float64:
		millis := v
		if millis < 1e12 {
			// small values are seconds
			millis = millis * 1000
		}
		return time.UnixMilli(int64(millis)).UTC(), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC(), true
		}
		return time.Time{}, false
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

func floorZero(seconds int64) int64 {
	if seconds < 0 {
		return 0
	}
	return seconds
}
