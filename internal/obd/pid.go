// Package obd builds OBD-II requests and decodes ELM327 responses into
// readings, trouble codes and vehicle identification.
package obd

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownPID is returned for a name or code missing from the table.
	ErrUnknownPID = errors.New("obd: unknown pid")
	// ErrParse is returned when a DTC or VIN response has no recognizable header.
	ErrParse = errors.New("obd: parse error")
)

// Formula identifies the decode function applied to a PID's data bytes.
type Formula string

const (
	FormulaRPM           Formula = "rpm"            // ((A*256)+B)/4
	FormulaDirect        Formula = "direct"         // A
	FormulaTemp          Formula = "temp"           // A-40
	FormulaMAF           Formula = "maf"            // ((A*256)+B)/100
	FormulaPercent       Formula = "percent"        // A*100/255
	FormulaO2Voltage     Formula = "o2_voltage"     // A/200
	FormulaFuelPressure  Formula = "fuel_pressure"  // A*3
	FormulaTimingAdvance Formula = "timing_advance" // A/2-64
	FormulaCatalystTemp  Formula = "catalyst_temp"  // ((A*256)+B)/10-40
	FormulaRaw           Formula = "raw"            // first data byte
	FormulaNone          Formula = "none"           // not a numeric reading
)

// PID describes one OBD-II parameter.
type PID struct {
	Name        string  `json:"name" yaml:"name"`
	Mode        string  `json:"mode" yaml:"mode"`
	Code        string  `json:"code" yaml:"code"`
	Unit        string  `json:"unit" yaml:"unit"`
	Formula     Formula `json:"formula" yaml:"formula"`
	Description string  `json:"description" yaml:"description"`
}

// Request returns the request code sent to the adapter, e.g. "010C".
func (p PID) Request() string {
	return p.Mode + p.Code
}

func (p PID) String() string {
	return p.Request()
}

// table is the fixed PID table. Request codes are unique.
var table = []PID{
	{Name: "rpm", Mode: "01", Code: "0C", Unit: "RPM", Formula: FormulaRPM, Description: "Engine RPM"},
	{Name: "speed", Mode: "01", Code: "0D", Unit: "km/h", Formula: FormulaDirect, Description: "Vehicle speed"},
	{Name: "coolant_temp", Mode: "01", Code: "05", Unit: "°C", Formula: FormulaTemp, Description: "Engine coolant temperature"},
	{Name: "intake_temp", Mode: "01", Code: "0F", Unit: "°C", Formula: FormulaTemp, Description: "Intake air temperature"},
	{Name: "maf", Mode: "01", Code: "10", Unit: "g/s", Formula: FormulaMAF, Description: "Mass air flow rate"},
	{Name: "throttle", Mode: "01", Code: "11", Unit: "%", Formula: FormulaPercent, Description: "Throttle position"},
	{Name: "o2_voltage", Mode: "01", Code: "14", Unit: "V", Formula: FormulaO2Voltage, Description: "Oxygen sensor 1 voltage"},
	{Name: "fuel_pressure", Mode: "01", Code: "0A", Unit: "kPa", Formula: FormulaFuelPressure, Description: "Fuel pressure"},
	{Name: "intake_pressure", Mode: "01", Code: "0B", Unit: "kPa", Formula: FormulaDirect, Description: "Intake manifold absolute pressure"},
	{Name: "timing_advance", Mode: "01", Code: "0E", Unit: "°", Formula: FormulaTimingAdvance, Description: "Timing advance"},
	{Name: "fuel_level", Mode: "01", Code: "2F", Unit: "%", Formula: FormulaPercent, Description: "Fuel tank level input"},
	{Name: "baro_pressure", Mode: "01", Code: "33", Unit: "kPa", Formula: FormulaDirect, Description: "Absolute barometric pressure"},
	{Name: "catalyst_temp", Mode: "01", Code: "3C", Unit: "°C", Formula: FormulaCatalystTemp, Description: "Catalyst temperature bank 1 sensor 1"},
	{Name: "read_dtc", Mode: "03", Code: "", Formula: FormulaNone, Description: "Show stored diagnostic trouble codes"},
	{Name: "clear_dtc", Mode: "04", Code: "", Formula: FormulaNone, Description: "Clear diagnostic trouble codes"},
	{Name: "vin", Mode: "09", Code: "02", Formula: FormulaNone, Description: "Vehicle identification number"},
	{Name: "calibration_id", Mode: "09", Code: "04", Formula: FormulaNone, Description: "Calibration ID"},
	{Name: "ecu_name", Mode: "09", Code: "0A", Formula: FormulaNone, Description: "ECU name"},
}

// PIDs returns a copy of the PID table.
func PIDs() []PID {
	return append([]PID(nil), table...)
}

// Lookup finds a PID by symbolic name or request code, ignoring case.
func Lookup(nameOrCode string) (PID, error) {
	key := strings.ReplaceAll(strings.TrimSpace(nameOrCode), " ", "")
	for _, p := range table {
		if strings.EqualFold(p.Name, key) || strings.EqualFold(p.Request(), key) {
			return p, nil
		}
	}
	return PID{}, fmt.Errorf("%w: %q", ErrUnknownPID, nameOrCode)
}

// BuildRequest returns the request code for a PID name or code.
func BuildRequest(nameOrCode string) (string, error) {
	p, err := Lookup(nameOrCode)
	if err != nil {
		return "", err
	}
	return p.Request(), nil
}
