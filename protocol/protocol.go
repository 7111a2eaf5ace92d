// Package protocol defines the line protocol spoken by the printer firmware.
//
// The host writes one command per line. The device answers each command with zero or more
// information lines followed by a line starting with "ok", which may carry "KEY:value" fields.
// Lines starting with "//" or "echo:" are unsolicited and may arrive at any time.
//
// Commands may be sent numbered, as "N<line> <command>*<checksum>". A device receiving a numbered
// line with an unexpected number or a bad checksum answers "Resend: <expected line>".
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Commands.
const (
	Home               = "G28"
	HomeXY             = "G28 X0 Y0"
	HomeZ              = "G28 Z0"
	Absolute           = "G90"
	Relative           = "G91"
	Move               = "G1"
	ListFiles          = "M20"
	InitStorage        = "M21"
	SelectFile         = "M23"
	BeginWrite         = "M28"
	EndWrite           = "M29"
	StartStoredPrint   = "M33"
	EnterShutdown      = "M36"
	SetTemperature     = "M104"
	GetTemperature     = "M105"
	SetLineNumber      = "M110"
	Info               = "M115"
	GoToFirmware       = "M609"
	PausePrint         = "M640"
	ResumePrint        = "M643"
	GetStatus          = "M625"
	BeginFlash         = "M650"
	FlashChunk         = "M651"
	EndFlash           = "M652"
	Load               = "M701"
	Unload             = "M702"
	LoadUnloadPosition = "M703"
	SetFilament        = "M1000"
	GetFilament        = "M1001"
	GetNozzleSize      = "M1020"
	SetNozzleSize      = "M1021"
	GetSpool           = "M1024"
	SetSpool           = "M1025"
	HeatingProgress    = "M1026"
	SetPrintTemp       = "M1027"
	CurrentPrintFile   = "M1030"
	PrintProgress      = "M1031"
	TransferProgress   = "M1032"
	CancelPrint        = "M1040"
	StartCalibration   = "M1200"
	NextCalibration    = "M1201"
)

// Reply fields.
const (
	FieldStatus          = "S"
	FieldFirmwareVersion = "FIRMWARE_VERSION"
	FieldMachineType     = "MACHINE_TYPE"
	FieldSerial          = "SERIAL"
	FieldMode            = "MODE"
	FieldNozzleSize      = "NZ"
	FieldSpool           = "SP"
	FieldHeating         = "H"
	FieldFile            = "F"
	FieldFilament        = "FIL"
	FieldExecuted        = "EX"
	FieldTotalLines      = "TL"
	FieldElapsed         = "EL"
	FieldEstimated       = "ES"
	FieldTransfer        = "TR"
)

// Status is the device activity reported by the GetStatus command.
type Status int

const (
	StatusReady        Status = 3
	StatusMoving       Status = 4
	StatusPrinting     Status = 5
	StatusTransferring Status = 6
	StatusPaused       Status = 7
	StatusShutdown     Status = 8
	StatusHeating      Status = 9
	StatusResuming     Status = 10
)

var statusNames = map[Status]string{
	StatusReady:        "Ready",
	StatusMoving:       "Moving",
	StatusPrinting:     "Printing",
	StatusTransferring: "Transferring",
	StatusPaused:       "Paused",
	StatusShutdown:     "Shutdown",
	StatusHeating:      "Heating",
	StatusResuming:     "Resuming",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsOK returns true if line terminates a reply.
func IsOK(line string) bool {
	return line == "ok" || strings.HasPrefix(line, "ok ")
}

// IsUnsolicited returns true for lines the device sends outside of a reply.
func IsUnsolicited(line string) bool {
	return strings.HasPrefix(line, "//") || strings.HasPrefix(line, "echo:")
}

// Field returns the value of the first "key:value" whitespace delimited token in line.
func Field(line, key string) (string, bool) {
	prefix := key + ":"
	for _, token := range strings.Fields(line) {
		if value, ok := strings.CutPrefix(token, prefix); ok {
			return value, true
		}
	}
	return "", false
}

// RestField returns everything after "key:" up to the end of the line, for values that may
// hold spaces.
func RestField(line, key string) (string, bool) {
	prefix := " " + key + ":"
	idx := strings.Index(" "+line, prefix)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(line[idx+len(prefix)-1:]), true
}

func FloatField(line, key string) (float64, error) {
	value, ok := Field(line, key)
	if !ok {
		return 0, fmt.Errorf("protocol: field %s missing: %q", key, line)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: field %s: %w", key, err)
	}
	return f, nil
}

func IntField(line, key string) (int, error) {
	value, ok := Field(line, key)
	if !ok {
		return 0, fmt.Errorf("protocol: field %s missing: %q", key, line)
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("protocol: field %s: %w", key, err)
	}
	return i, nil
}

// ParseStatus parses the reply to the GetStatus command.
func ParseStatus(line string) (Status, error) {
	i, err := IntField(line, FieldStatus)
	if err != nil {
		return 0, err
	}
	status := Status(i)
	if _, ok := statusNames[status]; !ok {
		return 0, fmt.Errorf("protocol: unknown status %d", i)
	}
	return status, nil
}

// Checksum returns the XOR of all bytes of s.
func Checksum(s string) byte {
	var cs byte
	for i := 0; i < len(s); i++ {
		cs ^= s[i]
	}
	return cs
}

// NumberLine returns command prefixed with its line number and suffixed with its checksum.
func NumberLine(number int, command string) string {
	line := fmt.Sprintf("N%d %s", number, command)
	return fmt.Sprintf("%s*%d", line, Checksum(line))
}

var numberedLineRegexp = regexp.MustCompile(`^N(\d+) (.*)\*(\d+)$`)

// ParseNumberedLine splits a numbered line. ok is false for lines that are not numbered, and
// err is set when the checksum does not match.
func ParseNumberedLine(line string) (number int, command string, ok bool, err error) {
	match := numberedLineRegexp.FindStringSubmatch(line)
	if match == nil {
		return 0, line, false, nil
	}
	number, err = strconv.Atoi(match[1])
	if err != nil {
		return 0, "", true, fmt.Errorf("protocol: bad line number: %w", err)
	}
	command = match[2]
	cs, err := strconv.Atoi(match[3])
	if err != nil {
		return number, command, true, fmt.Errorf("protocol: bad checksum: %w", err)
	}
	if byte(cs) != Checksum(fmt.Sprintf("N%d %s", number, command)) || cs > 255 {
		return number, command, true, fmt.Errorf("protocol: checksum mismatch on line %d", number)
	}
	return number, command, true, nil
}

var resendRegexp = regexp.MustCompile(`^(?i:resend|rs)[:\s]+N?(\d+)`)

// ParseResend returns the line number requested by a resend marker.
func ParseResend(line string) (int, bool) {
	match := resendRegexp.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsResend returns true for resend markers, even when the line number can't be parsed.
func IsResend(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	return strings.HasPrefix(lower, "resend") || strings.HasPrefix(lower, "rs ")
}
