package frame

// Command is the one-byte command code of a device frame
type Command uint8

// Command codes understood by the dispensing controller
const (
	// Device control
	CmdDeviceStart   Command = 0x01
	CmdDeviceStop    Command = 0x02
	CmdDeviceReset   Command = 0x03
	CmdDeviceStatus  Command = 0x04
	CmdPauseDevice   Command = 0x05
	CmdResumeDevice  Command = 0x06
	CmdHomeDevice    Command = 0x07
	CmdEmergencyStop Command = 0x08

	// Parameter read/write
	CmdReadParameter      Command = 0x10
	CmdWriteParameter     Command = 0x11
	CmdReadAllParameters  Command = 0x12
	CmdWriteAllParameters Command = 0x13

	// Motion control
	CmdMoveToPosition Command = 0x15
	CmdJogMove        Command = 0x16
	CmdSetOrigin      Command = 0x17
	CmdGetPosition    Command = 0x18

	// Dispense control
	CmdStartGlue         Command = 0x19
	CmdStopGlue          Command = 0x1A
	CmdSetGlueParameters Command = 0x1B
	CmdGetGlueParameters Command = 0x1C

	// Data acquisition
	CmdReadSensorData      Command = 0x20
	CmdReadAllSensors      Command = 0x21
	CmdStartDataCollection Command = 0x22
	CmdStopDataCollection  Command = 0x23

	// System
	CmdGetDeviceInfo  Command = 0x30
	CmdGetVersionInfo Command = 0x31
	CmdSetDateTime    Command = 0x32
	CmdGetDateTime    Command = 0x33
	CmdHeartbeat      Command = 0x34

	// Firmware upgrade
	CmdStartUpgrade Command = 0x40
	CmdUpgradeData  Command = 0x41
	CmdEndUpgrade   Command = 0x42

	// Responses
	CmdResponse Command = 0x80
	CmdError    Command = 0xFF
)

// ResponseFlag is OR-ed into a request command to form its response command
const ResponseFlag Command = 0x80

// IsResponse reports whether c carries the response flag
func (c Command) IsResponse() bool {
	return c&ResponseFlag != 0 && c != CmdError
}

// Response returns the response command for a request command
func (c Command) Response() Command {
	return c | ResponseFlag
}

// Request strips the response flag
func (c Command) Request() Command {
	return c &^ ResponseFlag
}

// ProtocolError is the one-byte error code carried in error-frame payloads
type ProtocolError uint8

const (
	ProtoErrNone             ProtocolError = 0x00
	ProtoErrInvalidCommand   ProtocolError = 0x01
	ProtoErrInvalidParameter ProtocolError = 0x02
	ProtoErrChecksum         ProtocolError = 0x03
	ProtoErrDeviceNotReady   ProtocolError = 0x04
	ProtoErrDataTooLong      ProtocolError = 0x05
	ProtoErrTimeout          ProtocolError = 0x06
	ProtoErrUnknown          ProtocolError = 0xFF
)

// String returns string representation of ProtocolError
func (e ProtocolError) String() string {
	switch e {
	case ProtoErrNone:
		return "None"
	case ProtoErrInvalidCommand:
		return "InvalidCommand"
	case ProtoErrInvalidParameter:
		return "InvalidParameter"
	case ProtoErrChecksum:
		return "ChecksumError"
	case ProtoErrDeviceNotReady:
		return "DeviceNotReady"
	case ProtoErrDataTooLong:
		return "DataTooLong"
	case ProtoErrTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// ParseError extracts the protocol error code from an error-frame payload
func ParseError(payload []byte) ProtocolError {
	if len(payload) == 0 {
		return ProtoErrUnknown
	}
	return ProtocolError(payload[0])
}
