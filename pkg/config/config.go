// Package config defines per-link configuration for every supported
// transport kind, plus the global defaults the host application supplies.
// A LinkConfig is immutable once its link is created; replacing it requires
// removing and re-adding the link.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/glueforge/commlink/pkg/checksum"
)

// TransportKind selects the physical transport of a link
type TransportKind string

const (
	TransportSerial    TransportKind = "serial"
	TransportTCPClient TransportKind = "tcp-client"
	TransportTCPServer TransportKind = "tcp-server"
	TransportUDP       TransportKind = "udp"
	TransportQUIC      TransportKind = "quic-client"
	TransportModbusRTU TransportKind = "modbus-rtu"
	TransportModbusTCP TransportKind = "modbus-tcp"
	TransportCAN       TransportKind = "can"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid link config")

// Parity for serial links
type Parity string

const (
	ParityNone  Parity = "none"
	ParityEven  Parity = "even"
	ParityOdd   Parity = "odd"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// StopBits for serial links
type StopBits string

const (
	StopBitsOne          StopBits = "1"
	StopBitsOnePointFive StopBits = "1.5"
	StopBitsTwo          StopBits = "2"
)

// FlowControl for serial links
type FlowControl string

const (
	FlowNone    FlowControl = "none"
	FlowRTSCTS  FlowControl = "rts/cts"
	FlowXonXoff FlowControl = "xon/xoff"
)

var validBaudRates = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true,
	115200: true, 230400: true, 460800: true, 921600: true,
}

// SerialParams configures a serial port
type SerialParams struct {
	Port        string      `yaml:"port"`
	BaudRate    int         `yaml:"baud_rate"`
	DataBits    int         `yaml:"data_bits"`
	Parity      Parity      `yaml:"parity"`
	StopBits    StopBits    `yaml:"stop_bits"`
	FlowControl FlowControl `yaml:"flow_control"`
}

func (p *SerialParams) validate() error {
	if p.Port == "" {
		return fmt.Errorf("%w: serial port name required", ErrInvalidConfig)
	}
	if !validBaudRates[p.BaudRate] {
		return fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, p.BaudRate)
	}
	if p.DataBits < 5 || p.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d out of range 5..8", ErrInvalidConfig, p.DataBits)
	}
	switch p.Parity {
	case ParityNone, ParityEven, ParityOdd, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("%w: unsupported parity %q", ErrInvalidConfig, p.Parity)
	}
	switch p.StopBits {
	case StopBitsOne, StopBitsOnePointFive, StopBitsTwo:
	default:
		return fmt.Errorf("%w: unsupported stop bits %q", ErrInvalidConfig, p.StopBits)
	}
	switch p.FlowControl {
	case FlowNone:
	case FlowRTSCTS, FlowXonXoff:
		// go.bug.st/serial exposes no flow control setting
		return fmt.Errorf("%w: flow control %q not supported by the serial backend", ErrInvalidConfig, p.FlowControl)
	default:
		return fmt.Errorf("%w: unsupported flow control %q", ErrInvalidConfig, p.FlowControl)
	}
	return nil
}

// TCPClientParams configures an outgoing TCP connection
type TCPClientParams struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      bool          `yaml:"keep_alive"`
}

func (p *TCPClientParams) validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w: tcp host required", ErrInvalidConfig)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: tcp port %d out of range", ErrInvalidConfig, p.Port)
	}
	return nil
}

// TCPServerParams configures a listening TCP endpoint
type TCPServerParams struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	MaxClients  int    `yaml:"max_clients"`
}

func (p *TCPServerParams) validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: tcp port %d out of range", ErrInvalidConfig, p.Port)
	}
	if p.MaxClients < 1 {
		return fmt.Errorf("%w: max clients must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// UDPParams configures a UDP endpoint
type UDPParams struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

func (p *UDPParams) validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: udp port %d out of range", ErrInvalidConfig, p.Port)
	}
	return nil
}

// QUICParams configures an outgoing QUIC connection
type QUICParams struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (p *QUICParams) validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w: quic host required", ErrInvalidConfig)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: quic port %d out of range", ErrInvalidConfig, p.Port)
	}
	return nil
}

// ModbusRTUParams configures a Modbus RTU link over a serial port
type ModbusRTUParams struct {
	Serial          SerialParams  `yaml:"serial"`
	SlaveID         uint8         `yaml:"slave_id"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	RetryCount      int           `yaml:"retry_count"`
}

func (p *ModbusRTUParams) validate() error {
	if err := p.Serial.validate(); err != nil {
		return err
	}
	if p.SlaveID < 1 || p.SlaveID > 247 {
		return fmt.Errorf("%w: modbus slave id %d out of range 1..247", ErrInvalidConfig, p.SlaveID)
	}
	return nil
}

// DefaultModbusPort is the registered Modbus TCP port
const DefaultModbusPort = 502

// ModbusTCPParams configures a Modbus TCP link
type ModbusTCPParams struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	SlaveID         uint8         `yaml:"slave_id"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	RetryCount      int           `yaml:"retry_count"`
}

func (p *ModbusTCPParams) validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w: modbus host required", ErrInvalidConfig)
	}
	if p.Port == 0 {
		p.Port = DefaultModbusPort
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: modbus port %d out of range", ErrInvalidConfig, p.Port)
	}
	if p.SlaveID < 1 || p.SlaveID > 247 {
		return fmt.Errorf("%w: modbus slave id %d out of range 1..247", ErrInvalidConfig, p.SlaveID)
	}
	return nil
}

// CANFilter accepts a frame iff (frame.id & mask) == (id & mask)
type CANFilter struct {
	ID   uint32 `yaml:"id"`
	Mask uint32 `yaml:"mask"`
}

var validCANPlugins = map[string]bool{
	"socketcan": true, "peakcan": true, "tinycan": true, "vectorcan": true,
}

// CANParams configures a CAN bus link
type CANParams struct {
	Plugin      string      `yaml:"plugin"`
	Interface   string      `yaml:"interface"`
	Bitrate     int         `yaml:"bitrate"`
	SamplePoint float64     `yaml:"sample_point"`
	Loopback    bool        `yaml:"loopback"`
	ReceiveOwn  bool        `yaml:"receive_own"`
	Filters     []CANFilter `yaml:"filters"`
}

func (p *CANParams) validate() error {
	if !validCANPlugins[p.Plugin] {
		return fmt.Errorf("%w: unsupported can plugin %q", ErrInvalidConfig, p.Plugin)
	}
	if p.Interface == "" {
		return fmt.Errorf("%w: can interface name required", ErrInvalidConfig)
	}
	if p.Bitrate < 10_000 || p.Bitrate > 1_000_000 {
		return fmt.Errorf("%w: can bitrate %d out of range", ErrInvalidConfig, p.Bitrate)
	}
	if p.SamplePoint < 0 || p.SamplePoint > 1 {
		return fmt.Errorf("%w: can sample point %v out of range", ErrInvalidConfig, p.SamplePoint)
	}
	return nil
}

// LinkConfig is the immutable per-link configuration. Exactly one parameter
// block matching Kind must be populated.
type LinkConfig struct {
	Kind TransportKind `yaml:"kind"`

	Serial    *SerialParams    `yaml:"serial,omitempty"`
	TCPClient *TCPClientParams `yaml:"tcp_client,omitempty"`
	TCPServer *TCPServerParams `yaml:"tcp_server,omitempty"`
	UDP       *UDPParams       `yaml:"udp,omitempty"`
	QUIC      *QUICParams      `yaml:"quic,omitempty"`
	ModbusRTU *ModbusRTUParams `yaml:"modbus_rtu,omitempty"`
	ModbusTCP *ModbusTCPParams `yaml:"modbus_tcp,omitempty"`
	CAN       *CANParams       `yaml:"can,omitempty"`

	// Checksum selects the frame integrity code; left unset, Defaults.Apply
	// fills in CRC-16/Modbus
	Checksum checksum.Kind `yaml:"checksum"`
	// CorrectSingleBit enables single-bit error correction on decode
	CorrectSingleBit bool `yaml:"correct_single_bit"`

	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	AutoReconnect     bool          `yaml:"auto_reconnect"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Validate checks the configuration against the supported parameter ranges
func (c *LinkConfig) Validate() error {
	if c.Checksum != checksum.KindUnset && !c.Checksum.Valid() {
		return fmt.Errorf("%w: unknown checksum kind %d", ErrInvalidConfig, c.Checksum)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("%w: max retries %d out of range 0..10", ErrInvalidConfig, c.MaxRetries)
	}

	switch c.Kind {
	case TransportSerial:
		if c.Serial == nil {
			return fmt.Errorf("%w: serial parameters required", ErrInvalidConfig)
		}
		return c.Serial.validate()
	case TransportTCPClient:
		if c.TCPClient == nil {
			return fmt.Errorf("%w: tcp-client parameters required", ErrInvalidConfig)
		}
		return c.TCPClient.validate()
	case TransportTCPServer:
		if c.TCPServer == nil {
			return fmt.Errorf("%w: tcp-server parameters required", ErrInvalidConfig)
		}
		return c.TCPServer.validate()
	case TransportUDP:
		if c.UDP == nil {
			return fmt.Errorf("%w: udp parameters required", ErrInvalidConfig)
		}
		return c.UDP.validate()
	case TransportQUIC:
		if c.QUIC == nil {
			return fmt.Errorf("%w: quic parameters required", ErrInvalidConfig)
		}
		return c.QUIC.validate()
	case TransportModbusRTU:
		if c.ModbusRTU == nil {
			return fmt.Errorf("%w: modbus-rtu parameters required", ErrInvalidConfig)
		}
		return c.ModbusRTU.validate()
	case TransportModbusTCP:
		if c.ModbusTCP == nil {
			return fmt.Errorf("%w: modbus-tcp parameters required", ErrInvalidConfig)
		}
		return c.ModbusTCP.validate()
	case TransportCAN:
		if c.CAN == nil {
			return fmt.Errorf("%w: can parameters required", ErrInvalidConfig)
		}
		return c.CAN.validate()
	default:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalidConfig, c.Kind)
	}
}

// HalfDuplex reports whether the transport permits only one in-flight
// transaction at a time
func (c *LinkConfig) HalfDuplex() bool {
	switch c.Kind {
	case TransportSerial, TransportModbusRTU, TransportModbusTCP:
		return true
	}
	return false
}

// IsModbus reports whether the link speaks Modbus
func (c *LinkConfig) IsModbus() bool {
	return c.Kind == TransportModbusRTU || c.Kind == TransportModbusTCP
}
