// Package canbus maps the dispensing controller's CAN id layout onto
// frames: category decoding, app-level acceptance filters, the socketcan
// wire codec and typed helpers for the common message groups.
package canbus

import (
	"errors"
	"fmt"
)

// Category occupies the high bits of a standard CAN id; the low 7 bits
// carry the device address
const (
	categoryMask = 0x780
	deviceMask   = 0x07F
)

// MaxData is the classic CAN payload limit
const MaxData = 8

// Errors
var (
	ErrDataTooLong = errors.New("canbus: payload exceeds 8 bytes")
	ErrBadID       = errors.New("canbus: id out of range")
)

// Category classifies a CAN id by message group
type Category uint32

// Message groups of the dispensing controller
const (
	CategoryEmergency Category = 0x080
	CategoryMotion    Category = 0x100
	CategoryGlue      Category = 0x200
	CategoryStatus    Category = 0x300
	CategoryParameter Category = 0x400
	CategoryQuery     Category = 0x500
	CategoryAlarm     Category = 0x600
	CategoryHeartbeat Category = 0x700
)

// String returns string representation of Category
func (c Category) String() string {
	switch c {
	case CategoryEmergency:
		return "Emergency"
	case CategoryMotion:
		return "Motion"
	case CategoryGlue:
		return "Glue"
	case CategoryStatus:
		return "Status"
	case CategoryParameter:
		return "Parameter"
	case CategoryQuery:
		return "Query"
	case CategoryAlarm:
		return "Alarm"
	case CategoryHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Category(0x%03X)", uint32(c))
	}
}

// CategoryOf extracts the message group from a CAN id
func CategoryOf(id uint32) Category {
	return Category(id & categoryMask)
}

// DeviceOf extracts the device address from a CAN id
func DeviceOf(id uint32) uint8 {
	return uint8(id & deviceMask)
}

// ComposeID builds a standard CAN id from category and device address
func ComposeID(c Category, device uint8) (uint32, error) {
	if device > deviceMask {
		return 0, ErrBadID
	}
	return uint32(c) | uint32(device), nil
}
