package silabsflasher

// cpcFrameType is the 2-bit frame type carried in the top bits of a CPC
// transport frame's control byte. This core only ever sends/recognizes
// UNNUMBERED frames on the SYSTEM endpoint (the numbered/info data-link
// layer is out of scope).
type cpcFrameType uint8

const (
	cpcFrameTypeIFrame      cpcFrameType = 1
	cpcFrameTypeSupervisory cpcFrameType = 2
	cpcFrameTypeUnnumbered  cpcFrameType = 3
)

// cpcUnnumberedSubtype occupies the control byte's low 6 bits when the
// frame type is UNNUMBERED. POLL_FINAL is the only sub-type this core uses.
type cpcUnnumberedSubtype uint8

const cpcUnnumberedPollFinal cpcUnnumberedSubtype = 0x03

// cpcEndpointSystem is the endpoint id carrying unnumbered system commands.
const cpcEndpointSystem uint8 = 0x00

// cpcFlag is the CPC transport frame's leading flag byte.
const cpcFlag byte = 0x14

// CPCCommandID enumerates the unnumbered-frame command ids this core sends
// or recognizes.
type CPCCommandID uint8

const (
	CPCCommandReset            CPCCommandID = 0x01
	CPCCommandPropertyValueGet CPCCommandID = 0x02
	CPCCommandPropertyValueSet CPCCommandID = 0x03
	CPCCommandPropertyValueIs  CPCCommandID = 0x06
)

// CPCPropertyID enumerates the secondary-device properties read or written
// over CPC's unnumbered property commands.
type CPCPropertyID uint32

const (
	// CPCPropertySecondaryVersion's value is three little-endian uint32s:
	// major, minor, patch.
	CPCPropertySecondaryVersion CPCPropertyID = 0x0001

	// CPCPropertySecondaryAppVersion's value is a NUL-terminated ASCII
	// string.
	CPCPropertySecondaryAppVersion CPCPropertyID = 0x0002

	// CPCPropertyBootloaderRebootMode's value is a single mode byte.
	CPCPropertyBootloaderRebootMode CPCPropertyID = 0x0003
)

// CPCRebootModeBootloader is written to BOOTLOADER_REBOOT_MODE to request
// that the next RESET enter the bootloader instead of relaunching the
// application.
const CPCRebootModeBootloader uint8 = 0x01
