package firmware

import "fmt"

// Status is a firmware status code. Error codes have the high bit set.
type Status uint64

const errorBit Status = 1 << 63

const (
	Success Status = 0

	LoadError         = errorBit | 1
	InvalidParameter  = errorBit | 2
	Unsupported       = errorBit | 3
	BadBufferSize     = errorBit | 4
	BufferTooSmall    = errorBit | 5
	NotReady          = errorBit | 6
	DeviceError       = errorBit | 7
	WriteProtected    = errorBit | 8
	OutOfResources    = errorBit | 9
	VolumeCorrupted   = errorBit | 10
	VolumeFull        = errorBit | 11
	NoMedia           = errorBit | 12
	MediaChanged      = errorBit | 13
	NotFound          = errorBit | 14
	AccessDenied      = errorBit | 15
	NoResponse        = errorBit | 16
	NoMapping         = errorBit | 17
	Timeout           = errorBit | 18
	NotStarted        = errorBit | 19
	AlreadyStarted    = errorBit | 20
	Aborted           = errorBit | 21
	SecurityViolation = errorBit | 26
	CompromisedData   = errorBit | 33
	HTTPError         = errorBit | 35
)

var statusNames = map[Status]string{
	Success:           "SUCCESS",
	LoadError:         "LOAD_ERROR",
	InvalidParameter:  "INVALID_PARAMETER",
	Unsupported:       "UNSUPPORTED",
	BadBufferSize:     "BAD_BUFFER_SIZE",
	BufferTooSmall:    "BUFFER_TOO_SMALL",
	NotReady:          "NOT_READY",
	DeviceError:       "DEVICE_ERROR",
	WriteProtected:    "WRITE_PROTECTED",
	OutOfResources:    "OUT_OF_RESOURCES",
	VolumeCorrupted:   "VOLUME_CORRUPTED",
	VolumeFull:        "VOLUME_FULL",
	NoMedia:           "NO_MEDIA",
	MediaChanged:      "MEDIA_CHANGED",
	NotFound:          "NOT_FOUND",
	AccessDenied:      "ACCESS_DENIED",
	NoResponse:        "NO_RESPONSE",
	NoMapping:         "NO_MAPPING",
	Timeout:           "TIMEOUT",
	NotStarted:        "NOT_STARTED",
	AlreadyStarted:    "ALREADY_STARTED",
	Aborted:           "ABORTED",
	SecurityViolation: "SECURITY_VIOLATION",
	CompromisedData:   "COMPROMISED_DATA",
	HTTPError:         "HTTP_ERROR",
}

// IsError reports whether s has the error bit set.
func (s Status) IsError() bool { return s&errorBit != 0 }

// Code returns the status value with the error bit cleared.
func (s Status) Code() uint64 { return uint64(s &^ errorBit) }

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s.IsError() {
		return fmt.Sprintf("ERROR(%d)", s.Code())
	}
	return fmt.Sprintf("WARNING(%d)", s.Code())
}

// Error implements error so a bare Status can travel through error returns.
func (s Status) Error() string { return s.String() }

// Status returns s; it lets StatusOf treat bare statuses like any other
// status-carrying error.
func (s Status) Status() Status { return s }
