// Package manager selects boot firmware, discovers devices, and drives
// one driver.Driver per device through boot and (optionally) update,
// reporting progress through a single callback.
package manager

import "github.com/sandrift/astraboot/internal/driver"

// Status classifies a top-level ManagerResponse.
type Status int

const (
	StatusStart Status = iota
	StatusInfo
	StatusFailure
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "start"
	case StatusInfo:
		return "info"
	case StatusFailure:
		return "failure"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ManagerResponse is a manager-level (not per-device) status message.
type ManagerResponse struct {
	Status  Status
	Message string
}

// Response is the tagged union delivered to a Manager's callback: it
// is either a ManagerResponse or a driver.Response, never both.
type Response struct {
	manager *ManagerResponse
	device  *driver.Response
}

// IsManagerResponse reports whether this Response carries a
// ManagerResponse.
func (r Response) IsManagerResponse() bool { return r.manager != nil }

// IsDeviceResponse reports whether this Response carries a
// driver.Response.
func (r Response) IsDeviceResponse() bool { return r.device != nil }

// GetManagerResponse returns the wrapped ManagerResponse. Callers must
// check IsManagerResponse first.
func (r Response) GetManagerResponse() ManagerResponse { return *r.manager }

// GetDeviceResponse returns the wrapped driver.Response. Callers must
// check IsDeviceResponse first.
func (r Response) GetDeviceResponse() driver.Response { return *r.device }

func managerResponse(status Status, msg string) Response {
	return Response{manager: &ManagerResponse{Status: status, Message: msg}}
}

func deviceResponse(resp driver.Response) Response {
	return Response{device: &resp}
}

// ResponseCallback receives every ManagerResponse and driver.Response
// produced over the Manager's lifetime.
type ResponseCallback func(Response)
