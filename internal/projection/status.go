package projection

import "fmt"

// Status is the lifecycle state of a projection.
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Failed
	Rebuilding
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Failed:
		return "Failed"
	case Rebuilding:
		return "Rebuilding"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}
