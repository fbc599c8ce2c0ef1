package eventing

import "time"

// CommandQueued is raised after a command entry is persisted as pending.
type CommandQueued struct {
	CommandID  int64
	DeviceUID  string
	Tenant     string
	OccurredAt time.Time
}

// CommandSent is raised after the broker accepted a command and the entry moved to sent.
type CommandSent struct {
	CommandID  int64
	DeviceUID  string
	Tenant     string
	OccurredAt time.Time
}

// CommandAcked is raised when a device acknowledges a sent command.
type CommandAcked struct {
	CommandID  int64
	DeviceUID  string
	OccurredAt time.Time
}

// TelemetryIngested is raised for every stored telemetry record. Duplicates do not raise it.
type TelemetryIngested struct {
	DeviceUID  string
	MsgID      string
	Transport  string
	OccurredAt time.Time
}
