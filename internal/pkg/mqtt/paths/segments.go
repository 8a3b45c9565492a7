package paths

// Topic segments of the charge control protocol.
// They define the routing contract between the controller and field devices.

// Downstream: Cloud -> Field
const (
	// Command carries control instructions to a device.
	// Payload: Instruction JSON
	// Pattern: {root}/command/{deviceID}
	Command = "command"
)

// Upstream: Field/Scheduler -> Cloud
const (
	// Ack carries a device's acknowledgment of the last instruction.
	// Payload: ValidationEvent JSON
	// Pattern: {root}/ack/{deviceID}
	Ack = "ack"

	// Schedule carries power events from the scheduler.
	// Payload: PowerEvent JSON
	// Pattern: {root}/schedule/{deviceID}
	Schedule = "schedule"

	// Online is the retained device presence topic.
	// Payload: { "online": true/false, "timestamp": ... }
	// Pattern: {root}/online/{deviceID}
	Online = "online"
)

// GroupChargeController is the shared subscription group of controller replicas.
const GroupChargeController = "charge-controller"
