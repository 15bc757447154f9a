package models

// InstanceStatus represents the current lifecycle state of an instance.
type InstanceStatus string

const (
	// InstanceStatusInitializing indicates the instance is being prepared.
	InstanceStatusInitializing InstanceStatus = "Initializing"
	// InstanceStatusCreated indicates containers exist but have not been started.
	InstanceStatusCreated InstanceStatus = "Created"
	// InstanceStatusPaused indicates containers exist and are paused.
	InstanceStatusPaused InstanceStatus = "Paused"
	// InstanceStatusRunning indicates the instance containers are up.
	InstanceStatusRunning InstanceStatus = "Running"
	// InstanceStatusStopped indicates the containers were brought down.
	InstanceStatusStopped InstanceStatus = "Stopped"
	// InstanceStatusUndocked indicates the hosting disk was removed.
	InstanceStatusUndocked InstanceStatus = "Undocked"
	// InstanceStatusError indicates the last lifecycle step failed.
	InstanceStatusError InstanceStatus = "Error"
)

// InstanceAction represents an action that can be performed on an instance.
type InstanceAction string

const (
	// InstanceActionStart allocates a port, creates and starts containers.
	InstanceActionStart InstanceAction = "start"
	// InstanceActionRun brings existing containers up.
	InstanceActionRun InstanceAction = "run"
	// InstanceActionStop brings containers down.
	InstanceActionStop InstanceAction = "stop"
	// InstanceActionUndock forces the instance into Undocked.
	InstanceActionUndock InstanceAction = "undock"
)

// AvailableActions returns the actions available for an instance in this state.
func (s InstanceStatus) AvailableActions() []InstanceAction {
	switch s {
	case InstanceStatusInitializing:
		return []InstanceAction{InstanceActionStart, InstanceActionUndock}
	case InstanceStatusCreated, InstanceStatusPaused:
		return []InstanceAction{InstanceActionRun, InstanceActionStart, InstanceActionStop, InstanceActionUndock}
	case InstanceStatusRunning:
		return []InstanceAction{InstanceActionStop, InstanceActionRun, InstanceActionUndock}
	case InstanceStatusStopped:
		return []InstanceAction{InstanceActionStart, InstanceActionRun, InstanceActionUndock}
	case InstanceStatusError:
		// Errors are not retried automatically; an explicit start is required.
		return []InstanceAction{InstanceActionStart, InstanceActionStop, InstanceActionUndock}
	case InstanceStatusUndocked:
		// Re-docking rescans the disk, which resets the instance.
		return []InstanceAction{InstanceActionStart}
	default:
		return []InstanceAction{}
	}
}

// String returns the string representation of the instance status.
func (s InstanceStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known state.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceStatusInitializing, InstanceStatusCreated, InstanceStatusPaused,
		InstanceStatusRunning, InstanceStatusStopped, InstanceStatusUndocked, InstanceStatusError:
		return true
	default:
		return false
	}
}

// ValidInstanceStatuses returns all valid instance states.
func ValidInstanceStatuses() []InstanceStatus {
	return []InstanceStatus{
		InstanceStatusInitializing,
		InstanceStatusCreated,
		InstanceStatusPaused,
		InstanceStatusRunning,
		InstanceStatusStopped,
		InstanceStatusUndocked,
		InstanceStatusError,
	}
}

// HasAction returns true if the given action is available for this state.
func (s InstanceStatus) HasAction(action InstanceAction) bool {
	for _, a := range s.AvailableActions() {
		if a == action {
			return true
		}
	}
	return false
}
