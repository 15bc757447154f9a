package models

// DiskType classifies what a disk carries.
type DiskType string

const (
	DiskTypeApps   DiskType = "Apps"
	DiskTypeBackup DiskType = "Backup"
)

// Disk represents a unit of removable storage, identified independent of its
// current mount device name.
//
// Device and DockedTo are both set while the disk is mounted on the engine that
// hosts it, and both nil otherwise.
type Disk struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Device     *string         `json:"device"`
	DockedTo   *string         `json:"dockedTo"`
	Created    int64           `json:"created"`
	LastDocked int64           `json:"lastDocked"`
	Type       DiskType        `json:"type"`
	Apps       map[string]bool `json:"apps,omitempty"`
	Instances  map[string]bool `json:"instances,omitempty"`
}

// Docked reports whether the disk is currently mounted on some engine.
func (d *Disk) Docked() bool {
	return d.Device != nil && d.DockedTo != nil
}

// DockedOn reports whether the disk is currently mounted on the given engine.
func (d *Disk) DockedOn(engineID string) bool {
	return d.Docked() && *d.DockedTo == engineID
}

// DeviceName returns the current device name, or "" when undocked.
func (d *Disk) DeviceName() string {
	if d.Device == nil {
		return ""
	}
	return *d.Device
}

// InstanceIDs returns the IDs of instances stored on the disk in sorted order.
func (d *Disk) InstanceIDs() []string {
	return SetMembers(d.Instances)
}

// AppIDs returns the IDs of apps found on the disk in sorted order.
func (d *Disk) AppIDs() []string {
	return SetMembers(d.Apps)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
