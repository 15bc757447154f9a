package models

// Instance is a deployment of an App on a specific Disk.
type Instance struct {
	ID            string         `json:"id"`
	InstanceOf    string         `json:"instanceOf"`
	Name          string         `json:"name"`
	StoredOn      string         `json:"storedOn"`
	Status        InstanceStatus `json:"status"`
	Port          int            `json:"port"`
	ServiceImages []string       `json:"serviceImages,omitempty"`
	Created       int64          `json:"created"`
	LastStarted   int64          `json:"lastStarted"`
	LastBackedUp  int64          `json:"lastBackedUp"`
	Upgradable    bool           `json:"upgradable"`
	BackUpEnabled bool           `json:"backUpEnabled"`
}

// Network is an appnet: a named group of engines and the instances visible on it.
type Network struct {
	Name      string          `json:"name"`
	Engines   map[string]bool `json:"engines,omitempty"`
	Instances map[string]bool `json:"instances,omitempty"`
}

// EngineIDs returns the member engines in sorted order.
func (n *Network) EngineIDs() []string {
	return SetMembers(n.Engines)
}

// HasEngine reports whether the engine is a member of the network.
func (n *Network) HasEngine(engineID string) bool {
	return n.Engines[engineID]
}
