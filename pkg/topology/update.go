// Package topology maintains a node's view of the pipeline: which downstream
// destinations are live, how to reach them, and where the control plane is.
package topology

// UpdateKind says how an Update's destinations relate to the current set.
type UpdateKind string

const (
	// KindAnnounce adds or refreshes the listed destinations.
	KindAnnounce UpdateKind = "announce"
	// KindWithdraw removes the listed destinations.
	KindWithdraw UpdateKind = "withdraw"
	// KindSnapshot replaces the whole destination set with the listed one.
	KindSnapshot UpdateKind = "snapshot"
)

// Destination describes a downstream node input.
type Destination struct {
	ProcessUUID string `json:"process_uuid" firestore:"process_uuid"`
	ProcessName string `json:"process_name,omitempty" firestore:"process_name"`
	Address     string `json:"address" firestore:"address"`
	Stream      string `json:"stream,omitempty" firestore:"stream"`
}

// ID identifies the destination in a View. It is the process UUID, or the
// address for destinations that do not advertise one.
func (d Destination) ID() string {
	if d.ProcessUUID != "" {
		return d.ProcessUUID
	}
	return d.Address
}

// Update is a single topology-change notification.
type Update struct {
	Kind         UpdateKind    `json:"kind"`
	Destinations []Destination `json:"destinations,omitempty"`
	// Controller is the control plane address, when the notification carries it.
	Controller string `json:"controller,omitempty"`
	// Names maps process UUIDs to human readable process names.
	Names map[string]string `json:"names,omitempty"`
}
