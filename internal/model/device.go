package model

import (
	"errors"
	"time"
)

// ErrUnknownDevice is returned when a serial matches no device on the account.
var ErrUnknownDevice = errors.New("unknown device")

// DeviceFamily selects the backend protocol and attribute schema for a device.
type DeviceFamily string

const (
	// FamilyLitterBoxV3 uses the REST endpoint with per-user robot paths.
	FamilyLitterBoxV3 DeviceFamily = "litterbox-v3"
	// FamilyLitterBoxV4 uses the GraphQL endpoint.
	FamilyLitterBoxV4 DeviceFamily = "litterbox-v4"
	// FamilyFeeder uses the feeder GraphQL endpoint.
	FamilyFeeder DeviceFamily = "feeder"
)

// Families lists every known device family in stable order.
func Families() []DeviceFamily {
	return []DeviceFamily{FamilyLitterBoxV3, FamilyLitterBoxV4, FamilyFeeder}
}

// UpdateSource records which path produced an attribute merge.
type UpdateSource string

const (
	SourcePoll        UpdateSource = "poll"
	SourcePush        UpdateSource = "push"
	SourceCommandEcho UpdateSource = "command-echo"
)

// Descriptor identifies one device on the account. Immutable after creation.
type Descriptor struct {
	Serial    string
	Family    DeviceFamily
	BackendID string
	Name      string
}

// DeviceState is the authoritative local view of one device.
type DeviceState struct {
	Serial     string
	Attributes map[string]any
	UpdatedAt  time.Time
	Source     UpdateSource
}

// Change is one attribute transition observed during a merge.
type Change struct {
	Attribute string
	Old       any
	New       any
}

// ChangeEvent is emitted once per merge that altered stored state.
type ChangeEvent struct {
	Serial    string
	Changes   []Change
	Source    UpdateSource
	Timestamp time.Time
}

// DeviceData is one device payload decoded from a backend response:
// identity fields plus the opaque attribute map.
type DeviceData struct {
	Serial     string
	BackendID  string
	Name       string
	Family     DeviceFamily
	Attributes map[string]any
}

// Descriptor derives the immutable descriptor for a decoded device.
func (d DeviceData) Descriptor() Descriptor {
	return Descriptor{Serial: d.Serial, Family: d.Family, BackendID: d.BackendID, Name: d.Name}
}
