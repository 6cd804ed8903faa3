// Package objects implements the BACnet object/property data model
// (ASHRAE 135 Clause 12): per-type property tables, commandable
// priority-array writes, and the object database with its name/type
// indices. The per-type property table as a package-level map mirrors
// the teacher's state5GMMstr/epdStr map[int]string lookup tables,
// generalized to map[PropertyIdentifier]PropertyDefinition; priority-
// array semantics are grounded on
// original_source/src/bac_py/objects/analog.py.
package objects

import (
	"bacstack/bacerr"
	"bacstack/primitive"
)

// PropertyIdentifier names a property, Clause 21 enumeration. Only the
// identifiers this stack's object types and services touch are named.
type PropertyIdentifier uint32

const (
	PropObjectIdentifier PropertyIdentifier = iota
	PropObjectName
	PropObjectType
	PropPresentValue
	PropStatusFlags
	PropEventState
	PropReliability
	PropOutOfService
	PropUnits
	PropPriorityArray
	PropRelinquishDefault
	PropCurrentCommandPriority
	PropCOVIncrement
	PropMinPresValue
	PropMaxPresValue
	PropNumberOfStates
	PropStateText
	PropPolarity
	PropPropertyList
	PropObjectList
	PropDatabaseRevision
)

// AccessMode governs whether write_property may touch a property, and
// under what condition.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessReadWrite
	// AccessWriteWhenOutOfService permits writing PRESENT_VALUE on an
	// otherwise read-only input object while OUT_OF_SERVICE is true.
	AccessWriteWhenOutOfService
)

// PropertyDefinition describes one entry in an object type's property
// table: datatype, access mode, and whether the property is required to
// be present.
type PropertyDefinition struct {
	Datatype primitive.Kind
	Access   AccessMode
	Required bool
	Default  *primitive.Value
}

// StatusFlags mirrors the four-bit BACnet STATUS_FLAGS bitstring,
// Clause 12.1.1: in-alarm, fault, overridden, out-of-service.
type StatusFlags struct {
	InAlarm     bool
	Fault       bool
	Overridden  bool
	OutOfService bool
}

// Encode packs the flags into the wire BitString, bit 0 = in-alarm.
func (s StatusFlags) Encode() primitive.BitString {
	var b byte
	if s.InAlarm {
		b |= 1 << 7
	}
	if s.Fault {
		b |= 1 << 6
	}
	if s.Overridden {
		b |= 1 << 5
	}
	if s.OutOfService {
		b |= 1 << 4
	}
	return primitive.BitString{Bytes: []byte{b}, UnusedBit: 4}
}

func errUnknownProperty() error { return bacerr.New(bacerr.ClassProperty, bacerr.CodeUnknownProperty) }
func errNotArray() error        { return bacerr.New(bacerr.ClassProperty, bacerr.CodePropertyIsNotAnArray) }
func errBadIndex() error        { return bacerr.New(bacerr.ClassProperty, bacerr.CodeInvalidArrayIndex) }
func errWriteDenied() error     { return bacerr.New(bacerr.ClassProperty, bacerr.CodeWriteAccessDenied) }
func errOutOfRange() error      { return bacerr.New(bacerr.ClassProperty, bacerr.CodeValueOutOfRange) }
