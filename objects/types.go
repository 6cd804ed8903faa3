package objects

import "bacstack/primitive"

// Standard object type numbers, Clause 21 enumeration (the subset this
// stack implements concrete property tables for).
const (
	TypeAnalogInput   = 0
	TypeAnalogOutput  = 1
	TypeAnalogValue   = 2
	TypeBinaryInput   = 3
	TypeBinaryOutput  = 4
	TypeBinaryValue   = 5
	TypeDevice        = 8
	TypeMultiStateValue = 19
)

func floatDefault(f float32) *primitive.Value { v := primitive.Real(f); return &v }
func boolDefault(b bool) *primitive.Value     { v := primitive.Bool(b); return &v }
func enumDefault(e uint64) *primitive.Value   { v := primitive.Enumerated(e); return &v }
func uintDefault(u uint64) *primitive.Value   { v := primitive.Unsigned(u); return &v }

func baseAnalogTable() map[PropertyIdentifier]PropertyDefinition {
	return map[PropertyIdentifier]PropertyDefinition{
		PropObjectName:    {Datatype: primitive.KindCharacterString, Access: AccessReadWrite, Required: true},
		PropObjectType:    {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true},
		PropPresentValue:  {Datatype: primitive.KindReal, Access: AccessReadWrite, Required: true, Default: floatDefault(0)},
		PropStatusFlags:   {Datatype: primitive.KindBitString, Access: AccessReadOnly, Required: true},
		PropEventState:    {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true, Default: enumDefault(0)},
		PropOutOfService:  {Datatype: primitive.KindBoolean, Access: AccessReadWrite, Required: true, Default: boolDefault(false)},
		PropUnits:         {Datatype: primitive.KindEnumerated, Access: AccessReadWrite, Required: true, Default: enumDefault(0)},
		PropCOVIncrement:  {Datatype: primitive.KindReal, Access: AccessReadWrite, Required: false, Default: floatDefault(1)},
		PropMinPresValue:  {Datatype: primitive.KindReal, Access: AccessReadWrite, Required: false},
		PropMaxPresValue:  {Datatype: primitive.KindReal, Access: AccessReadWrite, Required: false},
	}
}

// NewAnalogValue constructs a commandable AnalogValue, matching spec.md
// §8 S2's object-roundtrip scenario.
func NewAnalogValue(instance uint32, name string, relinquishDefault float32) *Object {
	o := newObject(primitive.ObjectIdentifier{Type: TypeAnalogValue, Instance: instance}, withPriorityArray(baseAnalogTable()))
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeAnalogValue)
	o.EnableCommandable(primitive.Real(relinquishDefault))
	return o
}

// NewAnalogInput constructs a read-only-present-value AnalogInput; its
// PRESENT_VALUE becomes writable while OUT_OF_SERVICE is true.
func NewAnalogInput(instance uint32, name string) *Object {
	table := baseAnalogTable()
	table[PropPresentValue] = PropertyDefinition{Datatype: primitive.KindReal, Access: AccessWriteWhenOutOfService, Required: true, Default: floatDefault(0)}
	o := newObject(primitive.ObjectIdentifier{Type: TypeAnalogInput, Instance: instance}, table)
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeAnalogInput)
	return o
}

// NewAnalogOutput constructs a commandable AnalogOutput.
func NewAnalogOutput(instance uint32, name string, relinquishDefault float32) *Object {
	o := newObject(primitive.ObjectIdentifier{Type: TypeAnalogOutput, Instance: instance}, withPriorityArray(baseAnalogTable()))
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeAnalogOutput)
	o.EnableCommandable(primitive.Real(relinquishDefault))
	return o
}

func withPriorityArray(table map[PropertyIdentifier]PropertyDefinition) map[PropertyIdentifier]PropertyDefinition {
	table[PropPriorityArray] = PropertyDefinition{Datatype: primitive.KindComposite, Access: AccessReadOnly, Required: true}
	table[PropRelinquishDefault] = PropertyDefinition{Datatype: primitive.KindReal, Access: AccessReadWrite, Required: true}
	table[PropCurrentCommandPriority] = PropertyDefinition{Datatype: primitive.KindUnsigned, Access: AccessReadOnly, Required: true}
	return table
}

func baseBinaryTable() map[PropertyIdentifier]PropertyDefinition {
	return map[PropertyIdentifier]PropertyDefinition{
		PropObjectName:   {Datatype: primitive.KindCharacterString, Access: AccessReadWrite, Required: true},
		PropObjectType:   {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true},
		PropPresentValue: {Datatype: primitive.KindEnumerated, Access: AccessReadWrite, Required: true, Default: enumDefault(0)},
		PropStatusFlags:  {Datatype: primitive.KindBitString, Access: AccessReadOnly, Required: true},
		PropEventState:   {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true, Default: enumDefault(0)},
		PropOutOfService: {Datatype: primitive.KindBoolean, Access: AccessReadWrite, Required: true, Default: boolDefault(false)},
		PropPolarity:     {Datatype: primitive.KindEnumerated, Access: AccessReadWrite, Required: true, Default: enumDefault(0)},
	}
}

// NewBinaryValue constructs a commandable BinaryValue. polarityReverse
// applies bool-reversal at the read path only (spec.md §4.7).
func NewBinaryValue(instance uint32, name string, polarityReverse bool) *Object {
	o := newObject(primitive.ObjectIdentifier{Type: TypeBinaryValue, Instance: instance}, withPriorityArray(baseBinaryTable()))
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeBinaryValue)
	o.polarityReverse = polarityReverse
	o.EnableCommandable(primitive.Enumerated(0))
	return o
}

// NewBinaryInput constructs a BinaryInput.
func NewBinaryInput(instance uint32, name string, polarityReverse bool) *Object {
	table := baseBinaryTable()
	table[PropPresentValue] = PropertyDefinition{Datatype: primitive.KindEnumerated, Access: AccessWriteWhenOutOfService, Required: true, Default: enumDefault(0)}
	o := newObject(primitive.ObjectIdentifier{Type: TypeBinaryInput, Instance: instance}, table)
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeBinaryInput)
	o.polarityReverse = polarityReverse
	return o
}

// NewBinaryOutput constructs a commandable BinaryOutput.
func NewBinaryOutput(instance uint32, name string, polarityReverse bool) *Object {
	o := newObject(primitive.ObjectIdentifier{Type: TypeBinaryOutput, Instance: instance}, withPriorityArray(baseBinaryTable()))
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeBinaryOutput)
	o.polarityReverse = polarityReverse
	o.EnableCommandable(primitive.Enumerated(0))
	return o
}

// NewMultiStateValue constructs a commandable MultiStateValue with
// numberOfStates states.
func NewMultiStateValue(instance uint32, name string, numberOfStates uint32) *Object {
	table := map[PropertyIdentifier]PropertyDefinition{
		PropObjectName:     {Datatype: primitive.KindCharacterString, Access: AccessReadWrite, Required: true},
		PropObjectType:     {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true},
		PropPresentValue:   {Datatype: primitive.KindUnsigned, Access: AccessReadWrite, Required: true, Default: uintDefault(1)},
		PropStatusFlags:    {Datatype: primitive.KindBitString, Access: AccessReadOnly, Required: true},
		PropEventState:     {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true, Default: enumDefault(0)},
		PropOutOfService:   {Datatype: primitive.KindBoolean, Access: AccessReadWrite, Required: true, Default: boolDefault(false)},
		PropNumberOfStates: {Datatype: primitive.KindUnsigned, Access: AccessReadOnly, Required: true, Default: uintDefault(uint64(numberOfStates))},
	}
	o := newObject(primitive.ObjectIdentifier{Type: TypeMultiStateValue, Instance: instance}, withPriorityArray(table))
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeMultiStateValue)
	o.EnableCommandable(primitive.Unsigned(1))
	return o
}

// NewDevice constructs the one mandatory Device object. Object_List and
// Database_Revision are virtual/database-owned and are not stored in
// o.values; ObjectDatabase.ReadDeviceProperty serves them.
func NewDevice(instance uint32, name string) *Object {
	table := map[PropertyIdentifier]PropertyDefinition{
		PropObjectName:       {Datatype: primitive.KindCharacterString, Access: AccessReadWrite, Required: true},
		PropObjectType:       {Datatype: primitive.KindEnumerated, Access: AccessReadOnly, Required: true},
		PropDatabaseRevision: {Datatype: primitive.KindUnsigned, Access: AccessReadOnly, Required: true},
	}
	o := newObject(primitive.ObjectIdentifier{Type: TypeDevice, Instance: instance}, table)
	o.values[PropObjectName] = primitive.CharacterString(name)
	o.values[PropObjectType] = primitive.Enumerated(TypeDevice)
	return o
}
