package objects

import (
	"sort"

	"bacstack/bacerr"
	"bacstack/primitive"
)

// WriteCallback is invoked synchronously inside WriteProperty after a
// value actually changes, before WriteProperty returns (spec.md §5's
// "Ordering guarantees": callers must keep it short and must not
// re-enter the owning database).
type WriteCallback func(id primitive.ObjectIdentifier, property PropertyIdentifier, old, new primitive.Value)

const priorityArraySize = 16

// Object is one instance of a BACnet object type: a fixed identifier, a
// property table inherited from its type, a map of stored values, and
// (for commandable types) a 16-slot priority array.
type Object struct {
	ID    primitive.ObjectIdentifier
	table map[PropertyIdentifier]PropertyDefinition

	values map[PropertyIdentifier]primitive.Value

	commandable       bool
	priorityArray     [priorityArraySize]*primitive.Value
	relinquishDefault primitive.Value

	polarityReverse bool // binary objects only

	inAlarm, overridden bool
	faultAlgorithm      FaultAlgorithm

	onWrite WriteCallback
}

// newObject builds an object from a type's property table, seeding every
// defined property with its default (or a zero Value if none).
func newObject(id primitive.ObjectIdentifier, table map[PropertyIdentifier]PropertyDefinition) *Object {
	o := &Object{ID: id, table: table, values: make(map[PropertyIdentifier]primitive.Value)}
	for prop, def := range table {
		if def.Default != nil {
			o.values[prop] = *def.Default
		}
	}
	return o
}

// SetWriteCallback registers fn, invoked after every value-changing
// write. Must be called before the object is exposed to concurrent
// readers.
func (o *Object) SetWriteCallback(fn WriteCallback) { o.onWrite = fn }

// SetFaultAlgorithm registers the function used to compute the FAULT bit
// of STATUS_FLAGS.
func (o *Object) SetFaultAlgorithm(fn FaultAlgorithm) { o.faultAlgorithm = fn }

// EnableCommandable marks this object as commandable with the given
// relinquish-default, backing PRESENT_VALUE with a 16-slot priority
// array (spec.md §4.7 "Commandable property").
func (o *Object) EnableCommandable(relinquishDefault primitive.Value) {
	o.commandable = true
	o.relinquishDefault = relinquishDefault
}

// winningSlot scans priorities 1..16 (index 0..15) and returns the
// first non-null slot's index and value, or -1 if every slot is
// relinquished.
func (o *Object) winningSlot() (int, primitive.Value) {
	for i, v := range o.priorityArray {
		if v != nil {
			return i, *v
		}
	}
	return -1, o.relinquishDefault
}

// ReadProperty implements spec.md §4.7's read_property. arrayIndex is
// nil for a whole-property read.
func (o *Object) ReadProperty(id PropertyIdentifier, arrayIndex *int) (primitive.Value, error) {
	switch id {
	case PropObjectIdentifier:
		return primitive.ObjectID(o.ID.Type, o.ID.Instance), nil
	case PropStatusFlags:
		return primitive.Value{Kind: primitive.KindBitString, Bits: o.computeStatusFlags().Encode()}, nil
	case PropPresentValue:
		if o.commandable {
			_, v := o.winningSlot()
			return o.applyReadTransforms(v), nil
		}
	case PropCurrentCommandPriority:
		if !o.commandable {
			return primitive.Value{}, errUnknownProperty()
		}
		idx, _ := o.winningSlot()
		if idx < 0 {
			return primitive.Null(), nil
		}
		return primitive.Unsigned(uint64(idx + 1)), nil
	case PropPriorityArray:
		if !o.commandable {
			return primitive.Value{}, errUnknownProperty()
		}
		if arrayIndex == nil {
			return primitive.Value{}, errNotArray()
		}
		return o.readPriorityArrayIndex(*arrayIndex)
	case PropPropertyList:
		if arrayIndex == nil {
			return primitive.Value{}, errNotArray()
		}
		return o.readPropertyListIndex(*arrayIndex)
	}

	def, ok := o.table[id]
	if !ok {
		return primitive.Value{}, errUnknownProperty()
	}
	v, ok := o.values[id]
	if !ok {
		v = zeroValue(def.Datatype)
	}
	if arrayIndex != nil {
		return primitive.Value{}, errNotArray()
	}
	return o.applyReadTransforms2(id, v), nil
}

func (o *Object) readPriorityArrayIndex(index int) (primitive.Value, error) {
	if index == 0 {
		return primitive.Unsigned(priorityArraySize), nil
	}
	if index < 1 || index > priorityArraySize {
		return primitive.Value{}, errBadIndex()
	}
	slot := o.priorityArray[index-1]
	if slot == nil {
		return primitive.Null(), nil
	}
	return *slot, nil
}

// propertyList returns the identifiers in o's property table, sorted for
// a deterministic wire order. PROPERTY_LIST is computed on demand
// (spec.md §4.7) rather than stored, the same way Device.OBJECT_LIST is
// computed by the database instead of the object.
func (o *Object) propertyList() []PropertyIdentifier {
	ids := make([]PropertyIdentifier, 0, len(o.table))
	for id := range o.table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// readPropertyListIndex serves PROPERTY_LIST the same array-indexed way
// readPriorityArrayIndex serves PRIORITY_ARRAY: index 0 is the element
// count, 1..N address the elements.
func (o *Object) readPropertyListIndex(index int) (primitive.Value, error) {
	list := o.propertyList()
	if index == 0 {
		return primitive.Unsigned(uint64(len(list))), nil
	}
	if index < 1 || index > len(list) {
		return primitive.Value{}, errBadIndex()
	}
	return primitive.Enumerated(uint64(list[index-1])), nil
}

// applyReadTransforms applies the PRESENT_VALUE-only transforms
// (polarity reversal) that don't depend on which property was read.
func (o *Object) applyReadTransforms(v primitive.Value) primitive.Value {
	return o.applyReadTransforms2(PropPresentValue, v)
}

func (o *Object) applyReadTransforms2(id PropertyIdentifier, v primitive.Value) primitive.Value {
	if id == PropPresentValue && o.polarityReverse && v.Kind == primitive.KindEnumerated {
		return primitive.Enumerated(1 - v.Unsigned)
	}
	return v
}

// WriteProperty implements spec.md §4.7's write_property.
func (o *Object) WriteProperty(id PropertyIdentifier, value primitive.Value, priority *uint8, arrayIndex *int) error {
	if id == PropPresentValue && o.commandable {
		return o.writeCommandable(value, priority)
	}

	def, ok := o.table[id]
	if !ok {
		return errUnknownProperty()
	}
	if def.Access == AccessReadOnly || def.Access == AccessWriteWhenOutOfService {
		if !(id == PropPresentValue && o.outOfService()) {
			return errWriteDenied()
		}
	}
	if !value.IsNull() && value.Kind != def.Datatype {
		return bacerr.New(bacerr.ClassProperty, bacerr.CodeInvalidTag)
	}
	if err := o.checkRange(id, value); err != nil {
		return err
	}
	if err := o.checkDomain(id, value); err != nil {
		return err
	}

	if arrayIndex != nil {
		return errNotArray()
	}

	old := o.values[id]
	o.values[id] = value
	if o.onWrite != nil && !valuesEqual(old, value) {
		o.onWrite(o.ID, id, old, value)
	}
	return nil
}

func (o *Object) writeCommandable(value primitive.Value, priority *uint8) error {
	p := uint8(16)
	if priority != nil {
		p = *priority
	}
	if p < 1 || p > priorityArraySize {
		return errOutOfRange()
	}
	if err := o.checkRange(PropPresentValue, value); err != nil {
		return err
	}
	if err := o.checkDomain(PropPresentValue, value); err != nil {
		return err
	}
	_, oldWinning := o.winningSlot()
	if value.IsNull() {
		o.priorityArray[p-1] = nil
	} else {
		v := value
		o.priorityArray[p-1] = &v
	}
	_, newWinning := o.winningSlot()
	if o.onWrite != nil && !valuesEqual(oldWinning, newWinning) {
		o.onWrite(o.ID, PropPresentValue, oldWinning, newWinning)
	}
	return nil
}

func (o *Object) outOfService() bool {
	v, ok := o.values[PropOutOfService]
	return ok && v.Bool
}

func (o *Object) checkRange(id PropertyIdentifier, value primitive.Value) error {
	if id != PropPresentValue || value.IsNull() {
		return nil
	}
	min, hasMin := o.values[PropMinPresValue]
	max, hasMax := o.values[PropMaxPresValue]
	f := value.AsFloat64()
	if hasMin && f < min.AsFloat64() {
		return errOutOfRange()
	}
	if hasMax && f > max.AsFloat64() {
		return errOutOfRange()
	}
	return nil
}

func (o *Object) checkDomain(id PropertyIdentifier, value primitive.Value) error {
	switch id {
	case PropCOVIncrement:
		if value.AsFloat64() < 0 {
			return errOutOfRange()
		}
	case PropNumberOfStates:
		if value.Unsigned < 1 {
			return errOutOfRange()
		}
	case PropPresentValue:
		if states, ok := o.values[PropNumberOfStates]; ok && value.Kind == primitive.KindUnsigned {
			if value.Unsigned < 1 || value.Unsigned > states.Unsigned {
				return errOutOfRange()
			}
		}
	}
	return nil
}

func valuesEqual(a, b primitive.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case primitive.KindUnsigned, primitive.KindEnumerated:
		return a.Unsigned == b.Unsigned
	case primitive.KindSigned:
		return a.Signed == b.Signed
	case primitive.KindReal:
		return a.Real == b.Real
	case primitive.KindDouble:
		return a.Double == b.Double
	case primitive.KindBoolean:
		return a.Bool == b.Bool
	case primitive.KindCharacterString:
		return a.String == b.String
	default:
		return false
	}
}

func zeroValue(kind primitive.Kind) primitive.Value {
	switch kind {
	case primitive.KindReal:
		return primitive.Real(0)
	case primitive.KindDouble:
		return primitive.Double(0)
	case primitive.KindUnsigned, primitive.KindEnumerated:
		return primitive.Unsigned(0)
	case primitive.KindSigned:
		return primitive.Signed(0)
	case primitive.KindBoolean:
		return primitive.Bool(false)
	case primitive.KindCharacterString:
		return primitive.CharacterString("")
	default:
		return primitive.Null()
	}
}
