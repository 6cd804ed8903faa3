package objects

import (
	"testing"

	"bacstack/bacerr"
	"bacstack/primitive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(i int) *int   { return &i }
func u8p(u uint8) *uint8 { return &u }

// TestCommandablePriorityOrdering matches spec.md §8 Scenario S2: an
// AnalogValue with relinquish-default 72.0, write 50.0@8, write 30.0@4,
// then relinquish priority 4 — the present-value and
// CURRENT_COMMAND_PRIORITY sequences must be 50/30/50 and 8/4/8
// (Invariant 3, priority ordering).
func TestCommandablePriorityOrdering(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)

	pv, err := o.ReadProperty(PropPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(72.0), pv.Real)

	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Real(50.0), u8p(8), nil))
	pv, _ = o.ReadProperty(PropPresentValue, nil)
	assert.Equal(t, float32(50.0), pv.Real)
	prio, _ := o.ReadProperty(PropCurrentCommandPriority, nil)
	assert.Equal(t, uint64(8), prio.Unsigned)

	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Real(30.0), u8p(4), nil))
	pv, _ = o.ReadProperty(PropPresentValue, nil)
	assert.Equal(t, float32(30.0), pv.Real)
	prio, _ = o.ReadProperty(PropCurrentCommandPriority, nil)
	assert.Equal(t, uint64(4), prio.Unsigned)

	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Null(), u8p(4), nil))
	pv, _ = o.ReadProperty(PropPresentValue, nil)
	assert.Equal(t, float32(50.0), pv.Real)
	prio, _ = o.ReadProperty(PropCurrentCommandPriority, nil)
	assert.Equal(t, uint64(8), prio.Unsigned)
}

func TestCommandableAllRelinquishedFallsBackToDefault(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Real(10.0), u8p(10), nil))
	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Null(), u8p(10), nil))

	pv, _ := o.ReadProperty(PropPresentValue, nil)
	assert.Equal(t, float32(72.0), pv.Real)
	prio, _ := o.ReadProperty(PropCurrentCommandPriority, nil)
	assert.True(t, prio.IsNull())
}

func TestWriteCommandableRejectsOutOfRangePriority(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	err := o.WriteProperty(PropPresentValue, primitive.Real(1.0), u8p(0), nil)
	require.Error(t, err)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeValueOutOfRange, berr.Code)

	err = o.WriteProperty(PropPresentValue, primitive.Real(1.0), u8p(17), nil)
	require.Error(t, err)
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeValueOutOfRange, berr.Code)
}

func TestPriorityArrayReadByIndex(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Real(9.0), u8p(3), nil))

	length, err := o.ReadProperty(PropPriorityArray, intp(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(16), length.Unsigned)

	slot3, err := o.ReadProperty(PropPriorityArray, intp(3))
	require.NoError(t, err)
	assert.Equal(t, float32(9.0), slot3.Real)

	slot1, err := o.ReadProperty(PropPriorityArray, intp(1))
	require.NoError(t, err)
	assert.True(t, slot1.IsNull())

	_, err = o.ReadProperty(PropPriorityArray, intp(17))
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeInvalidArrayIndex, berr.Code)
}

func TestReadPropertyWithArrayIndexOnNonArrayIsRejected(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	_, err := o.ReadProperty(PropObjectName, intp(0))
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodePropertyIsNotAnArray, berr.Code)
}

func TestReadUnknownPropertyRejected(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	_, err := o.ReadProperty(PropPolarity, nil)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeUnknownProperty, berr.Code)
}

func TestWriteReadOnlyPropertyRejected(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	err := o.WriteProperty(PropObjectType, primitive.Enumerated(2), nil, nil)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeWriteAccessDenied, berr.Code)
}

func TestWriteWrongTypeRejected(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)
	err := o.WriteProperty(PropOutOfService, primitive.Real(1.0), nil, nil)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeInvalidTag, berr.Code)
}

// TestWriteWhenOutOfServiceAllowsInputPresentValue: an AnalogInput's
// PRESENT_VALUE is normally read-only but becomes writable once
// OUT_OF_SERVICE is set, per AccessWriteWhenOutOfService.
func TestWriteWhenOutOfServiceAllowsInputPresentValue(t *testing.T) {
	o := NewAnalogInput(1, "AI1")

	err := o.WriteProperty(PropPresentValue, primitive.Real(5.0), nil, nil)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeWriteAccessDenied, berr.Code)

	require.NoError(t, o.WriteProperty(PropOutOfService, primitive.Bool(true), nil, nil))
	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Real(5.0), nil, nil))
	pv, _ := o.ReadProperty(PropPresentValue, nil)
	assert.Equal(t, float32(5.0), pv.Real)
}

func TestPresentValueRangeChecked(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 0)
	require.NoError(t, o.WriteProperty(PropMinPresValue, primitive.Real(0.0), nil, nil))
	require.NoError(t, o.WriteProperty(PropMaxPresValue, primitive.Real(100.0), nil, nil))

	err := o.WriteProperty(PropPresentValue, primitive.Real(150.0), u8p(8), nil)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeValueOutOfRange, berr.Code)
}

func TestPolarityReversalAppliesOnReadOnly(t *testing.T) {
	o := NewBinaryValue(1, "BV1", true)
	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Enumerated(1), u8p(8), nil))

	pv, err := o.ReadProperty(PropPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pv.Unsigned)

	slot, err := o.ReadProperty(PropPriorityArray, intp(8))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slot.Unsigned, "stored priority-array value is untouched by polarity reversal")
}

func TestStatusFlagsComposesIndependentBits(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 0)
	o.inAlarm = true
	o.SetFaultAlgorithm(func(*Object) bool { return true })
	require.NoError(t, o.WriteProperty(PropOutOfService, primitive.Bool(true), nil, nil))

	flags, err := o.ReadProperty(PropStatusFlags, nil)
	require.NoError(t, err)
	b := flags.Bits.Bytes[0]
	assert.NotZero(t, b&(1<<7))
	assert.NotZero(t, b&(1<<6))
	assert.NotZero(t, b&(1<<4))
}

func TestMultiStatePresentValueDomainChecked(t *testing.T) {
	o := NewMultiStateValue(1, "MSV1", 3)
	err := o.WriteProperty(PropPresentValue, primitive.Unsigned(4), u8p(8), nil)
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeValueOutOfRange, berr.Code)

	require.NoError(t, o.WriteProperty(PropPresentValue, primitive.Unsigned(3), u8p(8), nil))
}

// TestPropertyListIsComputedFromTable matches spec.md §4.7's "computed
// on demand" virtual properties: PROPERTY_LIST is never stored, it is
// derived from the object's own property table every time it is read.
func TestPropertyListIsComputedFromTable(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 72.0)

	count, err := o.ReadProperty(PropPropertyList, intp(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(o.table)), count.Unsigned)

	seen := make(map[PropertyIdentifier]bool)
	for i := 1; i <= int(count.Unsigned); i++ {
		v, err := o.ReadProperty(PropPropertyList, intp(i))
		require.NoError(t, err)
		seen[PropertyIdentifier(v.Unsigned)] = true
	}
	assert.True(t, seen[PropPresentValue])
	assert.True(t, seen[PropPriorityArray], "commandable-only properties must still appear")
	assert.False(t, seen[PropPolarity], "a property absent from this object's table must not appear")

	_, err = o.ReadProperty(PropPropertyList, intp(int(count.Unsigned)+1))
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeInvalidArrayIndex, berr.Code)

	_, err = o.ReadProperty(PropPropertyList, nil)
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodePropertyIsNotAnArray, berr.Code)
}

func TestWriteCallbackFiresOnlyOnActualChange(t *testing.T) {
	o := NewAnalogValue(1, "AV1", 0)
	calls := 0
	o.SetWriteCallback(func(id primitive.ObjectIdentifier, prop PropertyIdentifier, old, new primitive.Value) {
		calls++
	})
	require.NoError(t, o.WriteProperty(PropUnits, primitive.Enumerated(0), nil, nil))
	assert.Equal(t, 0, calls, "writing the same value must not fire the callback")

	require.NoError(t, o.WriteProperty(PropUnits, primitive.Enumerated(62), nil, nil))
	assert.Equal(t, 1, calls)
}
