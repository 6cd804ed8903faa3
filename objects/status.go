package objects

// FaultAlgorithm inspects an object's current property values and
// reports whether it is in a fault condition, per the resolved Open
// Question on Status_Flags composition: fault and out-of-service are
// independent booleans, not a priority ladder, so an object can report
// both simultaneously.
type FaultAlgorithm func(o *Object) bool

// computeStatusFlags applies o.faultAlgorithm (if set) on top of the
// object's own in-alarm/overridden state and its stored OUT_OF_SERVICE
// value.
func (o *Object) computeStatusFlags() StatusFlags {
	flags := StatusFlags{
		InAlarm:    o.inAlarm,
		Overridden: o.overridden,
	}
	if o.faultAlgorithm != nil {
		flags.Fault = o.faultAlgorithm(o)
	}
	if v, ok := o.values[PropOutOfService]; ok {
		flags.OutOfService = v.Bool
	}
	return flags
}
