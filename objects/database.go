package objects

import (
	"bacstack/bacerr"
	"bacstack/primitive"
)

// ObjectDatabase is the per-device collection of objects, keyed by
// object-id with secondary by-type and by-name indices, spec.md §4.7
// "ObjectDatabase". Not internally synchronized: the owning Application
// must serialize access to it, the same way network.Layer and
// bbmd.Manager rely on a single reactor goroutine (§5).
type ObjectDatabase struct {
	deviceID primitive.ObjectIdentifier
	revision uint64

	byID   map[primitive.ObjectIdentifier]*Object
	byName map[string]primitive.ObjectIdentifier
	order  []primitive.ObjectIdentifier // insertion order, backs Object_List indexing
}

// NewObjectDatabase constructs a database seeded with device as object
// index 0 (Object_List always lists the Device object first).
func NewObjectDatabase(device *Object) *ObjectDatabase {
	db := &ObjectDatabase{
		deviceID: device.ID,
		byID:     make(map[primitive.ObjectIdentifier]*Object),
		byName:   make(map[string]primitive.ObjectIdentifier),
	}
	db.byID[device.ID] = device
	name := device.values[PropObjectName].String
	db.byName[name] = device.ID
	db.order = append(db.order, device.ID)
	return db
}

// Add inserts o, rejecting a duplicate id (OBJECT_IDENTIFIER_ALREADY_EXISTS)
// or a duplicate name (DUPLICATE_NAME).
func (db *ObjectDatabase) Add(o *Object) error {
	if _, exists := db.byID[o.ID]; exists {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeObjectIdentifierAlreadyExists)
	}
	name := o.values[PropObjectName].String
	if _, exists := db.byName[name]; exists {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeDuplicateName)
	}
	db.byID[o.ID] = o
	db.byName[name] = o.ID
	db.order = append(db.order, o.ID)
	db.bumpRevision()
	return nil
}

// Remove deletes the object identified by id. The Device object itself
// cannot be removed (OBJECT_DELETION_NOT_PERMITTED).
func (db *ObjectDatabase) Remove(id primitive.ObjectIdentifier) error {
	if id == db.deviceID {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeObjectDeletionNotPermitted)
	}
	o, ok := db.byID[id]
	if !ok {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeUnknownProperty)
	}
	delete(db.byID, id)
	delete(db.byName, o.values[PropObjectName].String)
	for i, oid := range db.order {
		if oid == id {
			db.order = append(db.order[:i], db.order[i+1:]...)
			break
		}
	}
	db.bumpRevision()
	return nil
}

// Rename changes id's OBJECT_NAME, validating uniqueness and updating
// the name index.
func (db *ObjectDatabase) Rename(id primitive.ObjectIdentifier, newName string) error {
	o, ok := db.byID[id]
	if !ok {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeUnknownProperty)
	}
	if existing, exists := db.byName[newName]; exists && existing != id {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeDuplicateName)
	}
	oldName := o.values[PropObjectName].String
	delete(db.byName, oldName)
	o.values[PropObjectName] = primitive.CharacterString(newName)
	db.byName[newName] = id
	db.bumpRevision()
	return nil
}

func (db *ObjectDatabase) bumpRevision() { db.revision++ }

// ByID looks up an object by its identifier.
func (db *ObjectDatabase) ByID(id primitive.ObjectIdentifier) (*Object, bool) {
	o, ok := db.byID[id]
	return o, ok
}

// ByName looks up an object by its unique OBJECT_NAME.
func (db *ObjectDatabase) ByName(name string) (*Object, bool) {
	id, ok := db.byName[name]
	if !ok {
		return nil, false
	}
	return db.byID[id], true
}

// ByType returns every object of the given type, in insertion order.
func (db *ObjectDatabase) ByType(objectType uint16) []*Object {
	var out []*Object
	for _, id := range db.order {
		if id.Type == objectType {
			out = append(out, db.byID[id])
		}
	}
	return out
}

// Device returns the database's sole Device object.
func (db *ObjectDatabase) Device() *Object { return db.byID[db.deviceID] }

// All returns every object in the database, Device first, in insertion
// order — the same order backing Object_List.
func (db *ObjectDatabase) All() []*Object {
	out := make([]*Object, 0, len(db.order))
	for _, id := range db.order {
		out = append(out, db.byID[id])
	}
	return out
}

// ReadDeviceProperty serves the two virtual properties that only the
// database (not any single Object) can compute: Device.Object_List and
// Database_Revision.
func (db *ObjectDatabase) ReadDeviceProperty(property PropertyIdentifier, arrayIndex *int) (primitive.Value, error) {
	switch property {
	case PropDatabaseRevision:
		return primitive.Unsigned(db.revision), nil
	case PropObjectList:
		if arrayIndex == nil {
			return primitive.Value{}, errNotArray()
		}
		if *arrayIndex == 0 {
			return primitive.Unsigned(uint64(len(db.order))), nil
		}
		if *arrayIndex < 1 || *arrayIndex > len(db.order) {
			return primitive.Value{}, errBadIndex()
		}
		id := db.order[*arrayIndex-1]
		return primitive.ObjectID(id.Type, id.Instance), nil
	}
	return primitive.Value{}, errUnknownProperty()
}
