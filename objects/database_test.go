package objects

import (
	"testing"

	"bacstack/bacerr"
	"bacstack/primitive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase() *ObjectDatabase {
	return NewObjectDatabase(NewDevice(100, "Device100"))
}

func TestDatabaseObjectListIncludesDeviceFirst(t *testing.T) {
	db := newTestDatabase()
	av := NewAnalogValue(1, "AV1", 0)
	require.NoError(t, db.Add(av))

	length, err := db.ReadDeviceProperty(PropObjectList, intp(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), length.Unsigned)

	first, err := db.ReadDeviceProperty(PropObjectList, intp(1))
	require.NoError(t, err)
	assert.Equal(t, uint16(TypeDevice), first.ObjectID.Type)

	second, err := db.ReadDeviceProperty(PropObjectList, intp(2))
	require.NoError(t, err)
	assert.Equal(t, uint16(TypeAnalogValue), second.ObjectID.Type)
}

// TestDatabaseRejectsDuplicateIdentifierAndName covers Invariant 5, name
// uniqueness, alongside id-uniqueness.
func TestDatabaseRejectsDuplicateIdentifierAndName(t *testing.T) {
	db := newTestDatabase()
	require.NoError(t, db.Add(NewAnalogValue(1, "AV1", 0)))

	err := db.Add(NewAnalogValue(1, "AV1-dup", 0))
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeObjectIdentifierAlreadyExists, berr.Code)

	err = db.Add(NewAnalogValue(2, "AV1", 0))
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeDuplicateName, berr.Code)
}

func TestDatabaseRemoveBumpsRevisionAndUpdatesObjectList(t *testing.T) {
	db := newTestDatabase()
	require.NoError(t, db.Add(NewAnalogValue(1, "AV1", 0)))
	before, _ := db.ReadDeviceProperty(PropDatabaseRevision, nil)

	require.NoError(t, db.Remove(primitive.ObjectIdentifier{Type: TypeAnalogValue, Instance: 1}))

	after, _ := db.ReadDeviceProperty(PropDatabaseRevision, nil)
	assert.Greater(t, after.Unsigned, before.Unsigned)

	length, _ := db.ReadDeviceProperty(PropObjectList, intp(0))
	assert.Equal(t, uint64(1), length.Unsigned)

	_, ok := db.ByID(primitive.ObjectIdentifier{Type: TypeAnalogValue, Instance: 1})
	assert.False(t, ok)
}

func TestDatabaseCannotRemoveDevice(t *testing.T) {
	db := newTestDatabase()
	err := db.Remove(primitive.ObjectIdentifier{Type: TypeDevice, Instance: 100})
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeObjectDeletionNotPermitted, berr.Code)
}

func TestDatabaseRenameValidatesUniqueness(t *testing.T) {
	db := newTestDatabase()
	require.NoError(t, db.Add(NewAnalogValue(1, "AV1", 0)))
	require.NoError(t, db.Add(NewAnalogValue(2, "AV2", 0)))

	id1 := primitive.ObjectIdentifier{Type: TypeAnalogValue, Instance: 1}
	err := db.Rename(id1, "AV2")
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeDuplicateName, berr.Code)

	require.NoError(t, db.Rename(id1, "Renamed"))
	o, ok := db.ByName("Renamed")
	require.True(t, ok)
	assert.Equal(t, id1, o.ID)

	_, ok = db.ByName("AV1")
	assert.False(t, ok)
}

func TestDatabaseByType(t *testing.T) {
	db := newTestDatabase()
	require.NoError(t, db.Add(NewAnalogValue(1, "AV1", 0)))
	require.NoError(t, db.Add(NewAnalogValue(2, "AV2", 0)))
	require.NoError(t, db.Add(NewBinaryValue(1, "BV1", false)))

	avs := db.ByType(TypeAnalogValue)
	assert.Len(t, avs, 2)
	bvs := db.ByType(TypeBinaryValue)
	assert.Len(t, bvs, 1)
}

func TestDatabaseObjectListRejectsBadIndex(t *testing.T) {
	db := newTestDatabase()
	_, err := db.ReadDeviceProperty(PropObjectList, intp(5))
	var berr *bacerr.BACnetError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodeInvalidArrayIndex, berr.Code)

	_, err = db.ReadDeviceProperty(PropObjectList, nil)
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, bacerr.CodePropertyIsNotAnArray, berr.Code)
}
