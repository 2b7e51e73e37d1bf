package database

import (
	"path/filepath"
	"testing"

	"github.com/dbehnke/pocketqube-comms/internal/flash"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, path string) *DB {
	db, err := NewDB(Config{Path: path, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFlashDeviceProgramRead(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "flash.db"))
	dev := NewFlashDevice(db, 4*flash.PageSize)
	require.Equal(t, 4*flash.PageSize, dev.Size())

	buf := make([]byte, 8)
	require.NoError(t, dev.Read(0x100, buf))
	require.Equal(t, make([]byte, 8), buf)

	data := []byte{1, 2, 3, 4, 5, 6}
	require.NoError(t, dev.Program(0xFD, data))
	got := make([]byte, len(data))
	require.NoError(t, dev.Read(0xFD, got))
	require.Equal(t, data, got)

	n, err := dev.ProgrammedPages()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, dev.ErasePages(0, 1))
	require.NoError(t, dev.Read(0xFD, got))
	require.Equal(t, []byte{0, 0, 0, 4, 5, 6}, got)
}

func TestFlashDeviceBounds(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "flash.db"))
	dev := NewFlashDevice(db, 100)
	require.Equal(t, flash.PageSize, dev.Size())

	var perr *flash.ProgramError
	require.ErrorAs(t, dev.Program(flash.PageSize-1, []byte{1, 2}), &perr)

	var eerr *flash.EraseError
	require.ErrorAs(t, dev.ErasePages(1, 1), &eerr)
	require.Equal(t, flash.StatusOptionValidity, eerr.Code)

	require.ErrorIs(t, dev.Read(flash.PageSize, make([]byte, 1)), flash.ErrOutOfRange)
}

func TestFlashImageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.db")
	amap, err := flash.NewAddressMap(flash.DefaultSizes())
	require.NoError(t, err)

	db, err := NewDB(Config{Path: path, Quiet: true})
	require.NoError(t, err)
	store, err := flash.NewStore(NewFlashDevice(db, amap.DeviceSize()), amap)
	require.NoError(t, err)
	require.NoError(t, store.WriteItem(flash.ItemCounters, []byte{2, 5, 1}))
	require.NoError(t, db.Close())

	db = openTestDB(t, path)
	store, err = flash.NewStore(NewFlashDevice(db, amap.DeviceSize()), amap)
	require.NoError(t, err)
	got, err := store.ReadItem(flash.ItemCounters)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 5, 1}, got[:3])
}

func TestNewDBCreatesImageDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "obc", "flash.db")
	db := openTestDB(t, path)
	require.NoError(t, db.Health())
	require.FileExists(t, path)
}
