//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Hara602/ransomSentry/internal/model"
)

func dfidNameInfo(t *testing.T, infoType uint8, fsid unix.Fsid, handle []byte, name string) []byte {
	t.Helper()
	body := new(bytes.Buffer)
	require.NoError(t, binary.Write(body, binary.LittleEndian, fileHandle{HandleBytes: uint32(len(handle)), HandleType: 1}))
	body.Write(handle)
	body.WriteString(name)
	body.WriteByte(0)
	for (infoFidSize+body.Len())%4 != 0 {
		body.WriteByte(0)
	}

	out := new(bytes.Buffer)
	hdr := infoFid{
		Hdr:  infoHeader{InfoType: infoType, Len: uint16(infoFidSize + body.Len())},
		Fsid: fsid,
	}
	require.NoError(t, binary.Write(out, binary.LittleEndian, hdr))
	out.Write(body.Bytes())
	return out.Bytes()
}

func fanotifyEvent(t *testing.T, mask uint64, pid int32, infos ...[]byte) []byte {
	t.Helper()
	var infoLen int
	for _, i := range infos {
		infoLen += len(i)
	}
	meta := unix.FanotifyEventMetadata{
		Event_len:    uint32(metadataSize + infoLen),
		Vers:         unix.FANOTIFY_METADATA_VERSION,
		Metadata_len: metadataSize,
		Mask:         mask,
		Fd:           -1,
		Pid:          pid,
	}
	out := new(bytes.Buffer)
	require.NoError(t, binary.Write(out, binary.LittleEndian, meta))
	for _, i := range infos {
		out.Write(i)
	}
	return out.Bytes()
}

func TestParseEvents(t *testing.T) {
	fsid := unix.Fsid{Val: [2]int32{7, 9}}
	buf := append(
		fanotifyEvent(t, unix.FAN_CREATE, 100, dfidNameInfo(t, unix.FAN_EVENT_INFO_TYPE_DFID_NAME, fsid, []byte{1, 2, 3, 4, 5, 6, 7, 8}, "a.txt")),
		fanotifyEvent(t, unix.FAN_MOVED_TO, 200, dfidNameInfo(t, unix.FAN_EVENT_INFO_TYPE_DFID_NAME, fsid, []byte{9, 9, 9, 9}, "a.txt.locked"))...,
	)

	raws, err := parseEvents(buf)
	require.NoError(t, err)
	require.Len(t, raws, 2)

	assert.Equal(t, "a.txt", raws[0].Name)
	assert.Equal(t, int32(100), raws[0].Pid)
	assert.Equal(t, uint64(unix.FAN_CREATE), raws[0].Mask)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, raws[0].Handle)
	assert.Equal(t, fsid, raws[0].Fsid)
	assert.Equal(t, int32(1), raws[0].HandleType)

	assert.Equal(t, "a.txt.locked", raws[1].Name)
	assert.Equal(t, int32(200), raws[1].Pid)
}

func TestParseEventsSkipsOtherInfoTypes(t *testing.T) {
	fsid := unix.Fsid{}
	buf := fanotifyEvent(t, unix.FAN_DELETE, 1,
		dfidNameInfo(t, unix.FAN_EVENT_INFO_TYPE_FID, fsid, []byte{1, 2, 3, 4}, ""),
		dfidNameInfo(t, unix.FAN_EVENT_INFO_TYPE_DFID_NAME, fsid, []byte{1, 2, 3, 4}, "gone.doc"),
	)
	raws, err := parseEvents(buf)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "gone.doc", raws[0].Name)
}

func TestParseEventsTruncated(t *testing.T) {
	buf := fanotifyEvent(t, unix.FAN_CREATE, 1, dfidNameInfo(t, unix.FAN_EVENT_INFO_TYPE_DFID_NAME, unix.Fsid{}, []byte{1, 2, 3, 4}, "x"))
	_, err := parseEvents(buf[:len(buf)-4])
	assert.Error(t, err)
}

func TestOpKinds(t *testing.T) {
	tests := []struct {
		mask uint64
		want []model.OpKind
	}{
		{unix.FAN_CREATE, []model.OpKind{model.OpCreated}},
		{unix.FAN_CLOSE_WRITE, []model.OpKind{model.OpModified}},
		{unix.FAN_DELETE, []model.OpKind{model.OpDeleted}},
		{unix.FAN_MOVED_TO, []model.OpKind{model.OpRenamed}},
		{unix.FAN_MOVED_FROM, nil},
		{unix.FAN_CREATE | unix.FAN_CLOSE_WRITE, []model.OpKind{model.OpCreated, model.OpModified}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, opKinds(tt.mask), "mask 0x%x", tt.mask)
	}
}

func TestIngestionErrorUnwrap(t *testing.T) {
	inner := unix.EBADF
	err := &IngestionError{Source: "fanotify", Err: inner}
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Contains(t, err.Error(), "fanotify")
}
