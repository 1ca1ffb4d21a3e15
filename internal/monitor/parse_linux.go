//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/Hara602/ransomSentry/internal/model"
)

// rawEvent 一条 fanotify 事件中解析出的目录句柄 + 文件名
type rawEvent struct {
	Mask       uint64
	Pid        int32
	Fsid       unix.Fsid
	HandleType int32
	Handle     []byte
	Name       string
}

// parseEvents 解析一次 read 返回的缓冲区
// 事件结构：[FanotifyEventMetadata] + [FanotifyEventInfoFid1] + [FanotifyEventInfoFid2] ...
func parseEvents(buf []byte) ([]rawEvent, error) {
	var out []rawEvent
	offset := 0
	for offset+metadataSize <= len(buf) {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[offset:offset+metadataSize]), binary.LittleEndian, &meta); err != nil {
			return out, fmt.Errorf("fanotify metadata read failed: %w", err)
		}
		end := offset + int(meta.Event_len)
		if meta.Event_len < metadataSize || end > len(buf) {
			return out, fmt.Errorf("truncated fanotify event (len %d)", meta.Event_len)
		}
		if meta.Fd >= 0 {
			unix.Close(int(meta.Fd))
		}
		if meta.Vers == unix.FANOTIFY_METADATA_VERSION {
			infoStart := offset + int(meta.Metadata_len)
			if infoStart < offset+metadataSize || infoStart > end {
				infoStart = offset + metadataSize
			}
			for _, r := range parseInfos(buf[infoStart:end]) {
				r.Mask = meta.Mask
				r.Pid = meta.Pid
				out = append(out, r)
			}
		}
		offset = end
	}
	return out, nil
}

// parseInfos 解析事件后附带的 info 记录，只关心 DFID_NAME
// 结构: [Header] + [FSID] + [FileHandle] + [f_handle] + [以 \0 结尾的文件名]
func parseInfos(buf []byte) []rawEvent {
	var out []rawEvent
	for len(buf) >= infoFidSize {
		var info infoFid
		if err := binary.Read(bytes.NewReader(buf[:infoFidSize]), binary.LittleEndian, &info); err != nil {
			break
		}
		recLen := int(info.Hdr.Len)
		if recLen < infoFidSize || recLen > len(buf) {
			break
		}
		rec := buf[infoFidSize:recLen]
		buf = buf[recLen:]

		if info.Hdr.InfoType != unix.FAN_EVENT_INFO_TYPE_DFID_NAME {
			continue
		}
		reader := bytes.NewReader(rec)
		var fh fileHandle
		if err := binary.Read(reader, binary.LittleEndian, &fh); err != nil {
			continue
		}
		handle := make([]byte, fh.HandleBytes)
		if _, err := io.ReadFull(reader, handle); err != nil {
			continue
		}
		name, _ := io.ReadAll(reader)
		if idx := bytes.IndexByte(name, 0); idx != -1 {
			name = name[:idx]
		}
		out = append(out, rawEvent{
			Fsid:       info.Fsid,
			HandleType: fh.HandleType,
			Handle:     handle,
			Name:       string(name),
		})
	}
	return out
}

// opKinds 合并事件可能同时带多个标志位；MOVED_FROM 由对应的 MOVED_TO 计数
func opKinds(mask uint64) []model.OpKind {
	var kinds []model.OpKind
	if mask&unix.FAN_CREATE != 0 {
		kinds = append(kinds, model.OpCreated)
	}
	if mask&unix.FAN_CLOSE_WRITE != 0 {
		kinds = append(kinds, model.OpModified)
	}
	if mask&unix.FAN_DELETE != 0 {
		kinds = append(kinds, model.OpDeleted)
	}
	if mask&unix.FAN_MOVED_TO != 0 {
		kinds = append(kinds, model.OpRenamed)
	}
	return kinds
}
