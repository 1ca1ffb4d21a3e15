//go:build linux

package monitor

import "golang.org/x/sys/unix"

const (
	metadataSize = 24
	// header(4) + fsid(8)
	infoFidSize = 12
)

// infoHeader 对应 C 结构体 fanotify_event_info_header
type infoHeader struct {
	InfoType uint8
	Pad      uint8
	Len      uint16 // 包含 Header 本身的整个 Info 块长度
}

// infoFid 对应 fanotify_event_info_fid 的头部，后面紧跟 file_handle 和文件名
type infoFid struct {
	Hdr  infoHeader
	Fsid unix.Fsid
}

// fileHandle 对应 struct file_handle 的定长部分，f_handle 紧随其后
type fileHandle struct {
	HandleBytes uint32
	HandleType  int32
}
