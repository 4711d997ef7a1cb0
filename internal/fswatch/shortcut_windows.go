//go:build windows

package fswatch

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"
	"unicode/utf16"
)

// shellLinkHeaderSize is the fixed-size header every .lnk file begins with
// (MS-SHLLINK §2.1).
const shellLinkHeaderSize = 76

const (
	flagHasLinkTargetIDList = 1 << 0
	flagHasLinkInfo         = 1 << 1
)

// resolveShortcut reads a Windows .lnk file's LinkInfo structure and returns
// the local base path it targets, if any. No Go library for this exists
// anywhere in the reference corpus, so this is a minimal hand-rolled parser
// covering only the LocalBasePath/LocalBasePathUnicode fields spec §4.10
// actually needs; unsupported or malformed shortcuts are reported as
// unresolved rather than erroring the watch loop.
func resolveShortcut(path string) (string, bool) {
	if !strings.EqualFold(filepathExt(path), ".lnk") {
		return "", false
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) < shellLinkHeaderSize {
		return "", false
	}

	flags := binary.LittleEndian.Uint32(data[20:24])
	offset := shellLinkHeaderSize

	if flags&flagHasLinkTargetIDList != 0 {
		if offset+2 > len(data) {
			return "", false
		}
		idListSize := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2 + idListSize
	}

	if flags&flagHasLinkInfo == 0 || offset+4 > len(data) {
		return "", false
	}

	linkInfoStart := offset
	linkInfoSize := int(binary.LittleEndian.Uint32(data[linkInfoStart : linkInfoStart+4]))
	if linkInfoStart+linkInfoSize > len(data) || linkInfoSize < 28 {
		return "", false
	}
	linkInfo := data[linkInfoStart : linkInfoStart+linkInfoSize]

	headerSize := binary.LittleEndian.Uint32(linkInfo[4:8])
	infoFlags := binary.LittleEndian.Uint32(linkInfo[8:12])
	localBasePathOffset := binary.LittleEndian.Uint32(linkInfo[16:20])

	const hasVolumeIDAndLocalBasePath = 1 << 0
	if infoFlags&hasVolumeIDAndLocalBasePath == 0 {
		return "", false
	}

	if localBasePathOffset != 0 && int(localBasePathOffset) < len(linkInfo) {
		if s := readCString(linkInfo[localBasePathOffset:]); s != "" {
			return s, true
		}
	}

	if headerSize >= 0x24 && len(linkInfo) >= 32 {
		unicodeOffset := binary.LittleEndian.Uint32(linkInfo[28:32])
		if unicodeOffset != 0 && int(unicodeOffset) < len(linkInfo) {
			if s := readUTF16CString(linkInfo[unicodeOffset:]); s != "" {
				return s, true
			}
		}
	}

	return "", false
}

func readCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func readUTF16CString(b []byte) string {
	var units []uint16
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func filepathExt(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}
