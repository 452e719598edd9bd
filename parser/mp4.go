package parser

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bbiangul/ingestor/fault"
)

// MP4Parser reads container metadata from the ISO-BMFF box structure shared
// by MP4 and QuickTime files: duration and creation time from moov/mvhd,
// track kinds from trak/mdia/hdlr, video dimensions from trak/tkhd, and
// embedded tags from udta/meta/ilst. The output text is a one-line summary
// suitable for indexing; no media decoding happens here.
type MP4Parser struct{}

func (p *MP4Parser) ContentTypes() []string {
	return []string{"video/mp4", "video/quicktime"}
}

func (p *MP4Parser) Parse(ctx context.Context, data []byte) (*Parsed, error) {
	top := walkBoxes(data)
	if len(top) == 0 {
		return nil, fault.New(fault.Corruption, "no iso-bmff boxes found")
	}

	var info mp4Info
	for _, b := range top {
		switch b.typ {
		case "ftyp":
			if len(b.payload) >= 4 {
				info.brand = strings.TrimSpace(string(b.payload[:4]))
			}
		case "moov":
			parseMoov(b.payload, &info)
		}
	}

	var dur time.Duration
	if info.timescale > 0 {
		dur = time.Duration(float64(info.duration) / float64(info.timescale) * float64(time.Second))
	}

	meta := map[string]string{
		"format":       "mp4",
		"video_tracks": fmt.Sprintf("%d", info.videoTracks),
		"audio_tracks": fmt.Sprintf("%d", info.audioTracks),
	}
	if info.brand != "" {
		meta["brand"] = info.brand
	}
	if info.timescale > 0 {
		meta["duration_seconds"] = fmt.Sprintf("%.2f", dur.Seconds())
	}
	if info.width > 0 {
		meta["width"] = fmt.Sprintf("%d", info.width)
		meta["height"] = fmt.Sprintf("%d", info.height)
	}
	if !info.created.IsZero() {
		meta["created"] = info.created.Format(time.RFC3339)
	}
	for k, v := range info.tags {
		meta[k] = v
	}

	var parts []string
	if t := info.tags["title"]; t != "" {
		parts = append(parts, fmt.Sprintf("titled %q", t))
	}
	if a := info.tags["artist"]; a != "" {
		parts = append(parts, "by "+a)
	}
	if dur > 0 {
		parts = append(parts, "duration "+dur.Round(time.Second).String())
	}
	if info.videoTracks > 0 {
		parts = append(parts, fmt.Sprintf("%d video track(s)", info.videoTracks))
	}
	if info.audioTracks > 0 {
		parts = append(parts, fmt.Sprintf("%d audio track(s)", info.audioTracks))
	}
	if info.width > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", info.width, info.height))
	}

	text := "Media container"
	if info.brand != "" {
		text += " " + info.brand
	}
	if len(parts) > 0 {
		text += ": " + strings.Join(parts, ", ")
	}
	text += "."

	return &Parsed{Text: text, Metadata: meta}, nil
}

type mp4Info struct {
	brand       string
	timescale   uint64
	duration    uint64
	width       int
	height      int
	videoTracks int
	audioTracks int
	created     time.Time
	tags        map[string]string
}

type mp4Box struct {
	typ     string
	payload []byte
}

// walkBoxes decodes one level of boxes: 4-byte big-endian size, 4-byte type,
// then payload. Size 1 switches to a 64-bit size, size 0 extends the box to
// the end of the data. Decoding stops at the first malformed box.
func walkBoxes(data []byte) []mp4Box {
	var boxes []mp4Box
	off := 0
	for off+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		header := 8
		switch size {
		case 0:
			size = len(data) - off
		case 1:
			if off+16 > len(data) {
				return boxes
			}
			size64 := binary.BigEndian.Uint64(data[off+8:])
			if size64 > uint64(len(data)-off) {
				return boxes
			}
			size = int(size64)
			header = 16
		}
		if size < header || off+size > len(data) {
			return boxes
		}
		boxes = append(boxes, mp4Box{typ: typ, payload: data[off+header : off+size]})
		off += size
	}
	return boxes
}

func parseMoov(payload []byte, info *mp4Info) {
	for _, b := range walkBoxes(payload) {
		switch b.typ {
		case "mvhd":
			parseMvhd(b.payload, info)
		case "trak":
			parseTrak(b.payload, info)
		case "udta":
			parseUdta(b.payload, info)
		}
	}
}

// parseMvhd reads timescale, duration, and creation time. Version 1 widens
// the time fields to 64 bits.
func parseMvhd(p []byte, info *mp4Info) {
	if len(p) < 20 {
		return
	}
	if p[0] == 1 {
		if len(p) < 32 {
			return
		}
		info.created = mp4Time(binary.BigEndian.Uint64(p[4:]))
		info.timescale = uint64(binary.BigEndian.Uint32(p[20:]))
		info.duration = binary.BigEndian.Uint64(p[24:])
		return
	}
	info.created = mp4Time(uint64(binary.BigEndian.Uint32(p[4:])))
	info.timescale = uint64(binary.BigEndian.Uint32(p[12:]))
	info.duration = uint64(binary.BigEndian.Uint32(p[16:]))
}

func parseTrak(payload []byte, info *mp4Info) {
	for _, b := range walkBoxes(payload) {
		switch b.typ {
		case "tkhd":
			w, h := parseTkhd(b.payload)
			if w > 0 && info.width == 0 {
				info.width, info.height = w, h
			}
		case "mdia":
			for _, m := range walkBoxes(b.payload) {
				if m.typ != "hdlr" || len(m.payload) < 12 {
					continue
				}
				switch string(m.payload[8:12]) {
				case "vide":
					info.videoTracks++
				case "soun":
					info.audioTracks++
				}
			}
		}
	}
}

// parseTkhd reads track width and height, stored as 16.16 fixed point after
// the transformation matrix. Audio tracks carry zero dimensions.
func parseTkhd(p []byte) (int, int) {
	if len(p) < 4 {
		return 0, 0
	}
	if p[0] == 1 {
		if len(p) < 96 {
			return 0, 0
		}
		return int(binary.BigEndian.Uint32(p[88:]) >> 16), int(binary.BigEndian.Uint32(p[92:]) >> 16)
	}
	if len(p) < 84 {
		return 0, 0
	}
	return int(binary.BigEndian.Uint32(p[76:]) >> 16), int(binary.BigEndian.Uint32(p[80:]) >> 16)
}

// ilstKeys maps the iTunes-style metadata atoms under moov/udta/meta/ilst to
// metadata names. The 0xA9 prefix is the "©" marker QuickTime uses.
var ilstKeys = map[string]string{
	"\xa9nam": "title",
	"\xa9ART": "artist",
	"\xa9alb": "album",
	"\xa9gen": "genre",
	"\xa9cmt": "comment",
	"\xa9day": "year",
	"desc":    "description",
}

func parseUdta(payload []byte, info *mp4Info) {
	for _, b := range walkBoxes(payload) {
		if b.typ != "meta" {
			continue
		}
		for _, mb := range metaChildren(b.payload) {
			if mb.typ == "ilst" {
				parseIlst(mb.payload, info)
			}
		}
	}
}

// metaChildren walks the children of a meta box. meta is a full box in
// ISO-BMFF but a plain box in QuickTime output, so probe both layouts: a
// leading version/flags word makes the first decode land on garbage.
func metaChildren(p []byte) []mp4Box {
	if boxes := walkBoxes(p); len(boxes) > 0 && plausibleBoxType(boxes[0].typ) {
		return boxes
	}
	if len(p) > 4 {
		return walkBoxes(p[4:])
	}
	return nil
}

func plausibleBoxType(typ string) bool {
	if len(typ) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if c := typ[i]; (c < 0x20 || c > 0x7e) && c != 0xa9 {
			return false
		}
	}
	return true
}

// parseIlst reads tag values out of the list entries. Each entry holds a
// "data" child whose payload is a 4-byte type indicator, a 4-byte locale,
// then the value; type 1 is UTF-8 text and type 0 is implicit.
func parseIlst(p []byte, info *mp4Info) {
	for _, entry := range walkBoxes(p) {
		key, ok := ilstKeys[entry.typ]
		if !ok || info.tags[key] != "" {
			continue
		}
		for _, db := range walkBoxes(entry.payload) {
			if db.typ != "data" || len(db.payload) < 8 {
				continue
			}
			kind := binary.BigEndian.Uint32(db.payload[0:4])
			val := strings.TrimSpace(string(db.payload[8:]))
			if (kind == 0 || kind == 1) && val != "" && utf8.ValidString(val) {
				if info.tags == nil {
					info.tags = make(map[string]string)
				}
				info.tags[key] = val
				break
			}
		}
	}
}

// mp4Time converts seconds since the 1904 media epoch; zero stays zero.
func mp4Time(secs uint64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(secs) * time.Second)
}
