// Package semtag defines the semantic risk extension tags carried by segment entries of
// the generated media playlists, with decoders for github.com/grafov/m3u8 so that players
// and tools can read them back.
package semtag

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// Tag names. Values are integers; PRIVACY is 0 or 1.
const (
	Type      = "#EXT-X-SEMANTICTYPE"
	Level     = "#EXT-X-SEMANTICLEVEL"
	Privacy   = "#EXT-X-PRIVACY"
	NextLevel = "#EXT-X-NEXT-SEMANTICLEVEL"
)

// Line formats a single tag line without a trailing newline.
func Line(name string, value int) string {
	return name + ":" + strconv.Itoa(value)
}

// Bool converts a privacy flag to its tag value.
func Bool(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Set is the semantic metadata attached to one segment.
type Set struct {
	Type      int
	Level     int
	Privacy   bool
	NextLevel *int
}

// Tag is a decoded integer-valued semantic tag. It implements m3u8.CustomTag.
type Tag struct {
	Name  string
	Value int
}

// TagName implements m3u8.CustomTag.
func (t *Tag) TagName() string { return t.Name }

// Encode implements m3u8.CustomTag.
func (t *Tag) Encode() *bytes.Buffer {
	var buf bytes.Buffer
	buf.WriteString(Line(t.Name, t.Value))
	return &buf
}

// String implements m3u8.CustomTag.
func (t *Tag) String() string { return Line(t.Name, t.Value) }

type decoder struct {
	name string
}

func (d decoder) TagName() string { return d.name }

func (d decoder) SegmentTag() bool { return true }

func (d decoder) Decode(line string) (m3u8.CustomTag, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(line), d.name+":")
	if !ok {
		return nil, fmt.Errorf("%s: malformed line %q", d.name, line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	return &Tag{Name: d.name, Value: n}, nil
}

// Decoders returns segment-scoped decoders for all four semantic tags.
func Decoders() []m3u8.CustomDecoder {
	return []m3u8.CustomDecoder{
		decoder{name: Type},
		decoder{name: Level},
		decoder{name: Privacy},
		decoder{name: NextLevel},
	}
}

// FromCustom extracts a Set from a decoded segment's custom tags.
// ok is false unless the type, level and privacy tags are all present.
func FromCustom(custom map[string]m3u8.CustomTag) (set Set, ok bool) {
	value := func(name string) (int, bool) {
		t, found := custom[name]
		if !found || t == nil {
			return 0, false
		}
		tag, isTag := t.(*Tag)
		if !isTag {
			return 0, false
		}
		return tag.Value, true
	}

	if set.Type, ok = value(Type); !ok {
		return Set{}, false
	}
	if set.Level, ok = value(Level); !ok {
		return Set{}, false
	}
	p, ok := value(Privacy)
	if !ok {
		return Set{}, false
	}
	set.Privacy = p != 0
	if n, found := value(NextLevel); found {
		set.NextLevel = &n
	}
	return set, true
}
