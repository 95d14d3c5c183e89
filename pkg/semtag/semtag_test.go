package semtag

import (
	"testing"

	"github.com/grafov/m3u8"
)

func TestDecoders(t *testing.T) {
	decoders := Decoders()
	if len(decoders) != 4 {
		t.Fatalf("Expected 4 decoders, got %d", len(decoders))
	}

	for _, d := range decoders {
		if !d.SegmentTag() {
			t.Errorf("Expected %s to be segment scoped", d.TagName())
		}
	}

	tag, err := decoders[1].Decode("#EXT-X-SEMANTICLEVEL:3")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if tag.String() != "#EXT-X-SEMANTICLEVEL:3" {
		t.Errorf("Expected round trip of level tag, got %s", tag.String())
	}
	if tag.Encode().String() != "#EXT-X-SEMANTICLEVEL:3" {
		t.Errorf("Expected encoded level tag, got %s", tag.Encode().String())
	}

	if _, err := decoders[0].Decode("#EXT-X-SEMANTICTYPE:high"); err == nil {
		t.Error("Expected error for non-integer value")
	}
}

func TestFromCustom(t *testing.T) {
	custom := map[string]m3u8.CustomTag{
		Type:      &Tag{Name: Type, Value: 2},
		Level:     &Tag{Name: Level, Value: 1},
		Privacy:   &Tag{Name: Privacy, Value: 1},
		NextLevel: &Tag{Name: NextLevel, Value: 4},
	}

	set, ok := FromCustom(custom)
	if !ok {
		t.Fatal("Expected semantic set to be found")
	}
	if set.Type != 2 || set.Level != 1 || !set.Privacy {
		t.Errorf("Unexpected set %+v", set)
	}
	if set.NextLevel == nil || *set.NextLevel != 4 {
		t.Errorf("Expected next level 4, got %v", set.NextLevel)
	}

	delete(custom, Privacy)
	if _, ok := FromCustom(custom); ok {
		t.Error("Expected incomplete tag block to be rejected")
	}

	if _, ok := FromCustom(nil); ok {
		t.Error("Expected nil custom map to be rejected")
	}
}

func TestLine(t *testing.T) {
	if got := Line(Privacy, Bool(true)); got != "#EXT-X-PRIVACY:1" {
		t.Errorf("Expected #EXT-X-PRIVACY:1, got %s", got)
	}
	if got := Line(Type, -2); got != "#EXT-X-SEMANTICTYPE:-2" {
		t.Errorf("Expected negative values to format, got %s", got)
	}
}
