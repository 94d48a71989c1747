package transport

import (
	"encoding/json"
	"testing"

	"github.com/roostlabs/roostd/internal/common/logger"
)

func TestEncodeAppendsDelimiter(t *testing.T) {
	frame, err := Encode(map[string]string{"method": "daemon.ping"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame[len(frame)-1] != '\n' {
		t.Fatal("frame must end with a newline")
	}
	if !json.Valid(frame[:len(frame)-1]) {
		t.Fatalf("frame body is not valid JSON: %s", frame)
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	d := NewDecoder(logger.Default())

	var fed []byte
	for _, m := range []string{"a", "b", "c"} {
		frame, err := Encode(map[string]string{"method": m})
		if err != nil {
			t.Fatal(err)
		}
		fed = append(fed, frame...)
	}

	frames := d.Feed(fed)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []string{"a", "b", "c"} {
		var obj map[string]string
		if err := json.Unmarshal(frames[i], &obj); err != nil {
			t.Fatal(err)
		}
		if obj["method"] != want {
			t.Fatalf("frame %d = %v, want method %q", i, obj, want)
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending = %d after complete input", d.Pending())
	}
}

func TestDecoderBuffersPartialFrames(t *testing.T) {
	d := NewDecoder(logger.Default())

	if frames := d.Feed([]byte(`{"a":`)); frames != nil {
		t.Fatalf("partial frame emitted: %v", frames)
	}
	if d.Pending() == 0 {
		t.Fatal("partial frame should be buffered")
	}

	frames := d.Feed([]byte("1}\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	var obj map[string]int
	if err := json.Unmarshal(frames[0], &obj); err != nil || obj["a"] != 1 {
		t.Fatalf("frame = %s", frames[0])
	}
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	d := NewDecoder(logger.Default())

	input := "{\"ok\":1}\nnot json at all\n{\"ok\":2}\n"
	frames := d.Feed([]byte(input))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
}

func TestDecoderSkipsNonObjectFrames(t *testing.T) {
	d := NewDecoder(logger.Default())

	input := "[1,2,3]\n42\n\"text\"\n{\"ok\":true}\n"
	frames := d.Feed([]byte(input))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestDecoderIgnoresBlankLines(t *testing.T) {
	d := NewDecoder(logger.Default())

	frames := d.Feed([]byte("\n  \n{\"ok\":true}\n\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	d := NewDecoder(logger.Default())
	frame, err := Encode(map[string]string{"method": "agent.list", "id": "7"})
	if err != nil {
		t.Fatal(err)
	}

	var got []json.RawMessage
	for _, b := range frame {
		got = append(got, d.Feed([]byte{b})...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	var obj map[string]string
	if err := json.Unmarshal(got[0], &obj); err != nil || obj["id"] != "7" {
		t.Fatalf("frame = %s", got[0])
	}
}
