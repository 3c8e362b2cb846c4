package ml

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestInferenceImg(t *testing.T) {
	nw := newTestNetwork(t, 3, Input(4), Dense(3))
	convert := func(path string, w, h int) ([]byte, error) {
		if w*h != 4 {
			t.Fatalf("converter asked for %dx%d", w, h)
		}
		return []byte{0, 64, 128, 255}, nil
	}

	var buf bytes.Buffer
	if err := InferenceImg(&buf, nw, "digit.png", 2, 2, convert); err != nil {
		t.Fatalf("InferenceImg: %v", err)
	}
	class, _, _, _ := nw.Predict([]byte{0, 64, 128, 255})
	if !strings.Contains(buf.String(), "Predicted Class: "+string(rune('0'+class))) {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestInferenceImgConvertError(t *testing.T) {
	nw := newTestNetwork(t, 3, Input(4), Dense(3))
	missing := errors.New("no such file")
	failing := func(string, int, int) ([]byte, error) { return nil, missing }
	err := InferenceImg(&bytes.Buffer{}, nw, "missing.png", 2, 2, failing)
	if !errors.Is(err, missing) || !strings.HasPrefix(err.Error(), "load image") {
		t.Fatalf("got %v, want wrapped converter error", err)
	}
}
