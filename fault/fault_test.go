package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if got := Wrap(Transient, "should vanish", nil); got != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", got)
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(Validation, "empty content")
	if e.Error() != "empty content" {
		t.Errorf("Error() = %q", e.Error())
	}

	wrapped := Wrap(Transient, "query failed", errors.New("database is locked"))
	if wrapped.Error() != "query failed: database is locked" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestUnwrapChain(t *testing.T) {
	root := errors.New("connection refused")
	mid := Wrap(Transient, "ai request", root)
	outer := fmt.Errorf("processing item: %w", mid)

	if !errors.Is(outer, root) {
		t.Error("errors.Is should reach the root cause through the chain")
	}
	if KindOf(outer) != Transient {
		t.Errorf("KindOf = %q, want %q", KindOf(outer), Transient)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{Transient, true},
		{Validation, false},
		{Upstream, false},
		{Corruption, false},
		{Fatal, false},
	}
	for _, tc := range cases {
		if got := Retriable(New(tc.kind, "x")); got != tc.want {
			t.Errorf("Retriable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestWithItemCopies(t *testing.T) {
	base := New(Corruption, "malformed response")
	tagged := base.WithItem("item-7").WithContent(42)

	if base.ItemID != "" || base.ContentID != 0 {
		t.Error("WithItem/WithContent must not mutate the original")
	}
	if tagged.ItemID != "item-7" || tagged.ContentID != 42 {
		t.Errorf("tagged = %+v", tagged)
	}
	if tagged.Kind != Corruption {
		t.Errorf("kind lost in copy: %q", tagged.Kind)
	}
}

func TestMarshalJSON(t *testing.T) {
	e := Wrap(Upstream, "extraction failed", errors.New("status 502")).WithItem("a1").WithContent(9)
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["kind"] != "upstream" {
		t.Errorf("kind = %v", got["kind"])
	}
	if got["message"] != "extraction failed" {
		t.Errorf("message = %v", got["message"])
	}
	if got["cause"] != "status 502" {
		t.Errorf("cause = %v", got["cause"])
	}
	ctx, ok := got["context"].(map[string]any)
	if !ok {
		t.Fatalf("context missing: %v", got)
	}
	if ctx["itemId"] != "a1" || ctx["contentId"] != float64(9) {
		t.Errorf("context = %v", ctx)
	}
}

func TestMarshalJSONOmitsEmptyContext(t *testing.T) {
	raw, err := json.Marshal(New(NotFound, "content not found"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["context"]; ok {
		t.Error("empty context should be omitted")
	}
	if _, ok := got["cause"]; ok {
		t.Error("empty cause should be omitted")
	}
}
