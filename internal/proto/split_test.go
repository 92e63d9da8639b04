package proto

import (
	"reflect"
	"testing"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		maxArgs int
		want    []string
	}{
		{"simple", "AB N nick", 4, []string{"AB", "N", "nick"}},
		{"colon captures rest", "AB P CDEFG :hello there friend", 4, []string{"AB", "P", "CDEFG", "hello there friend"}},
		{"stops at max args", "a b c d e f", 3, []string{"a", "b", "c"}},
		{"collapses repeated spaces", "a   b", 4, []string{"a", "b"}},
		{"leading spaces skipped", "  a b", 4, []string{"a", "b"}},
		{"empty line", "", 4, []string{}},
		{"bare colon", ":", 4, []string{""}},
		{"colon is last token exactly", "a b :", 4, []string{"a", "b", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitArgs(tt.line, tt.maxArgs)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SplitArgs(%q, %d) = %#v, want %#v", tt.line, tt.maxArgs, got, tt.want)
			}
		})
	}
}
