package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengths(t *testing.T) {
	op := Operation{[]Component{{Retain: 2}, {Insert: "héé"}, {Delete: 1}, {Retain: 3}}}
	assert.Equal(t, 6, op.BaseLen())
	assert.Equal(t, 8, op.TargetLen())
	assert.False(t, op.IsNoop())

	assert.True(t, Operation{}.IsNoop())
	assert.True(t, Operation{[]Component{{Retain: 5}}}.IsNoop())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"empty", Operation{}, true},
		{"well formed", NewDelete(1, 2, 5), true},
		{"empty component", Operation{[]Component{{}}}, false},
		{"two fields", Operation{[]Component{{Retain: 1, Insert: "x"}}}, false},
		{"negative retain", Operation{[]Component{{Retain: -1}}}, false},
		{"negative delete", Operation{[]Component{{Delete: -2}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		op      Operation
		want    string
		wantErr bool
	}{
		{"insert at start", "hello", NewInsert(0, "X", 5), "Xhello", false},
		{"insert at end", "hello", NewInsert(5, "!", 5), "hello!", false},
		{"insert in middle", "hello", NewInsert(2, "XY", 5), "heXYllo", false},
		{"delete in middle", "hello", NewDelete(1, 3, 5), "ho", false},
		{"delete multibyte", "naïve", NewDelete(2, 1, 5), "nave", false},
		{"append", "ab", Append("c", 2), "abc", false},
		{"empty doc", "", Append("hi", 0), "hi", false},
		{"length mismatch", "hi", NewInsert(0, "x", 5), "", true},
		{"malformed", "hi", Operation{[]Component{{Retain: 1, Delete: 1}}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.doc, tt.op)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuilder_MergesAndDropsEmpty(t *testing.T) {
	var b Builder
	op := b.Retain(2).Retain(0).Retain(1).Insert("a").Insert("").Insert("b").Delete(1).Delete(2).Build()
	assert.Equal(t, []Component{{Retain: 3}, {Insert: "ab"}, {Delete: 3}}, op.Ops)
	assert.Equal(t, `[r3 i"ab" d3]`, op.String())
}

func TestConstructorsOmitEmptyRetains(t *testing.T) {
	assert.Equal(t, []Component{{Insert: "x"}}, NewInsert(0, "x", 0).Ops)
	assert.Equal(t, []Component{{Retain: 2}, {Delete: 3}}, NewDelete(2, 3, 5).Ops)
}

func TestBetween(t *testing.T) {
	tests := []struct {
		from, to string
		want     string
	}{
		{"", "", "[]"},
		{"same", "same", "[r4]"},
		{"", "new", `[i"new"]`},
		{"gone", "", "[d4]"},
		{"hello world", "hello there world", `[r6 i"there " r5]`},
		{"abcdef", "abXYef", `[r2 d2 i"XY" r2]`},
		{"aaa", "aaaa", `[r3 i"a"]`},
		{"héllo", "hallo", `[r1 d1 i"a" r3]`},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			op := Between(tt.from, tt.to)
			assert.Equal(t, tt.want, op.String())
			got, err := Apply(tt.from, op)
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}
