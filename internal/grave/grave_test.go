package grave

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/vigil/internal/highlight"
	"github.com/jward/vigil/internal/store"
	"github.com/jward/vigil/internal/text"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "vigil.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }

var literal = &highlight.TextAttributes{
	Foreground: 0xff0000,
	Background: 0x00ff00,
	Effect:     0x0000ff,
	EffectType: highlight.EffectWaveUnderscore,
	FontStyle:  highlight.FontBold,
}

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		ContentHash: 0xdeadbeefcafef00d,
		Records: []Record{
			{Start: 0, End: 4, Layer: 1, TargetArea: highlight.TargetExactRange, AttributesKey: strp("WARNING_ATTRIBUTES")},
			{Start: 5, End: 9, Layer: 2, TargetArea: highlight.TargetLinesInRange, AttributesKey: strp("ERRORS_ATTRIBUTES"), GutterIconURL: strp("icons/error.svg")},
			{Start: 10, End: 12, Layer: 3, TargetArea: highlight.TargetExactRange, Literal: literal},
			{Start: 12, End: 30, Layer: -1, TargetArea: highlight.TargetExactRange, Literal: literal, GutterIconURL: strp("")},
			{Start: 31, End: 31},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	want := sampleSnapshot()
	data, err := Encode(want)
	require.NoError(t, err)
	assert.Equal(t, magic, string(data[:4]))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	// An empty icon string stays distinct from an absent icon.
	require.NotNil(t, got.Records[3].GutterIconURL)
	assert.Nil(t, got.Records[2].GutterIconURL)
}

func TestCodec_Empty(t *testing.T) {
	t.Parallel()
	data, err := Encode(&Snapshot{ContentHash: 7})
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.ContentHash)
	assert.Empty(t, got.Records)
}

func TestEncode_RejectsKeyAndLiteral(t *testing.T) {
	t.Parallel()
	_, err := Encode(&Snapshot{Records: []Record{{AttributesKey: strp("K"), Literal: literal}}})
	assert.Error(t, err)
}

func TestDecode_IncompatibleVersion(t *testing.T) {
	t.Parallel()
	data, err := Encode(sampleSnapshot())
	require.NoError(t, err)
	binary.BigEndian.PutUint16(data[4:], FormatVersion+1)

	_, err = Decode(data)
	require.ErrorIs(t, err, ErrIncompatibleFormat)
	v, err := Version(data)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion+1, v)
}

func TestDecode_Corrupt(t *testing.T) {
	t.Parallel()
	good, err := Encode(sampleSnapshot())
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "NOPE")
	garbage := append(append([]byte(nil), good[:headerSize]...), []byte("this is not an lz4 frame")...)
	truncated := good[:headerSize+(len(good)-headerSize)/2]

	for name, data := range map[string][]byte{
		"empty":     nil,
		"short":     good[:5],
		"bad magic": badMagic,
		"garbage":   garbage,
		"truncated": truncated,
	} {
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrCorrupt, name)
	}
}

func newSet(t *testing.T) (*highlight.Set, *highlight.Reconciler) {
	t.Helper()
	set := highlight.NewSet(nil)
	return set, highlight.NewReconciler(set, nil)
}

type run uint64

func (r run) RunID() uint64    { return uint64(r) }
func (r run) IsCanceled() bool { return false }

func TestBuryExhume_RoundTrip(t *testing.T) {
	t.Parallel()
	g := New(newTestStore(t))
	doc := text.NewDocument(1, "a.go", "go", "package a\n\nfunc f() { xxx }\n")

	set, r := newSet(t)
	set.BeginRun(1)
	diags := []highlight.Diagnostic{
		{Span: text.Span{Start: 0, End: 7}, SourceID: "kw", Severity: highlight.SevWarning, Layer: 1, Attributes: highlight.Attributes{Key: "KEYWORD"}},
		{Span: text.Span{Start: 8, End: 9}, SourceID: "kw", Severity: highlight.SevWarning, Layer: 1, Attributes: highlight.Attributes{Key: "IDENT"}, GutterIconURL: "icon.svg"},
		{Span: text.Span{Start: 22, End: 25}, SourceID: "todo", Severity: highlight.SevError, TargetArea: highlight.TargetLinesInRange, Attributes: highlight.Attributes{Literal: literal}},
		{Span: text.Span{Start: 11, End: 15}, SourceID: "todo", Severity: highlight.SevError, Attributes: highlight.Attributes{Literal: literal}, GutterIconURL: "todo.svg"},
	}
	for _, d := range diags {
		require.True(t, r.Apply(run(1), d))
	}
	r.Apply(run(1), highlight.Diagnostic{FileLevel: true, SourceID: "fl", Description: "not buried"})

	snap, err := g.Bury(doc, set)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 4)

	reopened := text.NewDocument(2, "a.go", "go", doc.Text())
	fresh, fr := newSet(t)
	ok, err := g.Exhume(reopened, fr)
	require.NoError(t, err)
	require.True(t, ok)

	before := set.Snapshot()
	after := fresh.Snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, after[i].Zombie)
		assert.Equal(t, before[i].Span, after[i].Span)
		assert.Equal(t, before[i].Layer, after[i].Layer)
		assert.Equal(t, before[i].TargetArea, after[i].TargetArea)
		assert.Equal(t, before[i].GutterIconURL, after[i].GutterIconURL)
		assert.True(t, before[i].Attributes.Equal(after[i].Attributes), i)
	}
	assert.Empty(t, fresh.FileLevel())
}

func TestExhume_HashMismatchIgnored(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	g := New(s)
	set, r := newSet(t)
	set.BeginRun(1)
	r.Apply(run(1), highlight.Diagnostic{Span: text.Span{Start: 0, End: 1}, SourceID: "a"})
	_, err := g.Bury(text.NewDocument(1, "a.txt", "", "one"), set)
	require.NoError(t, err)

	fresh, fr := newSet(t)
	ok, err := g.Exhume(text.NewDocument(2, "a.txt", "", "two"), fr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fresh.Snapshot())

	stored, err := s.GraveByPath("a.txt")
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestExhume_NoGrave(t *testing.T) {
	t.Parallel()
	g := New(newTestStore(t))
	_, r := newSet(t)
	ok, err := g.Exhume(text.NewDocument(1, "missing.go", "go", "x"), r)
	require.NoError(t, err)
	assert.False(t, ok)
}

type countingObserver struct{ rejected []string }

func (*countingObserver) Buried(int, int)     {}
func (*countingObserver) Exhumed(int)         {}
func (o *countingObserver) Rejected(r string) { o.rejected = append(o.rejected, r) }

func TestExhume_UnreadableGraveDeleted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	obs := &countingObserver{}
	g := New(s, WithObserver(obs))

	content := "hello"
	incompatible, err := Encode(&Snapshot{ContentHash: store.ContentHash(content)})
	require.NoError(t, err)
	binary.BigEndian.PutUint16(incompatible[4:], 99)

	for path, data := range map[string][]byte{
		"corrupt.txt": []byte("VGRV garbage"),
		"old.txt":     incompatible,
	} {
		require.NoError(t, s.PutGrave(&store.Grave{Path: path, FormatVersion: 1, ContentHash: store.ContentHash(content), Data: data}))

		_, r := newSet(t)
		ok, err := g.Exhume(text.NewDocument(1, path, "", content), r)
		require.NoError(t, err, path)
		assert.False(t, ok, path)

		stored, err := s.GraveByPath(path)
		require.NoError(t, err)
		assert.Nil(t, stored, path)
	}
	assert.ElementsMatch(t, []string{RejectCorrupt, RejectIncompatible}, obs.rejected)
}

func TestDiagnostics_SkipsOutOfRange(t *testing.T) {
	t.Parallel()
	snap := &Snapshot{Records: []Record{{Start: 0, End: 3}, {Start: 2, End: 50}}}
	got := snap.Diagnostics(10)
	require.Len(t, got, 1)
	assert.Equal(t, text.Span{Start: 0, End: 3}, got[0].Span)
}
