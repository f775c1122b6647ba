package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

func drainSource(t *testing.T, src core.CandidateSource) []types.Candidate {
	t.Helper()
	var out []types.Candidate
	for {
		cand, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, cand)
	}
}

func TestFileSourceParsing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.txt")
	content := "# seasonal variants\nSpring2026!\n\nCompany#2026\r\nhunter two\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	got := drainSource(t, src)
	require.Len(t, got, 3)
	assert.Equal(t, "Spring2026!", got[0].Secret)
	assert.Equal(t, "Company#2026", got[1].Secret, "interior # is not a comment, trailing CR is stripped")
	assert.Equal(t, "hunter two", got[2].Secret, "interior whitespace survives")
	assert.Equal(t, []int{0, 1, 2}, []int{got[0].Index, got[1].Index, got[2].Index},
		"skipped lines must not consume indexes")
}

func TestFileSourceMissing(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}

func TestReaderSourceHonorsContext(t *testing.T) {
	src := NewReaderSource("stdin", strings.NewReader("one\ntwo\n"))
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	first, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", first.Secret)

	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource("a", "b", "c")
	got := drainSource(t, src)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[2].Index)

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF, "an exhausted source stays exhausted")
}

func TestSkipFinalized(t *testing.T) {
	inner := NewSliceSource("a", "b", "c", "d")
	src := SkipFinalized(inner, map[int]bool{0: true, 2: true})

	got := drainSource(t, src)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "b", got[0].Secret)
	assert.Equal(t, 3, got[1].Index)

	plain := NewSliceSource("x")
	assert.Equal(t, plain, SkipFinalized(plain, nil), "no finalized work means no wrapper")
}
