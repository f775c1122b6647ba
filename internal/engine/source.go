package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// lineSource yields one candidate per line from a reader. Blank lines and
// '#' comment lines are skipped without consuming an index. Lines keep
// interior whitespace; only the line ending is stripped, since secrets may
// legitimately contain spaces.
type lineSource struct {
	name    string
	closer  io.Closer
	scanner *bufio.Scanner
	index   int
}

// NewFileSource opens a candidate list file, one secret per line.
func NewFileSource(path string) (core.CandidateSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candidate list: %w", err)
	}
	return &lineSource{
		name:    path,
		closer:  f,
		scanner: bufio.NewScanner(f),
	}, nil
}

// NewReaderSource wraps an arbitrary reader, typically stdin.
func NewReaderSource(name string, r io.Reader) core.CandidateSource {
	src := &lineSource{
		name:    name,
		scanner: bufio.NewScanner(r),
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src
}

func (s *lineSource) Next(ctx context.Context) (types.Candidate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Candidate{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return types.Candidate{}, fmt.Errorf("failed to read %s: %w", s.name, err)
			}
			return types.Candidate{}, io.EOF
		}

		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cand := types.Candidate{Index: s.index, Secret: line}
		s.index++
		return cand, nil
	}
}

func (s *lineSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// sliceSource serves a fixed candidate list.
type sliceSource struct {
	secrets []string
	pos     int
}

func NewSliceSource(secrets ...string) core.CandidateSource {
	return &sliceSource{secrets: secrets}
}

func (s *sliceSource) Next(ctx context.Context) (types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return types.Candidate{}, err
	}
	if s.pos >= len(s.secrets) {
		return types.Candidate{}, io.EOF
	}
	cand := types.Candidate{Index: s.pos, Secret: s.secrets[s.pos]}
	s.pos++
	return cand, nil
}

func (s *sliceSource) Close() error { return nil }

// skipSource drops candidates a previous run already finalized, so a
// resumed campaign replays the source without repeating finished work.
type skipSource struct {
	inner     core.CandidateSource
	finalized map[int]bool
}

func SkipFinalized(inner core.CandidateSource, finalized map[int]bool) core.CandidateSource {
	if len(finalized) == 0 {
		return inner
	}
	return &skipSource{inner: inner, finalized: finalized}
}

func (s *skipSource) Next(ctx context.Context) (types.Candidate, error) {
	for {
		cand, err := s.inner.Next(ctx)
		if err != nil {
			return types.Candidate{}, err
		}
		if s.finalized[cand.Index] {
			continue
		}
		return cand, nil
	}
}

func (s *skipSource) Close() error { return s.inner.Close() }
